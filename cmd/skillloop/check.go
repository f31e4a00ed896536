package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/skillloop/internal/cache"
	"github.com/GriffinCanCode/skillloop/internal/config"
	"github.com/GriffinCanCode/skillloop/internal/input"
	"github.com/GriffinCanCode/skillloop/internal/matcher"
	"github.com/GriffinCanCode/skillloop/internal/rotation"
	"github.com/GriffinCanCode/skillloop/internal/screen"
	"github.com/GriffinCanCode/skillloop/internal/skill"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the probe file and score every probe once",
	Long: `Check loads the probe file, captures each probe region once from a
screenshot (or the live display) and prints the confidence of every probe and
the key a tick would press. No keys are sent.`,
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringP("probes", "p", "", "Probe file (default PROBES_FILE)")
	f.StringP("screenshot", "s", "", "Score against this image instead of the display")
	f.Bool("json", false, "Print results as JSON")
}

// checkRow is one probe's result.
type checkRow struct {
	ID         string  `json:"id"`
	Key        string  `json:"key"`
	Enabled    bool    `json:"enabled"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
	Ready      bool    `json:"ready"`
	Error      string  `json:"error,omitempty"`
}

type checkReport struct {
	Version string     `json:"version"`
	Probes  []checkRow `json:"probes"`
	Press   string     `json:"press,omitempty"`
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	set, err := loadCheckSet(cmd, cfg)
	if err != nil {
		return err
	}

	var (
		capturer screen.Capturer
		bounds   image.Rectangle
	)
	if shot, _ := cmd.Flags().GetString("screenshot"); shot != "" {
		static, err := screen.LoadStatic(shot)
		if err != nil {
			return err
		}
		capturer, bounds = static, static.Bounds()
	} else {
		display := screen.NewDisplay()
		capturer, bounds = display, display.Bounds()
	}
	if b := config.Bounds(set); !b.In(bounds) {
		slog.Warn("probes reach outside the capture source", "probes", b, "source", bounds)
	}

	report := evaluateOnce(cmd.Context(), set, capturer, matcher.New(cfg.Matcher(), nil))
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printReport(cmd.OutOrStdout(), report)
}

// loadCheckSet loads the probe set the way the engine does, so CAPTURE_REGION
// and the pacing block are applied and validated.
func loadCheckSet(cmd *cobra.Command, cfg *config.Config) (skill.Set, error) {
	if path, _ := cmd.Flags().GetString("probes"); path != "" {
		cfg.ProbesFile = path
	}
	return cfg.LoadProbeSet()
}

// evaluateOnce scores every probe, capturing each distinct region once.
func evaluateOnce(ctx context.Context, set skill.Set, capturer screen.Capturer, m *matcher.Matcher) checkReport {
	images := cache.New[string, *image.RGBA](cache.ImageConfig())
	results := make([]skill.Result, len(set.Probes))
	report := checkReport{Version: version, Probes: make([]checkRow, len(set.Probes))}

	for i, p := range set.Probes {
		row := checkRow{
			ID:        p.ID,
			Key:       input.KeyName(p.Key),
			Enabled:   p.Enabled,
			Priority:  p.Priority,
			Threshold: p.ThresholdOr(set.Threshold),
		}
		region := set.CaptureRect(p)
		img, err := images.GetOrCompute(skill.RegionKey(region), region, func(r image.Rectangle) (*image.RGBA, error) {
			return capturer.Capture(ctx, r)
		}, time.Minute)
		if err != nil {
			row.Error = err.Error()
		} else {
			res := m.Evaluate(ctx, img, p)
			row.Confidence, row.Ready = res.Confidence, res.Decision
			if err := m.TemplateErr(p.ID); err != nil {
				row.Error = err.Error()
			}
			if p.Enabled {
				results[i] = res
			}
		}
		report.Probes[i] = row
	}

	if i := rotation.SelectProbe(set.Probes, results); i >= 0 {
		report.Press = set.Probes[i].ID
	}
	return report
}

func printReport(w io.Writer, r checkReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SKILL\tKEY\tPRIORITY\tCONFIDENCE\tTHRESHOLD\tREADY")
	for _, p := range r.Probes {
		ready := fmt.Sprint(p.Ready)
		switch {
		case p.Error != "":
			ready = "error: " + p.Error
		case !p.Enabled:
			ready += " (disabled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.3f\t%.2f\t%s\n", p.ID, p.Key, p.Priority, p.Confidence, p.Threshold, ready)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.Press == "" {
		_, err := fmt.Fprintln(w, "\nno probe ready; a tick would be idle")
		return err
	}
	_, err := fmt.Fprintf(w, "\na tick would press %s\n", r.Press)
	return err
}
