package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/GriffinCanCode/skillloop/internal/config"
	"github.com/GriffinCanCode/skillloop/internal/input"
	"github.com/GriffinCanCode/skillloop/internal/orchestrator"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the detection engine with its HTTP and gRPC control surfaces",
	Long: `Run loads the probe file, starts the HTTP/WebSocket server and the gRPC
control service, and waits for a start command (or starts at once with
--auto-start). SIGHUP and edits to the probe file reload the probes.

Settings come from the environment (HTTP_ADDR, GRPC_ADDR, PROBES_FILE, ...);
flags override them.`,
	RunE: runEngine,
}

func init() { addRunFlags(runCmd.Flags()) }

func addRunFlags(f *pflag.FlagSet) {
	f.StringP("probes", "p", "", "Probe file (PROBES_FILE)")
	f.String("http", "", "HTTP listen address, \"off\" to disable (HTTP_ADDR)")
	f.String("grpc", "", "gRPC listen address, \"off\" to disable (GRPC_ADDR)")
	f.String("capture", "", "Capture source: display or a screenshot path (CAPTURE_SOURCE)")
	f.Bool("auto-start", false, "Start the rotation immediately (AUTO_START)")
	f.Bool("dry-run", false, "Log key presses instead of sending them")
	f.Bool("no-watch", false, "Do not watch the probe file for changes")
}

// applyRunFlags overlays explicitly set flags on cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			v, _ := f.GetString(name)
			if v == "off" {
				v = ""
			}
			*dst = v
		}
	}
	str("probes", &cfg.ProbesFile)
	str("http", &cfg.HTTPAddr)
	str("grpc", &cfg.GRPCAddr)
	str("capture", &cfg.CaptureSource)

	if f.Changed("auto-start") {
		cfg.AutoStart, _ = f.GetBool("auto-start")
	}
	if dry, _ := f.GetBool("dry-run"); dry {
		cfg.KeyBackend = input.BackendDryRun
	}
	if noWatch, _ := f.GetBool("no-watch"); noWatch {
		cfg.WatchProbes = false
	}
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	applyRunFlags(cmd, cfg)

	shutdownTracing := trace.Setup(trace.Options{SampleRatio: cfg.TraceSampleRatio, SlowThreshold: cfg.SlowSpan})
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	m, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("skillloop starting", "version", version, "probes", cfg.ProbesFile, "capture", cfg.CaptureSource, "keys", cfg.KeyBackend)
	return m.Run(ctx)
}
