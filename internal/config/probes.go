package config

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/input"
	"github.com/GriffinCanCode/skillloop/internal/skill"
)

// ProbeFile is the on-disk probe set.
type ProbeFile struct {
	Threshold     float64      `yaml:"threshold"`
	CaptureRegion *[4]int      `yaml:"capture_region,omitempty"` // x1, y1, x2, y2
	Pacing        *PacingEntry `yaml:"pacing,omitempty"`
	Skills        []ProbeEntry `yaml:"skills"`
}

// PacingEntry overrides BASE_DELAY, MIN_DELAY, MAX_DELAY and DELAY_FACTOR
// for as long as the file is loaded.
type PacingEntry struct {
	Base   Duration `yaml:"base"`
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"adjustment_factor"`
}

// ProbeEntry is one skill in the probe file.
type ProbeEntry struct {
	ID        string   `yaml:"id"`
	Region    [4]int   `yaml:"region"`
	Template  string   `yaml:"template"`
	Key       string   `yaml:"key"`
	Priority  int      `yaml:"priority"`
	Cooldown  Duration `yaml:"cooldown"`
	Enabled   *bool    `yaml:"enabled"` // defaults to true
	Scale     float64  `yaml:"scale"`
	Threshold float64  `yaml:"threshold"`
}

// Duration reads "1.5s" style strings or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", n.Line)
	}
	if secs, err := strconv.ParseFloat(n.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// LoadProbes reads and validates a probe file. Relative template paths are
// resolved against the file's directory. fallbackThreshold applies when the
// file sets none.
func LoadProbes(path string, fallbackThreshold float64) (skill.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return skill.Set{}, apperrors.Wrapf(err, apperrors.ConfigMissing, "probe file %s", path)
		}
		return skill.Set{}, apperrors.Wrapf(err, apperrors.ConfigInvalid, "read probe file %s", path)
	}
	return ParseProbes(data, filepath.Dir(path), fallbackThreshold)
}

// ParseProbes decodes and validates probe file content.
func ParseProbes(data []byte, baseDir string, fallbackThreshold float64) (skill.Set, error) {
	var f ProbeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return skill.Set{}, apperrors.Wrap(err, apperrors.ConfigInvalid, "parse probe file")
	}
	return f.build(baseDir, fallbackThreshold)
}

func (f *ProbeFile) build(baseDir string, fallbackThreshold float64) (skill.Set, error) {
	set := skill.Set{Threshold: f.Threshold}
	if set.Threshold == 0 {
		set.Threshold = fallbackThreshold
	}
	if set.Threshold <= 0 || set.Threshold > 1 {
		return skill.Set{}, apperrors.Newf(apperrors.ConfigInvalid, "threshold %v outside (0, 1]", set.Threshold)
	}
	if f.CaptureRegion != nil {
		r, err := rectFrom(*f.CaptureRegion)
		if err != nil {
			return skill.Set{}, apperrors.Wrap(err, apperrors.ConfigInvalid, "capture_region")
		}
		set.CaptureRegion = r
	}
	if f.Pacing != nil {
		pc := f.Pacing
		if pc.Base < 0 || pc.Min < 0 || pc.Max < 0 {
			return skill.Set{}, apperrors.New(apperrors.ConfigInvalid, "pacing: negative delay")
		}
		if pc.Factor < 0 || pc.Factor > 1 {
			return skill.Set{}, apperrors.Newf(apperrors.ConfigInvalid, "pacing: adjustment_factor %v outside [0, 1]", pc.Factor)
		}
		set.Pacing = skill.Pacing{Base: time.Duration(pc.Base), Min: time.Duration(pc.Min), Max: time.Duration(pc.Max), Factor: pc.Factor}
	}
	if len(f.Skills) == 0 {
		return skill.Set{}, apperrors.New(apperrors.ConfigInvalid, "probe file lists no skills")
	}

	seen := make(map[string]struct{}, len(f.Skills))
	for i, e := range f.Skills {
		p, err := e.probe(baseDir, set)
		if err != nil {
			id := e.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			return skill.Set{}, apperrors.Wrapf(err, apperrors.ConfigInvalid, "skill %s", id).WithMetadata("skill", id)
		}
		if _, dup := seen[p.ID]; dup {
			return skill.Set{}, apperrors.Newf(apperrors.ConfigInvalid, "duplicate skill id %q", p.ID).WithMetadata("skill", p.ID)
		}
		seen[p.ID] = struct{}{}
		set.Probes = append(set.Probes, p)
	}
	return set, nil
}

func (e ProbeEntry) probe(baseDir string, set skill.Set) (skill.Probe, error) {
	if e.ID == "" {
		return skill.Probe{}, errors.New("missing id")
	}
	if e.Template == "" {
		return skill.Probe{}, errors.New("missing template")
	}
	rect, err := rectFrom(e.Region)
	if err != nil {
		return skill.Probe{}, fmt.Errorf("region: %w", err)
	}
	if !set.CaptureRegion.Empty() && !rect.In(set.CaptureRegion) {
		return skill.Probe{}, fmt.Errorf("region %v outside capture_region %v", rect, set.CaptureRegion)
	}
	key, err := input.ParseKey(e.Key)
	if err != nil {
		return skill.Probe{}, err
	}
	if e.Threshold < 0 || e.Threshold > 1 {
		return skill.Probe{}, fmt.Errorf("threshold %v outside [0, 1]", e.Threshold)
	}
	if e.Scale < 0 {
		return skill.Probe{}, fmt.Errorf("negative scale %v", e.Scale)
	}
	if e.Cooldown < 0 {
		return skill.Probe{}, fmt.Errorf("negative cooldown")
	}

	template := e.Template
	if !filepath.IsAbs(template) {
		template = filepath.Join(baseDir, template)
	}
	threshold := e.Threshold
	if threshold == 0 {
		threshold = set.Threshold
	}
	return skill.Probe{
		ID:        e.ID,
		Rect:      rect,
		Template:  template,
		Key:       key,
		Priority:  e.Priority,
		Cooldown:  time.Duration(e.Cooldown),
		Enabled:   e.Enabled == nil || *e.Enabled,
		Scale:     e.Scale,
		Threshold: threshold,
	}, nil
}

// LoadProbeSet loads ProbesFile with the process threshold. CAPTURE_REGION
// applies when the file declares no capture_region, and every probe must then
// lie inside it. The file's pacing block is checked against the delay
// settings it overrides.
func (c *Config) LoadProbeSet() (skill.Set, error) {
	set, err := LoadProbes(c.ProbesFile, c.Threshold)
	if err != nil {
		return skill.Set{}, err
	}
	if set.CaptureRegion.Empty() && !c.CaptureRegion.Empty() {
		for _, p := range set.Probes {
			if !p.Rect.In(c.CaptureRegion) {
				return skill.Set{}, apperrors.Newf(apperrors.ConfigInvalid, "skill %s region %v outside CAPTURE_REGION %v", p.ID, p.Rect, c.CaptureRegion).
					WithMetadata("skill", p.ID)
			}
		}
		set.CaptureRegion = c.CaptureRegion
	}
	if _, err := c.PacingFor(set); err != nil {
		return skill.Set{}, err
	}
	return set, nil
}

// Bounds returns the union of the capture region and all probe rectangles,
// for sanity checks.
func Bounds(set skill.Set) image.Rectangle {
	r := set.CaptureRegion
	for _, p := range set.Probes {
		r = r.Union(p.Rect)
	}
	return r
}
