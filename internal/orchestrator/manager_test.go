package orchestrator

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GriffinCanCode/skillloop/internal/config"
	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/input"
	"github.com/GriffinCanCode/skillloop/internal/rotation"
	"github.com/GriffinCanCode/skillloop/internal/screen"
)

// screenWithIcon returns a mid-grey screen with a textured 20x20 icon at (10,10).
func screenWithIcon() (*image.RGBA, *image.RGBA) {
	scr := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			scr.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	icon := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			v := uint8((x*37 + y*91) % 256)
			icon.Set(x, y, color.RGBA{v, 255 - v, v / 2, 255})
			scr.Set(10+x, 10+y, icon.At(x, y))
		}
	}
	return scr, icon
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func probeYAML(id, key string) string {
	return fmt.Sprintf(`threshold: 0.9
skills:
  - id: %s
    region: [10, 10, 30, 30]
    template: icon.png
    key: %s
    cooldown: 10s
`, id, key)
}

func testConfig(t *testing.T, probes string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	_, icon := screenWithIcon()
	writePNG(t, filepath.Join(dir, "icon.png"), icon)

	cfg := config.Load()
	cfg.ProbesFile = filepath.Join(dir, "probes.yaml")
	cfg.HTTPAddr, cfg.GRPCAddr = "", ""
	cfg.WatchProbes = false
	cfg.KeyBackend = input.BackendDryRun
	if probes != "" {
		if err := os.WriteFile(cfg.ProbesFile, []byte(probes), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *input.Recorder) {
	t.Helper()
	scr, _ := screenWithIcon()
	rec := &input.Recorder{}
	m, err := New(cfg, WithCapturer(screen.NewStatic(scr)), WithPresser(rec))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, rec
}

func TestNewMissingProbeFile(t *testing.T) {
	cfg := testConfig(t, "")
	if _, err := New(cfg); !apperrors.IsCode(err, apperrors.ConfigMissing) {
		t.Errorf("New() error = %v, want ConfigMissing", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, probeYAML("a", "Q"))
	cfg.Threshold = 0
	if _, err := New(cfg); !apperrors.IsCode(err, apperrors.ConfigInvalid) {
		t.Errorf("New() error = %v, want ConfigInvalid", err)
	}
}

func TestCaptureRegionFromEnv(t *testing.T) {
	cfg := testConfig(t, probeYAML("a", "Q"))
	cfg.CaptureRegion = image.Rect(0, 0, 100, 50)
	m, _ := newTestManager(t, cfg)
	if set, _ := m.Coordinator().Probes(); set.CaptureRegion != cfg.CaptureRegion {
		t.Errorf("CaptureRegion = %v, want %v", set.CaptureRegion, cfg.CaptureRegion)
	}

	cfg.CaptureRegion = image.Rect(0, 0, 20, 20)
	if _, err := New(cfg, WithCapturer(screen.NewStatic(image.NewRGBA(image.Rect(0, 0, 1, 1))))); !apperrors.IsCode(err, apperrors.ConfigInvalid) {
		t.Errorf("New() with probe outside CAPTURE_REGION error = %v, want ConfigInvalid", err)
	}
}

func TestReload(t *testing.T) {
	cfg := testConfig(t, probeYAML("a", "Q"))
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	if err := os.WriteFile(cfg.ProbesFile, []byte(probeYAML("b", "E")), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := m.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	set, version := m.Coordinator().Probes()
	if version != v || set.Probes[0].ID != "b" {
		t.Errorf("after reload: version %d (returned %d), probe %q; want b", version, v, set.Probes[0].ID)
	}

	if err := os.WriteFile(cfg.ProbesFile, []byte("skills: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); !apperrors.IsCode(err, apperrors.ConfigInvalid) {
		t.Errorf("Reload() of broken file error = %v, want ConfigInvalid", err)
	}
	if set, version := m.Coordinator().Probes(); version != v || set.Probes[0].ID != "b" {
		t.Errorf("broken reload replaced the set: version %d probe %q", version, set.Probes[0].ID)
	}
}

func TestRunAutoStartPressesAndStops(t *testing.T) {
	cfg := testConfig(t, probeYAML("icon", "Q"))
	cfg.AutoStart = true
	m, rec := newTestManager(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(rec.Pressed()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no key pressed; status %+v", m.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := rec.Pressed()[0]; got != 'Q' {
		t.Errorf("pressed %#x, want Q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(StopTimeout + time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s := m.Status().State; s != rotation.Stopped {
		t.Errorf("state after Run = %v, want stopped", s)
	}
	// cooldown of 10s allows a single press
	if n := len(rec.Pressed()); n != 1 {
		t.Errorf("presses = %d, want 1", n)
	}
}

func TestReloadRetunesPacing(t *testing.T) {
	cfg := testConfig(t, probeYAML("a", "Q"))
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.pacer.Wait(ctx, time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if n := m.pacer.Stats().Samples; n != 3 {
		t.Fatalf("samples before reload = %d, want 3", n)
	}

	paced := "pacing:\n  base: 40ms\n  min: 30ms\n  max: 60ms\n  adjustment_factor: 0.4\n" + probeYAML("a", "Q")
	if err := os.WriteFile(cfg.ProbesFile, []byte(paced), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	st := m.pacer.Stats()
	if st.Samples != 0 {
		t.Errorf("samples after reload = %d, want 0", st.Samples)
	}
	if st.Config.Base != 40*time.Millisecond || st.Config.Min != 30*time.Millisecond || st.Config.Max != 60*time.Millisecond {
		t.Errorf("pacing after reload = %v/%v/%v, want 40ms/30ms/60ms", st.Config.Base, st.Config.Min, st.Config.Max)
	}
	if st.Config.AdjustmentFactor != 0.4 {
		t.Errorf("AdjustmentFactor = %v, want 0.4", st.Config.AdjustmentFactor)
	}
	if d := m.pacer.Next(0); d != 40*time.Millisecond {
		t.Errorf("Next() after reload = %v, want 40ms", d)
	}

	// base outside the merged bounds is rejected and pacing is kept
	bad := "pacing:\n  base: 5s\n" + probeYAML("a", "Q")
	if err := os.WriteFile(cfg.ProbesFile, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); !apperrors.IsCode(err, apperrors.ConfigInvalid) {
		t.Errorf("Reload() with bad pacing error = %v, want ConfigInvalid", err)
	}
	if got := m.pacer.Stats().Config.Base; got != 40*time.Millisecond {
		t.Errorf("Base after rejected reload = %v, want 40ms", got)
	}

	// dropping the block restores the environment settings
	if err := os.WriteFile(cfg.ProbesFile, []byte(probeYAML("a", "Q")), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if st := m.pacer.Stats(); st.Config.Base != cfg.BaseDelay || st.Config.Max != cfg.MaxDelay {
		t.Errorf("pacing after block removed = %v/%v, want %v/%v", st.Config.Base, st.Config.Max, cfg.BaseDelay, cfg.MaxDelay)
	}
}
