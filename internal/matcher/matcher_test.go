package matcher

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand/v2"
	"sync"
	"testing"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/skill"
)

type mapSource struct {
	mu     sync.Mutex
	images map[string]image.Image
	loads  map[string]int
}

func newMapSource() *mapSource {
	return &mapSource{images: make(map[string]image.Image), loads: make(map[string]int)}
}

func (s *mapSource) Load(path string) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[path]++
	img, ok := s.images[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return img, nil
}

func noise(seed uint64, w, h int) *image.RGBA {
	r := rand.New(rand.NewPCG(seed, seed+1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(r.IntN(256))
		img.Pix[i+1] = uint8(r.IntN(256))
		img.Pix[i+2] = uint8(r.IntN(256))
		img.Pix[i+3] = 255
	}
	return img
}

func fill(rect image.Rectangle, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(rect)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// screen returns a noisy capture of region with tmpl pasted at (at.X, at.Y).
func screen(region image.Rectangle, tmpl *image.RGBA, at image.Point) *image.RGBA {
	img := noise(99, region.Dx(), region.Dy())
	img.Rect = region
	b := tmpl.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			img.Set(at.X+x, at.Y+y, tmpl.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return img
}

func TestEvaluateFindsTemplate(t *testing.T) {
	src := newMapSource()
	tmpl := noise(1, 12, 12)
	src.images["fire.png"] = tmpl

	region := image.Rect(100, 200, 160, 260)
	img := screen(region, tmpl, image.Pt(117, 213))
	m := New(Config{}, src)

	p := skill.Probe{ID: "fire", Rect: image.Rect(110, 205, 140, 235), Template: "fire.png", Key: 0x31}
	res := m.Evaluate(context.Background(), img, p)

	if res.Confidence < 0.999 {
		t.Errorf("Confidence = %v, want ~1", res.Confidence)
	}
	if !res.Decision || res.Key != 0x31 {
		t.Errorf("Decision, Key = %v, %#x, want true, 0x31", res.Decision, res.Key)
	}
	if res.SkillID != "fire" {
		t.Errorf("SkillID = %q, want fire", res.SkillID)
	}
}

func TestEvaluateRejectsUnrelatedImage(t *testing.T) {
	src := newMapSource()
	src.images["t"] = noise(1, 10, 10)
	m := New(Config{}, src)

	img := noise(2, 40, 40)
	res := m.Evaluate(context.Background(), img, skill.Probe{ID: "a", Rect: image.Rect(0, 0, 40, 40), Template: "t", Key: 1})

	if res.Decision || res.Key != 0 {
		t.Errorf("Decision, Key = %v, %d, want false, 0 (confidence %v)", res.Decision, res.Key, res.Confidence)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		t.Errorf("Confidence = %v outside [0, 1]", res.Confidence)
	}
}

func TestEvaluateInvertedClampsToZero(t *testing.T) {
	src := newMapSource()
	tmpl := noise(3, 8, 8)
	inv := image.NewRGBA(tmpl.Rect)
	for i := range tmpl.Pix {
		inv.Pix[i] = 255 - tmpl.Pix[i]
		if i%4 == 3 {
			inv.Pix[i] = 255
		}
	}
	src.images["t"] = tmpl
	m := New(Config{}, src)

	res := m.Evaluate(context.Background(), inv, skill.Probe{ID: "a", Rect: inv.Rect, Template: "t"})
	if res.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", res.Confidence)
	}
}

func TestEvaluateFailsFast(t *testing.T) {
	src := newMapSource()
	src.images["big"] = noise(1, 20, 20)
	src.images["small"] = noise(1, 4, 4)
	img := noise(5, 30, 30)
	m := New(Config{}, src)

	tests := []struct {
		name  string
		probe skill.Probe
	}{
		{"outside", skill.Probe{ID: "a", Rect: image.Rect(20, 20, 40, 40), Template: "small"}},
		{"empty rect", skill.Probe{ID: "b", Rect: image.Rectangle{}, Template: "small"}},
		{"template larger", skill.Probe{ID: "c", Rect: image.Rect(0, 0, 10, 10), Template: "big"}},
		{"missing template", skill.Probe{ID: "d", Rect: image.Rect(0, 0, 10, 10), Template: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Evaluate(context.Background(), img, tt.probe)
			if res.Confidence != 0 || res.Decision {
				t.Errorf("Evaluate = %+v, want zero-confidence miss", res)
			}
		})
	}

	if res := m.Evaluate(context.Background(), nil, skill.Probe{ID: "e", Rect: image.Rect(0, 0, 1, 1)}); res.Decision {
		t.Error("nil image should miss")
	}
}

func TestTemplateLoadedOnce(t *testing.T) {
	src := newMapSource()
	src.images["t"] = noise(1, 6, 6)
	m := New(Config{}, src)
	img := noise(2, 20, 20)
	p := skill.Probe{ID: "a", Rect: img.Rect, Template: "t"}

	for i := 0; i < 5; i++ {
		m.Evaluate(context.Background(), img, p)
	}
	if src.loads["t"] != 1 {
		t.Errorf("loads = %d, want 1", src.loads["t"])
	}
	if st := m.Stats(); st.Templates != 1 || st.Evaluations != 5 {
		t.Errorf("Stats = %+v, want 1 template, 5 evaluations", st)
	}
}

func TestTemplateFailureIsPermanent(t *testing.T) {
	src := newMapSource()
	m := New(Config{}, src)
	img := noise(2, 20, 20)
	p := skill.Probe{ID: "a", Rect: img.Rect, Template: "missing.png"}

	for i := 0; i < 3; i++ {
		m.Evaluate(context.Background(), img, p)
	}
	// the file appearing later does not revive the skill
	src.images["missing.png"] = noise(1, 4, 4)
	res := m.Evaluate(context.Background(), img, p)

	if src.loads["missing.png"] != 1 {
		t.Errorf("loads = %d, want 1", src.loads["missing.png"])
	}
	if res.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", res.Confidence)
	}
	if st := m.Stats(); st.TemplateFailures != 1 {
		t.Errorf("TemplateFailures = %d, want 1", st.TemplateFailures)
	}
	err := m.TemplateErr("a")
	if !apperrors.IsCode(err, apperrors.TemplateLoadFailed) {
		t.Errorf("TemplateErr() = %v, want code %v", err, apperrors.TemplateLoadFailed)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Metadata["skill"] != "a" {
		t.Errorf("TemplateErr() metadata = %v, want skill=a", appErr.Metadata)
	}
}

func TestTemplateReloadedWhenPathChanges(t *testing.T) {
	src := newMapSource()
	src.images["v2.png"] = noise(1, 4, 4)
	m := New(Config{}, src)
	img := noise(2, 20, 20)

	m.Evaluate(context.Background(), img, skill.Probe{ID: "a", Rect: img.Rect, Template: "v1.png"})
	m.Evaluate(context.Background(), img, skill.Probe{ID: "a", Rect: img.Rect, Template: "v2.png"})

	if st := m.Stats(); st.TemplateFailures != 0 || st.Templates != 1 {
		t.Errorf("Stats = %+v, want the new template loaded", st)
	}
}

func TestFlatPatches(t *testing.T) {
	grey := color.RGBA{128, 128, 128, 255}
	src := newMapSource()
	src.images["grey"] = fill(image.Rect(0, 0, 4, 4), grey)
	m := New(Config{}, src)

	same := fill(image.Rect(0, 0, 8, 8), grey)
	if res := m.Evaluate(context.Background(), same, skill.Probe{ID: "a", Rect: same.Rect, Template: "grey"}); res.Confidence != 1 {
		t.Errorf("flat vs same flat = %v, want 1", res.Confidence)
	}

	dark := fill(image.Rect(0, 0, 8, 8), color.RGBA{10, 10, 10, 255})
	if res := m.Evaluate(context.Background(), dark, skill.Probe{ID: "a", Rect: dark.Rect, Template: "grey"}); res.Confidence != 0 {
		t.Errorf("flat vs different flat = %v, want 0", res.Confidence)
	}

	textured := noise(7, 8, 8)
	if res := m.Evaluate(context.Background(), textured, skill.Probe{ID: "a", Rect: textured.Rect, Template: "grey"}); res.Confidence != 0 {
		t.Errorf("flat template vs texture = %v, want 0", res.Confidence)
	}
}

func TestThresholdOverride(t *testing.T) {
	src := newMapSource()
	tmpl := noise(1, 6, 6)
	src.images["t"] = tmpl
	m := New(Config{Threshold: 0.5}, src)

	img := noise(4, 20, 20)
	low := m.Evaluate(context.Background(), img, skill.Probe{ID: "a", Rect: img.Rect, Template: "t", Threshold: 1.01, Key: 1})
	if low.Decision {
		t.Error("threshold above 1 should never pass")
	}
	zero := m.Evaluate(context.Background(), img, skill.Probe{ID: "a", Rect: img.Rect, Template: "t", Key: 1})
	if zero.Decision != (zero.Confidence >= 0.5) {
		t.Errorf("Decision = %v for confidence %v at threshold 0.5", zero.Decision, zero.Confidence)
	}
}

func TestHashGateReusesConfidence(t *testing.T) {
	src := newMapSource()
	tmpl := noise(1, 8, 8)
	src.images["t"] = tmpl
	m := New(Config{HashGate: true}, src)

	region := image.Rect(0, 0, 24, 24)
	img := screen(region, tmpl, image.Pt(4, 4))
	p := skill.Probe{ID: "a", Rect: region, Template: "t", Key: 2}

	first := m.Evaluate(context.Background(), img, p)
	second := m.Evaluate(context.Background(), img, p)

	if first.Confidence != second.Confidence || !second.Decision {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
	st := m.Stats()
	if st.Correlations != 1 || st.GateReuses != 1 {
		t.Errorf("Correlations, GateReuses = %d, %d, want 1, 1", st.Correlations, st.GateReuses)
	}
}

func TestTemplateScale(t *testing.T) {
	src := newMapSource()
	src.images["t"] = noise(1, 16, 16)
	m := New(Config{}, src)

	e := m.template(context.Background(), skill.Probe{ID: "a", Template: "t", Scale: 0.5})
	if e.err != nil {
		t.Fatalf("template error = %v", e.err)
	}
	if e.tmpl.w != 8 || e.tmpl.h != 8 {
		t.Errorf("scaled size = %dx%d, want 8x8", e.tmpl.w, e.tmpl.h)
	}
}

func TestForget(t *testing.T) {
	src := newMapSource()
	src.images["t"] = noise(1, 4, 4)
	m := New(Config{}, src)
	img := noise(2, 10, 10)
	m.Evaluate(context.Background(), img, skill.Probe{ID: "a", Rect: img.Rect, Template: "t"})
	m.Evaluate(context.Background(), img, skill.Probe{ID: "b", Rect: img.Rect, Template: "t"})

	m.Forget([]skill.Probe{{ID: "b"}})

	if st := m.Stats(); st.Templates != 1 {
		t.Errorf("Templates = %d, want 1", st.Templates)
	}
}

func TestConcurrentEvaluate(t *testing.T) {
	src := newMapSource()
	tmpl := noise(1, 8, 8)
	src.images["t"] = tmpl
	m := New(Config{HashGate: true}, src)
	region := image.Rect(0, 0, 32, 32)
	img := screen(region, tmpl, image.Pt(10, 10))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := m.Evaluate(context.Background(), img, skill.Probe{ID: "a", Rect: region, Template: "t", Key: 1})
			if !res.Decision {
				t.Errorf("Decision = false, confidence %v", res.Confidence)
			}
		}()
	}
	wg.Wait()

	if src.loads["t"] != 1 {
		t.Errorf("loads = %d, want 1", src.loads["t"])
	}
}
