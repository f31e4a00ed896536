package matcher

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"math"
	"os"

	"github.com/nfnt/resize"
)

// TemplateSource resolves a template reference to an image.
type TemplateSource interface {
	Load(path string) (image.Image, error)
}

// FileSource decodes templates from disk.
type FileSource struct{}

// Load implements TemplateSource.
func (FileSource) Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// template is a luminance copy of a reference image with precomputed statistics.
type template struct {
	w, h int
	dev  []float64 // pixel minus mean, row-major
	mean float64
	ssd  float64 // sum of squared deviations
}

func (t *template) flat() bool { return t.ssd < flatEpsilon }

func newTemplate(img image.Image, scale float64) (*template, error) {
	if scale > 0 && scale != 1 {
		b := img.Bounds()
		w := uint(math.Round(float64(b.Dx()) * scale))
		h := uint(math.Round(float64(b.Dy()) * scale))
		if w == 0 || h == 0 {
			return nil, fmt.Errorf("scale %.3f collapses %dx%d template", scale, b.Dx(), b.Dy())
		}
		img = resize.Resize(w, h, img, resize.Bilinear)
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty template")
	}
	t := &template{w: b.Dx(), h: b.Dy(), dev: make([]float64, b.Dx()*b.Dy())}
	var sum float64
	for y := 0; y < t.h; y++ {
		for x := 0; x < t.w; x++ {
			v := float64(color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y)
			t.dev[y*t.w+x] = v
			sum += v
		}
	}
	t.mean = sum / float64(len(t.dev))
	for i, v := range t.dev {
		d := v - t.mean
		t.dev[i] = d
		t.ssd += d * d
	}
	return t, nil
}
