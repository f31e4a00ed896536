package screen

import (
	"context"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"os"
	"sync/atomic"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
)

// Static replays a fixed image as the screen. Used by `check` and tests.
type Static struct {
	img      *image.RGBA
	captures atomic.Uint64
}

// NewStatic serves img as the whole screen. Its bounds are the screen bounds.
func NewStatic(img image.Image) *Static {
	return &Static{img: toRGBA(img)}
}

// LoadStatic decodes a PNG or JPEG screenshot from path.
func LoadStatic(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CaptureDeviceUnavailable, "open %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CaptureDeviceUnavailable, "decode %s", path)
	}
	return NewStatic(img), nil
}

// Bounds returns the replayed image bounds.
func (s *Static) Bounds() image.Rectangle { return s.img.Bounds() }

// Captures returns how many captures succeeded.
func (s *Static) Captures() uint64 { return s.captures.Load() }

// Capture implements Capturer. The result is a copy; callers may keep it.
func (s *Static) Capture(ctx context.Context, region image.Rectangle) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Cancelled, "capture cancelled")
	}
	if region.Empty() || !region.In(s.img.Bounds()) {
		return nil, invalidRegion(region, s.img.Bounds())
	}

	out := image.NewRGBA(region)
	for y := region.Min.Y; y < region.Max.Y; y++ {
		src := s.img.PixOffset(region.Min.X, y)
		dst := out.PixOffset(region.Min.X, y)
		copy(out.Pix[dst:dst+region.Dx()*4], s.img.Pix[src:src+region.Dx()*4])
	}
	s.captures.Add(1)
	return out, nil
}
