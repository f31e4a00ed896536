// Package screen provides region capture from the display or a static image.
package screen

import (
	"context"
	"image"
	"image/draw"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
)

// Capturer captures a screen region. The returned image's bounds equal the
// requested region, so probe rectangles index it in absolute coordinates.
type Capturer interface {
	Capture(ctx context.Context, region image.Rectangle) (*image.RGBA, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, region image.Rectangle) (*image.RGBA, error)

// Capture implements Capturer.
func (f CapturerFunc) Capture(ctx context.Context, region image.Rectangle) (*image.RGBA, error) {
	return f(ctx, region)
}

func invalidRegion(region, bounds image.Rectangle) error {
	return apperrors.Newf(apperrors.CaptureInvalidRegion, "region %v outside %v", region, bounds)
}

// rebase moves img so its bounds start at origin. Pixels are not copied.
func rebase(img *image.RGBA, origin image.Point) *image.RGBA {
	out := *img
	out.Rect = img.Rect.Sub(img.Rect.Min).Add(origin)
	return &out
}

// toRGBA copies any image into an RGBA with the same bounds.
func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst
}
