package screen

import (
	"context"
	"image"

	"github.com/kbinani/screenshot"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Display captures from the attached monitors.
type Display struct{}

// NewDisplay returns a display capturer.
func NewDisplay() *Display { return &Display{} }

// Bounds returns the union of all active display bounds.
func (Display) Bounds() image.Rectangle {
	var union image.Rectangle
	for i := 0; i < screenshot.NumActiveDisplays(); i++ {
		union = union.Union(screenshot.GetDisplayBounds(i))
	}
	return union
}

// Capture implements Capturer.
func (d Display) Capture(ctx context.Context, region image.Rectangle) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Cancelled, "capture cancelled")
	}
	if region.Empty() {
		return nil, apperrors.Newf(apperrors.CaptureInvalidRegion, "empty region %v", region)
	}
	if screenshot.NumActiveDisplays() == 0 {
		return nil, apperrors.New(apperrors.CaptureDeviceUnavailable, "no active display")
	}
	if bounds := d.Bounds(); !region.In(bounds) {
		return nil, invalidRegion(region, bounds)
	}

	img, err := screenshot.CaptureRect(region)
	if err != nil {
		trace.Logger(ctx).Debug("display capture failed", "region", region, "error", err)
		return nil, apperrors.Wrap(err, apperrors.CaptureDeviceUnavailable, "display capture failed")
	}
	return rebase(img, region.Min), nil
}
