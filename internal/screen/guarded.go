package screen

import (
	"context"
	"image"
	"log/slog"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/resilience"
)

// Guarded fails fast while the capture device keeps failing. Invalid regions
// are caller errors and never trip the breaker.
type Guarded struct {
	next    Capturer
	breaker *resilience.Breaker
}

// NewGuarded wraps next with a circuit breaker.
func NewGuarded(next Capturer, cfg resilience.Config) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "capture"
	}
	b := resilience.New(cfg).WithHook(func(from, to resilience.State) {
		slog.Warn("capture breaker transition", "from", from, "to", to)
	})
	return &Guarded{next: next, breaker: b}
}

// Breaker exposes the underlying breaker for status reporting.
func (g *Guarded) Breaker() *resilience.Breaker { return g.breaker }

// Capture implements Capturer.
func (g *Guarded) Capture(ctx context.Context, region image.Rectangle) (*image.RGBA, error) {
	img, err := resilience.ExecuteFiltered(g.breaker, deviceFailure, func() (*image.RGBA, error) {
		return g.next.Capture(ctx, region)
	})
	if err == resilience.ErrOpen {
		return nil, apperrors.Wrap(err, apperrors.CaptureDeviceUnavailable, "capture suspended")
	}
	return img, err
}

func deviceFailure(err error) bool {
	return apperrors.IsCode(err, apperrors.CaptureDeviceUnavailable)
}
