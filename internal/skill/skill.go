// Package skill defines the probe and result types shared by the detection engine.
package skill

import (
	"fmt"
	"image"
	"time"
)

// DefaultThreshold is the confidence a match needs when a probe sets none.
const DefaultThreshold = 0.8

// Probe describes one skill to detect: where to look, what to look for,
// and which key to press when it is found. Probes are immutable once loaded.
type Probe struct {
	ID        string
	Rect      image.Rectangle // absolute screen coordinates
	Template  string          // path to the reference image
	Key       int             // virtual key code
	Priority  int
	Cooldown  time.Duration
	Enabled   bool
	Scale     float64 // template scale factor, 0 means unscaled
	Threshold float64 // 0 means the global threshold
}

// ThresholdOr returns the probe override or fallback when none is set.
func (p Probe) ThresholdOr(fallback float64) float64 {
	if p.Threshold > 0 {
		return p.Threshold
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultThreshold
}

func (p Probe) String() string {
	return fmt.Sprintf("%s%v", p.ID, p.Rect)
}

// Result is the outcome of one matcher evaluation.
type Result struct {
	SkillID    string
	Confidence float64
	Decision   bool
	Key        int // zero unless Decision
}

// Miss returns a failed result for a probe.
func Miss(id string) Result {
	return Result{SkillID: id}
}

// Decide reports whether confidence meets threshold. Equality passes.
func Decide(confidence, threshold float64) bool {
	return confidence >= threshold
}

// Set is one configuration snapshot of probes plus global matching parameters.
type Set struct {
	Probes        []Probe
	CaptureRegion image.Rectangle // empty means capture each probe rectangle separately
	Threshold     float64
	Pacing        Pacing
}

// Pacing overrides the process delay settings while a set is active. Zero
// fields keep the process values.
type Pacing struct {
	Base, Min, Max time.Duration
	Factor         float64
}

// Enabled returns the probes that are switched on, in declaration order.
func (s Set) Enabled() []Probe {
	out := make([]Probe, 0, len(s.Probes))
	for _, p := range s.Probes {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// CaptureRect is the screen region captured for a probe.
func (s Set) CaptureRect(p Probe) image.Rectangle {
	if s.CaptureRegion.Empty() {
		return p.Rect
	}
	return s.CaptureRegion
}

// RegionKey identifies a captured region in the image cache.
func RegionKey(r image.Rectangle) string {
	return fmt.Sprintf("%d,%d,%d,%d", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
}
