// Package pacing computes the pause between detection ticks from recent latency statistics.
package pacing

import "time"

// Delay controller defaults
const (
	DefaultBase = 100 * time.Millisecond
	DefaultMin  = 10 * time.Millisecond
	DefaultMax  = 500 * time.Millisecond

	// Latency window capacity and the short window used for stability
	DefaultHistorySize = 50
	DelayHistorySize   = 20
	ShortWindow        = 5
	TrendWindow        = 3

	DefaultAdjustmentFactor   = 0.5
	DefaultStabilityThreshold = 100 * time.Millisecond
	DefaultTrendWeight        = 0.3

	// Multipliers applied to the mean when the system is stable or not
	StableScale   = 0.8
	UnstableScale = 1.2

	// Hint blending weights
	HintWeight    = 0.7
	HistoryWeight = 0.3

	// Slope (seconds per sample) is scaled by this before clamping to [-1, 1]
	TrendGain = 10

	MinAdjustmentFactor = 0.1
	MaxAdjustmentFactor = 1.0
)
