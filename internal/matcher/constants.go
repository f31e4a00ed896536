// Package matcher scores screen regions against skill templates with normalized cross-correlation.
package matcher

// Matcher constants
const (
	// Flat template and flat window match when their means differ by at most one grey level.
	FlatMeanTolerance = 1.0

	// Variance below this is treated as a flat (constant) patch.
	flatEpsilon = 1e-9

	// Hamming distance under which a difference hash counts as unchanged.
	DefaultMaxHashDistance = 0
)
