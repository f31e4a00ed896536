// Package cache provides a generic TTL cache with access-count eviction and adaptive tuning.
package cache

import "time"

// Image cache defaults
const (
	ImageCapacity    = 20
	ImageMinCapacity = 5
	ImageMaxCapacity = 50
	ImageTTL         = 50 * time.Millisecond
	ImageMinTTL      = 50 * time.Millisecond
	ImageMaxTTL      = 500 * time.Millisecond
)

// Result cache defaults
const (
	ResultCapacity = 64
	ResultTTL      = 50 * time.Millisecond
)

// Adaptive tuning
const (
	DefaultTargetHitRate  = 0.8
	HighHitRateMargin     = 0.1
	DefaultHitWindow      = 20
	DefaultAdjustInterval = 30 * time.Second
	DefaultSweepInterval  = 10 * time.Second

	GrowFactor   = 1.1
	ShrinkFactor = 0.9
)
