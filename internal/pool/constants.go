// Package pool runs blocking work on a self-resizing set of workers and hands back futures.
package pool

import "time"

// Worker pool defaults
const (
	DefaultMinWorkers = 2
	MaxWorkersCap     = 16
	DefaultQueueSize  = 256

	// Grow when tasks wait long but run quickly.
	DefaultWaitThreshold = 50 * time.Millisecond
	DefaultExecThreshold = 30 * time.Millisecond

	// Shrink when tasks barely wait and workers are mostly idle.
	DefaultIdleWaitThreshold = 5 * time.Millisecond
	DefaultLowUtilization    = 0.3

	DefaultEvaluateInterval = 5 * time.Second
	DefaultResizeInterval   = 30 * time.Second
)
