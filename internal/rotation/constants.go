// Package rotation drives the detect-and-press loop.
package rotation

import "time"

// Coordinator defaults
const (
	// Outstanding evaluations not resolved within this bound count as misses.
	DefaultTickTimeout = 200 * time.Millisecond

	// Events are dropped, not queued, once the buffer is full.
	DefaultEventBuffer = 64
)
