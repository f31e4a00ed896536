// Package orchestrator wires the detection engine to its inputs, outputs and
// control surfaces, and supervises the whole process.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Time allowed for the in-flight tick when the process exits
	StopTimeout = 3 * time.Second

	// Debounce for probe file change events
	ReloadDebounce = 250 * time.Millisecond
)
