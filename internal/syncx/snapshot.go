// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// Versioned holds a value that readers take as an immutable snapshot.
// Every replacement bumps the version so callers can tell snapshots apart.
type Versioned[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
}

// NewVersioned creates a holder at version 1.
func NewVersioned[T any](initial T) *Versioned[T] {
	return &Versioned[T]{value: initial, version: 1}
}

// Load returns the current value and its version.
func (v *Versioned[T]) Load() (T, uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value, v.version
}

// Store replaces the value and returns the new version.
func (v *Versioned[T]) Store(val T) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = val
	v.version++
	return v.version
}
