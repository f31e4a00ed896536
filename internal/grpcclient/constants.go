// Package grpcclient is the client for the skillloop Control service.
package grpcclient

import "time"

// Client configuration defaults
const (
	// Keepalive configuration
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	// Per-call deadline applied when the caller sets none
	DefaultCallTimeout = 5 * time.Second

	// Health check configuration
	HealthCheckTimeout = 2 * time.Second

	// Retries for transient transport failures
	DefaultMaxRetries = 2
	DefaultRetryDelay = 200 * time.Millisecond
)
