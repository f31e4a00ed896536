// Package server exposes the rotation controller over HTTP and WebSocket.
package server

import "time"

// Server configuration constants
const (
	// Per-connection command rate limiting (sliding window)
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Event fan-out
	WriteTimeout     = 2 * time.Second
	ClientSendBuffer = 32 // events queued per client before it is dropped

	// HTTP server timeouts
	ReadHeaderTimeout = 5 * time.Second
	ShutdownTimeout   = 5 * time.Second
)
