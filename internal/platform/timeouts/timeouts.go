// Package timeouts defines shared timeout constants used across the engine.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 10 * time.Second

// LockAcquire caps the wait for a contended party lock before the operation
// reports busy.
const LockAcquire = 2 * time.Second

// SweepBatch boxes a single expiration sweep pass.
const SweepBatch = 10 * time.Second
