// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between process boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreCall caps the time allowed for a single backing-store round trip
// issued by a background task.
const StoreCall = 3 * time.Second
