// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ShutdownGrace is how long background tasks get to finish after the shutdown signal.
	ShutdownGrace = 10 * time.Second

	// CleanupTimeout bounds a single session teardown, including workload release
	// and persistence updates.
	CleanupTimeout = 30 * time.Second

	// LivenessTick is the interval of the stale-session scan.
	LivenessTick = 30 * time.Second

	// IdleTick is the interval of the idle-workload scan.
	IdleTick = 60 * time.Second

	// RPCConnectTimeout bounds dialing a workload's worker.
	RPCConnectTimeout = 5 * time.Second

	// InterruptTimeout bounds the best-effort interrupt call.
	InterruptTimeout = 5 * time.Second
)

// Output batching limits for chat posts.
const (
	BatchInterval = 200 * time.Millisecond
	BatchMaxLines = 80
	// BatchMaxBytes keeps a safety margin under the 16KB post limit.
	BatchMaxBytes = 14 * 1024
)

// Context window accounting.
const (
	ContextWindowTokens  = 200_000
	ContextWarningTokens = 160_000
)
