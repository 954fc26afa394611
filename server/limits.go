package main

// Operational limits — named constants for values that would otherwise be
// scattered across multiple source files.
const (
	// circuitBreakerThreshold is the number of consecutive SendDatagram
	// failures before the per-session circuit breaker opens (~1 s of voice
	// at 50 fps).
	circuitBreakerThreshold uint32 = 50

	// circuitBreakerProbeInterval is the number of skipped sends between
	// probe attempts when the circuit breaker is open.
	circuitBreakerProbeInterval uint32 = 25
)
