package metrics

import (
	"time"
)

// Session outcomes reported through RecordSession.
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Decode statuses reported through RecordDecode.
const (
	DecodeOK        = "ok"
	DecodeMalformed = "malformed"
)

// MetricsCollector receives measurements from the feed cache, the drain
// scheduler and the stream sessions.
type MetricsCollector interface {
	// Feed cache
	RecordGet(layer string, hit bool, duration time.Duration)
	RecordSet(layer string, success bool, duration time.Duration)
	RecordDelete(layer string, success bool, duration time.Duration)
	RecordInvalidate(prefix string, removed int)

	// Circuit breaker
	RecordCircuitState(name string, state CircuitState)

	// Drain scheduler
	RecordQueueDepth(queue string, depth int)
	RecordEnqueue(queue string)
	RecordPublish(queue string, success bool, duration time.Duration)
	RecordDiscarded(queue string, count int)

	// Stream sessions
	RecordSession(outcome string, received int, duration time.Duration)
	RecordDecode(status string)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards every measurement. It is the default collector.
type NoOpCollector struct{}

func (NoOpCollector) RecordGet(layer string, hit bool, duration time.Duration)           {}
func (NoOpCollector) RecordSet(layer string, success bool, duration time.Duration)       {}
func (NoOpCollector) RecordDelete(layer string, success bool, duration time.Duration)    {}
func (NoOpCollector) RecordInvalidate(prefix string, removed int)                        {}
func (NoOpCollector) RecordCircuitState(name string, state CircuitState)                 {}
func (NoOpCollector) RecordQueueDepth(queue string, depth int)                           {}
func (NoOpCollector) RecordEnqueue(queue string)                                         {}
func (NoOpCollector) RecordPublish(queue string, success bool, duration time.Duration)   {}
func (NoOpCollector) RecordDiscarded(queue string, count int)                            {}
func (NoOpCollector) RecordSession(outcome string, received int, duration time.Duration) {}
func (NoOpCollector) RecordDecode(status string)                                         {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
