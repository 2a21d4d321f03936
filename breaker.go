package tilth

import (
	"sync"
	"time"
)

// CircuitState is the three-state condition of the circuit breaker.
type CircuitState string

const (
	// CircuitClosed is normal operation
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects work without executing it
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen admits a limited number of probes to test recovery
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is a sustained-failure detector: consecutive failures while
// closed trip it open, a timeout moves it half-open, and consecutive
// successes while half-open close it again. Any half-open failure reopens it
// with a reset timer. One instance exists per run and it is owned exclusively
// by the error policy engine.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenInFlight     int
	now                  func() time.Time
}

// NewCircuitBreaker creates a closed breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Allow reports whether work may execute right now. An open breaker whose
// timeout has elapsed transitions to half-open; half-open admits at most
// HalfOpenRequests probes at a time.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.config.Timeout.Std() {
			b.state = CircuitHalfOpen
			b.consecutiveSuccesses = 0
			b.halfOpenInFlight = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenRequests {
			b.halfOpenInFlight++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful execution. A single success while
// closed resets the consecutive-failure counter; enough successes while
// half-open close the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.consecutiveFailures = 0
	case CircuitHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.state = CircuitClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
			b.halfOpenInFlight = 0
		}
	}
}

// RecordFailure records a failed execution. Enough consecutive failures
// while closed open the circuit; any failure while half-open reopens it
// with a fresh timer.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.open()
		}
	case CircuitHalfOpen:
		b.open()
	}
}

// open transitions to the open state with a fresh timer. Caller holds the
// mutex.
func (b *CircuitBreaker) open() {
	b.state = CircuitOpen
	b.openedAt = b.now()
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
}

// State returns the breaker's current state without side effects.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSnapshot is the serializable form of the breaker's mutable state,
// persisted in checkpoints.
type BreakerSnapshot struct {
	State                CircuitState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	OpenedAt             time.Time    `json:"opened_at,omitzero"`
}

// Snapshot captures the breaker state for checkpointing.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}

// Restore rehydrates the breaker from a checkpoint snapshot.
func (b *CircuitBreaker) Restore(snapshot BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if snapshot.State == "" {
		return
	}
	b.state = snapshot.State
	b.consecutiveFailures = snapshot.ConsecutiveFailures
	b.consecutiveSuccesses = snapshot.ConsecutiveSuccesses
	b.openedAt = snapshot.OpenedAt
	b.halfOpenInFlight = 0
}
