package daemon

import (
	"sync"
	"time"
)

// DefaultCircuitBreakerThreshold is the number of consecutive failed cycles
// before wake-ups are skipped.
const DefaultCircuitBreakerThreshold = 3

// DefaultCircuitBreakerCooldown is how long wake-ups are skipped once the
// circuit opens.
const DefaultCircuitBreakerCooldown = 30 * time.Minute

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every wake-up through.
	CircuitClosed CircuitState = iota
	// CircuitOpen skips wake-ups until the cooldown expires.
	CircuitOpen
	// CircuitHalfOpen lets one probe cycle through.
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

// CircuitBreaker stops a daemon from hammering an unreachable server.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	cooldown     time.Duration
	failureCount int
	state        CircuitState
	openedAt     time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker. Non-positive values fall back
// to the defaults.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultCircuitBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCircuitBreakerCooldown
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
		now:       time.Now,
	}
}

// Allow reports whether the next cycle should run.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expire()
	return cb.state != CircuitOpen
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed cycle. A failed probe reopens the circuit at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expire()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// expire moves an open circuit to half-open once the cooldown has passed.
// Callers hold mu.
func (cb *CircuitBreaker) expire() {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
	}
}
