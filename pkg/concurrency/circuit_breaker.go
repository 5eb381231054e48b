package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed indicates submissions flow normally
	StateClosed CircuitBreakerState = 0

	// StateOpen indicates the scheduler keeps rejecting and admissions should pause
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen indicates a probe submission is allowed
	StateHalfOpen CircuitBreakerState = 2
)

// CircuitBreaker tracks consecutive submission rejections. Once the
// threshold is reached it opens for resetTimeout, after which a single
// successful submission closes it again.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int64
	failureThreshold    int64
	resetTimeout        time.Duration
	openedAt            time.Time
	now                 func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the specified threshold and timeout
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// IsOpen returns true while admissions should pause. An open breaker whose
// reset timeout has elapsed moves to half-open and reports false.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.Remaining() > 0
}

// Remaining returns how long the breaker stays open; zero when closed or
// half-open.
func (cb *CircuitBreaker) Remaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	left := cb.resetTimeout - cb.now().Sub(cb.openedAt)
	if left <= 0 {
		cb.state = StateHalfOpen
		return 0
	}
	return left
}

// RecordSuccess records an accepted submission
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.state = StateClosed
}

// RecordFailure records a rejected submission
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	switch cb.state {
	case StateHalfOpen:
		// The probe failed; reopen
		cb.open()
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.open()
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.openedAt = time.Time{}
}

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
