// Package circuitbreaker guards each backend service with a three-state
// breaker. Failures in CLOSED accumulate until the threshold trips the
// breaker OPEN; after the cool-off the next call probes in HALF_OPEN,
// and enough probe successes close it again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/microgate/gateway/internal/config"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is the per-service state machine. All methods are safe for
// concurrent use.
type Breaker struct {
	mu sync.Mutex

	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	openedAt         time.Time

	failureThreshold int
	timeout          time.Duration
	halfOpenMaxCalls int

	now func() time.Time
}

// NewBreaker creates a breaker in the CLOSED state.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		timeout:          cfg.Timeout(),
		halfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. An OPEN breaker whose
// cool-off has elapsed moves to HALF_OPEN and admits the call as a
// probe; HALF_OPEN admits at most halfOpenMaxCalls concurrent probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			b.halfOpenInFlight = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInFlight < b.halfOpenMaxCalls {
			b.halfOpenInFlight++
			return true
		}
		return false
	}
	return false
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successCount++
		if b.successCount >= b.halfOpenMaxCalls {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenInFlight = 0
		}
	}
}

// OnFailure records a failed call. A failure in HALF_OPEN reopens the
// breaker and restarts the cool-off.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.successCount = 0
		b.halfOpenInFlight = 0
	}
}

// Reset forces the breaker CLOSED and clears every counter, as if it
// had just been created.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	b.openedAt = time.Time{}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports the breaker's counters for introspection.
type Snapshot struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
	SuccessCount int    `json:"success_count"`
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
}
