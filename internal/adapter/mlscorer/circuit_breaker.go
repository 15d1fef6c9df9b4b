package mlscorer

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen short-circuits calls to an absent score.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through after the recovery window.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker trips after N consecutive failures and probes recovery
// after the configured timeout.
type CircuitBreaker struct {
	mu               sync.Mutex
	log              *slog.Logger
	failureThreshold int
	recoveryTimeout  time.Duration
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time

	now func() time.Time // stubbed in tests
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(log *slog.Logger, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 10 * time.Second
	}
	return &CircuitBreaker{
		log:              log,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            CircuitClosed,
		now:              time.Now,
	}
}

// ShouldAttempt reports whether a call may go out. An open breaker past its
// recovery window moves to half-open and admits one probe.
func (cb *CircuitBreaker) ShouldAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.log.Info("scorer circuit half-open, probing")
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state != CircuitClosed {
		cb.state = CircuitClosed
		cb.log.Info("scorer circuit closed after successful probe")
	}
}

// RecordFailure advances the streak; at the threshold, or on a failed
// half-open probe, the breaker opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.failureThreshold {
		if cb.state != CircuitOpen {
			cb.log.Warn("scorer circuit opened",
				slog.Int("failures", cb.failureCount),
				slog.Int("threshold", cb.failureThreshold))
		}
		cb.state = CircuitOpen
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
