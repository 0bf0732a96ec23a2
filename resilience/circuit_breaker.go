package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs
	Name string
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration
	// HalfOpenSuccesses is the number of successes needed to close again
	HalfOpenSuccesses int
}

// DefaultCircuitBreakerConfig provides sensible defaults
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		SleepWindow:       10 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CircuitBreaker trips after consecutive failures and probes recovery
// through a half-open state. Safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failures      int
	halfOpenWins  int
	openedAt      time.Time
	now           func() time.Time // injectable for tests
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 10 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// State returns the current state, accounting for sleep-window expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// CanExecute reports whether a request may proceed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state != StateOpen
}

// RecordSuccess feeds a success into the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenWins++
		if cb.halfOpenWins >= cb.cfg.HalfOpenSuccesses {
			cb.state = StateClosed
			cb.failures = 0
			cb.halfOpenWins = 0
		}
	}
}

// RecordFailure feeds a failure into the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.halfOpenWins = 0
}

// maybeHalfOpen transitions open → half-open once the sleep window has
// elapsed. Caller holds the lock.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.SleepWindow {
		cb.state = StateHalfOpen
		cb.halfOpenWins = 0
	}
}
