package bus

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker. The numeric
// values are the ones exported through the circuit_breaker_state gauge.
type CircuitState int

const (
	// CircuitClosed means calls pass through normally.
	CircuitClosed CircuitState = 0
	// CircuitOpen means calls are rejected immediately.
	CircuitOpen CircuitState = 1
	// CircuitHalfOpen means a single probe is admitted to test recovery.
	CircuitHalfOpen CircuitState = 2
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Default 5.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before admitting a
	// half-open probe. Default 60s.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker. Default 3.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// CircuitBreaker protects a single handler. State transitions are atomic
// under the breaker's lock:
//
//	Closed    -> Open      after FailureThreshold consecutive failures
//	Open      -> HalfOpen  after RecoveryTimeout
//	HalfOpen  -> Closed    after SuccessThreshold consecutive successes
//	HalfOpen  -> Open      on any failure
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu             sync.Mutex
	state          CircuitState
	failures       int
	successes      int
	lastTransition time.Time
	probeInFlight  bool

	clock   Clock
	onState func(name string, state CircuitState)
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(name, cfg, realClock{}, nil)
}

func newCircuitBreaker(name string, cfg BreakerConfig, clock Clock, onState func(string, CircuitState)) *CircuitBreaker {
	return &CircuitBreaker{
		name:           name,
		cfg:            cfg.withDefaults(),
		state:          CircuitClosed,
		lastTransition: clock.Now(),
		clock:          clock,
		onState:        onState,
	}
}

// Name returns the breaker identity. Breakers created by the bus are named
// after the handler's scope and command type, joined by "/".
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. In the Open state it returns a
// CircuitOpenError until RecoveryTimeout elapses; then a single half-open
// probe is admitted at a time.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.lastTransition) >= cb.cfg.RecoveryTimeout {
			cb.transition(CircuitHalfOpen)
			cb.probeInFlight = true
			return nil
		}
		return &CircuitOpenError{Breaker: cb.name, OpenUntil: cb.lastTransition.Add(cb.cfg.RecoveryTimeout)}
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return &CircuitOpenError{Breaker: cb.name, OpenUntil: cb.clock.Now()}
		}
		cb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probeInFlight = false

	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes = 0
	cb.probeInFlight = false
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	cb.state = to
	cb.lastTransition = cb.clock.Now()
	switch to {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitOpen:
		cb.successes = 0
	case CircuitHalfOpen:
		cb.successes = 0
	}
	if cb.onState != nil {
		cb.onState(cb.name, to)
	}
}
