// Package circuitbreaker implements a three-state circuit breaker used to
// stop hammering an RPC endpoint that keeps failing. Closed passes all
// calls through, open rejects them outright, half-open lets probe calls
// through until enough succeed to close again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config tunes breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open state
	// needed to close the breaker again.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration
}

// DefaultConfig returns the configuration used when no explicit tuning is
// provided.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Stats is a snapshot of breaker counters for observability.
type Stats struct {
	State               State
	ConsecutiveFailures int
	TotalFailures       uint64
	TotalSuccesses      uint64
	LastFailureAt       time.Time
	OpenedAt            time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg Config

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	totalFailures       uint64
	totalSuccesses      uint64
	lastFailureAt       time.Time
	openedAt            time.Time

	now func() time.Time // test hook
}

// New creates a breaker in the closed state. Non-positive config fields
// fall back to DefaultConfig values.
func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &CircuitBreaker{
		cfg: cfg,
		now: time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker whose timeout
// has elapsed transitions to half-open and allows the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds a successful call outcome into the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.consecutiveFailures = 0

	if cb.state == StateHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure feeds a failed call outcome into the breaker. A failure in
// half-open state reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.consecutiveFailures++
	cb.lastFailureAt = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.open()
	case StateClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	}
}

// open transitions to the open state. Caller must hold cb.mu.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.halfOpenSuccesses = 0
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		LastFailureAt:       cb.lastFailureAt,
		OpenedAt:            cb.openedAt,
	}
}

// Reset forces the breaker back to closed and clears consecutive counters.
// Total counters are kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
}
