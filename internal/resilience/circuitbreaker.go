// Package resilience provides the circuit breaker protecting LLM providers
// from repeated doomed calls.
//
// The breaker is a classic three-state machine (closed → open → half-open).
// Because a provider race learns a call's outcome asynchronously — the
// stream may fail seconds after it was started — the breaker exposes a
// split API: [CircuitBreaker.Allow] gates the attempt, and the outcome is
// reported later via [CircuitBreaker.RecordSuccess] or
// [CircuitBreaker.RecordFailure].
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all attempts are allowed.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Attempts are refused until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of attempts are allowed through; if they succeed the
	// breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
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

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning
	// to half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of in-flight probe attempts allowed
	// in the half-open state. Default: 1.
	HalfOpenMax int
}

// CircuitBreaker implements the three-state circuit breaker pattern with
// deferred outcome reporting.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenInFly   int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Allow reports whether an attempt may proceed right now. An open breaker
// whose reset timeout has elapsed transitions to half-open and admits a
// bounded number of probes. Callers that receive true MUST later call
// [CircuitBreaker.RecordSuccess] or [CircuitBreaker.RecordFailure] with the
// attempt's outcome.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.halfOpenInFly = 0
		slog.Debug("circuit breaker half-open", "breaker", cb.name)
		fallthrough

	case StateHalfOpen:
		if cb.halfOpenInFly >= cb.halfOpenMax {
			return false
		}
		cb.halfOpenInFly++
		return true

	default:
		return false
	}
}

// RecordSuccess reports a successful attempt. In the half-open state one
// success closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.halfOpenInFly = 0
		slog.Info("circuit breaker closed", "breaker", cb.name)
	}
}

// RecordFailure reports a failed attempt. In the closed state it counts
// toward the trip threshold; in the half-open state it re-opens the breaker
// immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()
	switch cb.state {
	case StateClosed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"breaker", cb.name, "consecutive_failures", cb.consecutiveFail)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.halfOpenInFly = 0
		slog.Warn("circuit breaker re-opened", "breaker", cb.name)
	}
}

// State returns the breaker's current state without side effects.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
