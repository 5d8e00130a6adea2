// Package resilience protects the transcription service from connection
// storms.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open). [GuardedProvider] puts one in front of
// [transcribe.Provider.Connect] so that, once the service has refused several
// sessions in a row, further dictation attempts fail fast instead of each
// waiting out the connect timeout. The breaker never retries on its own:
// every call it lets through is exactly one attempt.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the cooldown has not yet elapsed, or while a half-open probe is in
// flight.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped after consecutive failures.
	// Calls are rejected with [ErrCircuitOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen is entered after the cooldown. A single probe call is let
	// through; its outcome closes or re-opens the breaker.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before allowing a probe.
	// Default: 30s.
	Cooldown time.Duration

	// IsFailure classifies errors returned by the protected call. Errors for
	// which it returns false neither trip nor reset the breaker. Default:
	// everything except context cancellation counts as a failure, so a user
	// cancelling a slow start does not count against the service.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(from, to State)

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	cooldown      time.Duration
	isFailure     func(error) bool
	onStateChange func(from, to State)
	now           func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		cooldown:      cfg.Cooldown,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome. While open
// it returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn()

	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.probeActive = false
	}
	switch {
	case callErr == nil:
		cb.failures = 0
		cb.state = StateClosed
	case !cb.isFailure(callErr):
		// Neutral outcome. A neutral probe leaves the breaker half-open so
		// the next caller probes again.
	case probe:
		cb.trip()
	default:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	cb.transitioned(from, to, failures)
	return callErr
}

// admit decides whether a call may proceed. probe reports whether the call is
// the single half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		fallthrough
	case StateHalfOpen:
		if cb.probeActive {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.probeActive = true
		probe = true
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	cb.transitioned(from, to, failures)
	return probe, nil
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
}

func (cb *CircuitBreaker) transitioned(from, to State, failures int) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", failures, "cooldown", cb.cooldown)
	case StateHalfOpen:
		slog.Info("circuit breaker probing", "name", cb.name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State returns the current [State] of the breaker. An open breaker whose
// cooldown has elapsed reports [StateHalfOpen]; the transition itself happens
// on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probeActive = false
	cb.mu.Unlock()

	cb.transitioned(from, StateClosed, 0)
}

// Ready returns an error wrapping [ErrCircuitOpen] while the breaker is open.
// It has the signature of a readiness check.
func (cb *CircuitBreaker) Ready(_ context.Context) error {
	if st := cb.State(); st == StateOpen {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	}
	return nil
}
