// Package resilience protects dcaud from misbehaving downstream services.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). The
// webhook sink wraps every POST in one so an unreachable consumer costs a
// single fast rejection per transition instead of a full request timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets one probe call through at a time. HalfOpenSuccesses
	// consecutive successes close the breaker; any failure re-opens it.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive successful probes that
	// closes the breaker again. Default: 1.
	HalfOpenSuccesses int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Used in tests.
	Now func() time.Time
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	successNeeded int
	onChange      func(name string, from, to State)
	now           func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probing     bool
	lastFailure time.Time
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		successNeeded: cfg.HalfOpenSuccesses,
		onChange:      cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// Execute runs fn when the breaker allows it and records the outcome. A
// failure caused by ctx ending is not held against the downstream service.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.mu.Lock()
		if probe {
			cb.probing = false
		}
		cb.mu.Unlock()
		return err
	}
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	defer func() {
		cb.mu.Unlock()
		if changed {
			cb.notify(from, StateHalfOpen)
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.probing = false
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.probing = false
	}

	switch {
	case err != nil && probe:
		cb.state = StateOpen
		cb.lastFailure = cb.now()
	case err != nil:
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
	case probe:
		cb.successes++
		if cb.successes >= cb.successNeeded {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if from != to {
		if to == StateOpen {
			slog.Warn("resilience: circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", failures,
			)
		}
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if to != StateOpen {
		slog.Info("resilience: circuit breaker state changed",
			"name", cb.name,
			"from", from.String(),
			"to", to.String(),
		)
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
