package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// ErrCircuitOpen is returned when the breaker is rejecting calls. It
// reports as core.ErrRetryExhausted so callers see a retryable outcome.
var ErrCircuitOpen error = circuitOpenError{}

type circuitOpenError struct{}

func (circuitOpenError) Error() string { return "storage circuit breaker is open" }

func (circuitOpenError) Is(target error) bool { return target == core.ErrRetryExhausted }

// CircuitBreaker stops hammering a backend that keeps failing. Only
// infrastructure failures count: a lease conflict or a missing lease is a
// successful round trip as far as the breaker is concerned.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	nowFunc      func() time.Time
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// Execute runs fn unless the breaker is open. After resetTimeout an open
// breaker lets exactly one probe through; its outcome closes or re-opens it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
	case StateOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
	default:
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	probing := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case isAbandoned(err):
		// The caller gave up; says nothing about the backend. A probe
		// that was abandoned leaves the breaker open for the next caller.
		if probing {
			cb.state = StateOpen
		}
	case !isFailure(err):
		cb.state = StateClosed
		cb.failures = 0
	case probing:
		cb.state = StateOpen
		cb.openedAt = cb.nowFunc()
	default:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
			cb.openedAt = cb.nowFunc()
		}
	}
	return err
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func isAbandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isFailure(err error) bool {
	return err != nil && !core.IsDomain(err)
}
