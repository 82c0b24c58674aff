package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Resilient wraps a Store so that every transaction is retried on
// transient contention and guarded by a circuit breaker.
type Resilient struct {
	inner   Store
	cb      *CircuitBreaker
	retry   RetryConfig
	onRetry func()
}

type ResilientOption func(*Resilient)

func WithRetryConfig(cfg RetryConfig) ResilientOption {
	return func(r *Resilient) { r.retry = cfg }
}

func WithBreaker(cb *CircuitBreaker) ResilientOption {
	return func(r *Resilient) { r.cb = cb }
}

// WithRetryObserver registers fn to be called before each retry attempt.
func WithRetryObserver(fn func()) ResilientOption {
	return func(r *Resilient) { r.onRetry = fn }
}

// NewResilient uses DefaultRetryConfig and a breaker with threshold 5 and
// a 30s reset unless overridden.
func NewResilient(inner Store, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		inner: inner,
		cb:    NewCircuitBreaker(5, 30*time.Second),
		retry: DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resilient) InTx(ctx context.Context, fn func(Tx) error) error {
	return r.cb.Execute(func() error {
		attempt := 0
		err := Retry(ctx, r.retry, func() error {
			if attempt > 0 && r.onRetry != nil {
				r.onRetry()
			}
			attempt++
			return r.inner.InTx(ctx, fn)
		})
		// Drivers do not always wrap the context error they failed on.
		if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return err
	})
}

func (r *Resilient) Close() error { return r.inner.Close() }

// BreakerState reports the breaker state for health endpoints.
func (r *Resilient) BreakerState() string {
	return r.cb.State().String()
}

// Unwrap returns the wrapped store.
func (r *Resilient) Unwrap() Store { return r.inner }
