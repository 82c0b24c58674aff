package storage

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter
}

// DefaultRetryConfig returns the default retry configuration:
// 5 retries, 20ms base, 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  20 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// Retry runs fn, retrying while it fails with a transient error. When the
// retries run out the last error is returned wrapped in
// core.ErrRetryExhausted. Non-transient errors are returned unchanged.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retry(ctx, cfg, fn, sleepCtx)
}

func retry(ctx context.Context, cfg RetryConfig, fn func() error, sleep func(context.Context, time.Duration) error) error {
	err := fn()
	if err == nil || !IsTransient(err) {
		return err
	}
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		if serr := sleep(ctx, delay+jitter); serr != nil {
			return serr
		}
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", core.ErrRetryExhausted, cfg.MaxRetries+1, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
