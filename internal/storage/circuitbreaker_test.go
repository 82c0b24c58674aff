package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

func tripBreaker(cb *CircuitBreaker, n int) {
	testErr := errors.New("disk I/O error")
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb, 5)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn should not have been called when breaker is open")
	}
}

func TestBreakerIgnoresLeaseOutcomes(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Second)
	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return &core.ConflictError{} })
		_ = cb.Execute(func() error { return core.ErrNotFound })
	}
	if cb.State() != StateClosed {
		t.Fatalf("lease outcomes must not trip the breaker, got %s", cb.State())
	}
}

func TestBreakerProbe(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	tripBreaker(cb, 5)
	now = now.Add(200 * time.Millisecond)
	tripBreaker(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after probe failure, got %s", cb.State())
	}

	now = now.Add(200 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb, 3)
	_ = cb.Execute(func() error { return nil })
	tripBreaker(cb, 3)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed (3+3 non-consecutive < threshold 5), got %s", cb.State())
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(100, 30*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(func() error { return nil })
				return
			}
			_ = cb.Execute(func() error { return errors.New("fail") })
		}(i)
	}
	wg.Wait()
	_ = cb.State()
}

func TestBreakerIgnoresAbandonedCalls(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Second)
	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return fmt.Errorf("begin: %w", context.Canceled) })
		_ = cb.Execute(func() error { return context.DeadlineExceeded })
	}
	if cb.State() != StateClosed {
		t.Fatalf("cancelled calls must not trip the breaker, got %s", cb.State())
	}
}

func TestBreakerAbandonedProbeStaysOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 1)

	now = now.Add(200 * time.Millisecond)
	_ = cb.Execute(func() error { return context.Canceled })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after abandoned probe, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected next probe to run, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestCircuitOpenReportsRetryExhausted(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	tripBreaker(cb, 1)
	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, core.ErrRetryExhausted) {
		t.Fatalf("expected ErrCircuitOpen as retry exhausted, got %v", err)
	}
	if got := core.Kind(err); got != "retry_exhausted" {
		t.Fatalf("expected kind retry_exhausted, got %s", got)
	}
}
