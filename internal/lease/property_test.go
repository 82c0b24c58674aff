package lease

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/conflict"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

func newContendedService(t *testing.T) *Service {
	t.Helper()
	st := sqlite.NewSQLiteFileTest(t)
	return NewService(storage.NewResilient(st,
		storage.WithRetryConfig(storage.RetryConfig{MaxRetries: 50, BaseDelay: 2 * time.Millisecond, JitterPct: 0.5}),
	), staticGate{})
}

func TestConcurrentExclusiveAcquireHasOneWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("contention test")
	}
	svc := newContendedService(t)
	ctx := context.Background()

	patterns := []string{"src/**", "src/main.rs", "src/*.rs", "**/main.rs", "src/main.?s"}
	var wins, conflicts atomic.Int32
	var wg conc.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			_, err := svc.Acquire(ctx, AcquireRequest{
				Project:  "race",
				Resource: core.FilePattern(patterns[i%len(patterns)]),
				Mode:     core.ModeExclusive,
				Holder:   core.AgentID(i + 1),
				TTL:      time.Minute,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("agent %d: unexpected error: %v", i+1, err)
			}
		})
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load(), "every pattern overlaps src/main.rs")
	assert.EqualValues(t, 19, conflicts.Load())
}

func TestConcurrentSlotAcquireRespectsCapacity(t *testing.T) {
	if testing.Short() {
		t.Skip("contention test")
	}
	svc := newContendedService(t)
	ctx := context.Background()
	_, err := svc.DefinePool(ctx, "race", "gpu", 3)
	require.NoError(t, err)

	var wins, exhausted atomic.Int32
	var wg conc.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			_, err := svc.AcquireSlot(ctx, "race", "gpu", core.AgentID(i+1), time.Minute, "")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrPoolExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("agent %d: unexpected error: %v", i+1, err)
			}
		})
	}
	wg.Wait()

	assert.EqualValues(t, 3, wins.Load())
	assert.EqualValues(t, 13, exhausted.Load())

	pool, err := svc.GetPool(ctx, "race", "gpu")
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Active)
}

func TestConcurrentReleaseSucceedsOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("contention test")
	}
	svc := newContendedService(t)
	ctx := context.Background()
	l, err := svc.Acquire(ctx, AcquireRequest{
		Project: "race", Resource: core.FilePattern("a.go"),
		Mode: core.ModeExclusive, Holder: agentA, TTL: time.Minute,
	})
	require.NoError(t, err)

	var ok, already atomic.Int32
	var wg conc.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, err := svc.Release(ctx, l.ID, agentA)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, core.ErrExpired):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 7, already.Load())

	history, err := svc.History(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "one acquired and one released event")
}

// TestActiveSetNeverConflicts drives a deterministic mix of operations over
// a small pattern alphabet and checks after every step that no two active
// leases are incompatible.
func TestActiveSetNeverConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	patterns := []string{"src/**", "src/a.go", "src/b.go", "src/*.go", "docs/**", "docs/x.md", "**/x.md", "*.md"}
	modes := []core.Mode{core.ModeExclusive, core.ModeShared}

	var held []core.Lease
	for step := range 300 {
		holder := core.AgentID(step%4 + 1)
		switch step % 5 {
		case 0, 1, 2:
			l, err := h.reserve(holder, patterns[(step*7)%len(patterns)], modes[(step/3)%2], time.Duration(step%13+1)*time.Second)
			if err == nil {
				held = append(held, l)
			} else {
				require.ErrorIs(t, err, core.ErrConflict, "step %d", step)
			}
		case 3:
			if len(held) > 0 {
				l := held[step%len(held)]
				_, err := h.svc.Release(ctx, l.ID, l.Holder)
				if err != nil {
					require.ErrorIs(t, err, core.ErrExpired, "step %d", step)
				}
			}
		case 4:
			h.clock.Advance(time.Duration(step%3) * time.Second)
		}

		active, err := h.svc.CollectActive(ctx, ListFilter{Project: "proj"})
		require.NoError(t, err)
		for i := range active {
			for j := i + 1; j < len(active); j++ {
				a, b := active[i], active[j]
				if !conflict.Overlap(a.Resource, b.Resource) {
					continue
				}
				assert.True(t, a.Mode == core.ModeShared && b.Mode == core.ModeShared,
					fmt.Sprintf("step %d: %s (%s) and %s (%s) are both active", step, a.Resource, a.Mode, b.Resource, b.Mode))
			}
		}
	}
}
