package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/clock"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

var epoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

const (
	agentA core.AgentID = iota + 1
	agentB
	agentC
	agentD
	admin
)

type staticGate map[core.AgentID][]string

func (g staticGate) HasCapability(_ context.Context, id core.AgentID, capability string) (bool, error) {
	for _, c := range g[id] {
		if c == capability {
			return true, nil
		}
	}
	return false, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (e *eventLog) Publish(ev core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types() []core.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.EventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	svc    *Service
	clock  *clock.Manual
	store  storage.Store
	events *eventLog
}

func newHarness(t testing.TB, opts ...Option) *harness {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	clk := clock.NewManual(epoch)
	events := &eventLog{}
	gate := staticGate{admin: {core.CapabilityForceRelease}}
	opts = append([]Option{WithClock(clk), WithPublisher(events)}, opts...)
	return &harness{
		svc:    NewService(storage.NewResilient(st), gate, opts...),
		clock:  clk,
		store:  st,
		events: events,
	}
}

func (h *harness) reserve(holder core.AgentID, pattern string, mode core.Mode, ttl time.Duration) (core.Lease, error) {
	return h.svc.Acquire(context.Background(), AcquireRequest{
		Project:  "proj",
		Resource: core.FilePattern(pattern),
		Mode:     mode,
		Holder:   holder,
		TTL:      ttl,
	})
}
