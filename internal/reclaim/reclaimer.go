package reclaim

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interlock/internal/clock"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Publisher receives lease events after they are committed.
type Publisher interface {
	Publish(ev core.Event)
}

const defaultBatch = 500

// Reclaimer sweeps all projects on an interval. Each batch is its own
// transaction, so a long backlog never holds the write lock for long.
type Reclaimer struct {
	store    storage.Store
	interval time.Duration
	batch    int
	clock    clock.Clock
	pub      Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Reclaimer)

func WithClock(c clock.Clock) Option { return func(r *Reclaimer) { r.clock = c } }
func WithPublisher(p Publisher) Option { return func(r *Reclaimer) { r.pub = p } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Reclaimer) { r.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(r *Reclaimer) { r.logger = l } }

// WithBatchSize caps how many leases one sweep transaction expires.
func WithBatchSize(n int) Option {
	return func(r *Reclaimer) {
		if n > 0 {
			r.batch = n
		}
	}
}

// New creates a Reclaimer. Call Start to begin sweeping.
func New(store storage.Store, interval time.Duration, opts ...Option) *Reclaimer {
	r := &Reclaimer{
		store:    store,
		interval: interval,
		batch:    defaultBatch,
		clock:    clock.Real{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep goroutine. It sweeps once immediately, then on
// every tick until ctx is cancelled or Stop is called.
func (r *Reclaimer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.sweepAndLog(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepAndLog(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (r *Reclaimer) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reclaimer) sweepAndLog(ctx context.Context) {
	n, err := r.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reclaim sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		r.logger.Info("leases expired", "count", n)
	}
}

// Sweep expires every lease that is due now and returns how many it
// transitioned.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		var expired []core.Lease
		now := r.clock.Now()
		err := r.store.InTx(ctx, func(tx storage.Tx) error {
			var err error
			expired, err = ExpireDue(ctx, tx, "", now, r.batch)
			return err
		})
		if err != nil {
			return total, err
		}
		total += len(expired)
		r.metrics.Reclaimed("sweep", expired)
		r.publish(expired, now)
		if len(expired) < r.batch {
			return total, nil
		}
	}
}

func (r *Reclaimer) publish(expired []core.Lease, at time.Time) {
	if r.pub == nil {
		return
	}
	for _, l := range expired {
		r.pub.Publish(core.Event{Type: core.EventLeaseExpired, Project: l.Project, Lease: l, At: at})
	}
}
