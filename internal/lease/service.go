// Package lease is the transactional façade over the lease store. Every
// state change runs as one store transaction: expired leases in the
// project are reclaimed first, then the request is checked against the
// leases that remain active, then the new state is written.
package lease

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/interlock/internal/clock"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/reclaim"
	"github.com/mistakeknot/interlock/internal/storage"
)

// CapabilityGate answers whether an agent holds a named capability.
type CapabilityGate interface {
	HasCapability(ctx context.Context, agent core.AgentID, capability string) (bool, error)
}

type Publisher = reclaim.Publisher

const (
	DefaultMaxTTL   = 24 * time.Hour
	DefaultPageSize = 100
)

type Service struct {
	store    storage.Store
	gate     CapabilityGate
	clock    clock.Clock
	pub      Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	maxTTL   time.Duration
	pageSize int
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMaxTTL bounds both the initial ttl and the remaining lifetime after a
// renew.
func WithMaxTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxTTL = d
		}
	}
}

// WithPageSize sets how many leases ListActive reads per transaction.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewService wires the service to its store and capability gate. The store
// is normally wrapped in storage.NewResilient so transient contention is
// retried.
func NewService(store storage.Store, gate CapabilityGate, opts ...Option) *Service {
	s := &Service{
		store:    store,
		gate:     gate,
		clock:    clock.Real{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/mistakeknot/interlock/internal/lease"),
		maxTTL:   DefaultMaxTTL,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now truncates to microseconds, the coarsest resolution of any backend.
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// observe starts a span for op and returns a finisher that records the
// outcome in the span and the operation metrics.
func (s *Service) observe(ctx context.Context, op string, kind core.ResourceKind, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "lease."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.SetAttributes(attribute.String("lease.outcome", core.Kind(err)))
			if !core.IsDomain(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
		s.metrics.ObserveOp(op, kind, err, time.Since(start))
	}
}

func (s *Service) publish(t core.EventType, at time.Time, leases ...core.Lease) {
	if s.pub == nil {
		return
	}
	for _, l := range leases {
		s.pub.Publish(core.Event{Type: t, Project: l.Project, Lease: l, At: at})
		s.metrics.Published(t)
	}
}

// reclaimProject runs the inline expiry transition for one project.
func (s *Service) reclaimProject(ctx context.Context, tx storage.Tx, project string, now time.Time) ([]core.Lease, error) {
	return reclaim.ExpireDue(ctx, tx, project, now, 0)
}

// afterReclaim reports leases expired inline once their transaction has
// committed.
func (s *Service) afterReclaim(expired []core.Lease, now time.Time) {
	if len(expired) == 0 {
		return
	}
	s.metrics.Reclaimed("inline", expired)
	s.publish(core.EventLeaseExpired, now, expired...)
	s.logger.Info("leases expired", "project", expired[0].Project, "count", len(expired))
}

func leaseAttrs(l core.Lease) []any {
	return []any{
		"lease_id", l.ID,
		"project", l.Project,
		"kind", string(l.Resource.Kind),
		"key", l.Resource.Key,
		"holder", int64(l.Holder),
	}
}
