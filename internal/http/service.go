// Package httpapi exposes the lease service over a JSON REST API.
package httpapi

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/identity"
	"github.com/mistakeknot/interlock/internal/lease"
)

const DefaultTTL = 15 * time.Minute

type Service struct {
	leases     *lease.Service
	agents     *identity.Registry
	defaultTTL time.Duration
	metrics    http.Handler
	logger     *slog.Logger
}

type Option func(*Service)

// WithDefaultTTL sets the TTL used when a request leaves it out.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Service) { s.metrics = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(leases *lease.Service, agents *identity.Registry, opts ...Option) *Service {
	s := &Service{
		leases:     leases,
		agents:     agents,
		defaultTTL: DefaultTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ttl converts a ttl_seconds field. Zero selects the default TTL; other
// values are range-checked here and bounded by the lease service.
func (s *Service) ttl(seconds int64) (time.Duration, error) {
	if seconds == 0 {
		return s.defaultTTL, nil
	}
	return toDuration("ttl_seconds", seconds)
}

// extension converts extend_seconds on renew. Leaving the field out
// extends by the default TTL; a value that is present must be positive.
func (s *Service) extension(seconds *int64) (time.Duration, error) {
	if seconds == nil {
		return s.defaultTTL, nil
	}
	if *seconds <= 0 {
		return 0, core.Invalid("extend_seconds", "must be positive, got %d", *seconds)
	}
	return toDuration("extend_seconds", *seconds)
}

const maxSeconds = math.MaxInt64 / int64(time.Second)

func toDuration(field string, seconds int64) (time.Duration, error) {
	if seconds > maxSeconds || seconds < -maxSeconds {
		return 0, core.Invalid(field, "%d seconds is out of range", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
