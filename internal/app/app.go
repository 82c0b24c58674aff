// Package app assembles a lease server from configuration. The interlock
// command and the embedded server both build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/config"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/identity"
	"github.com/mistakeknot/interlock/internal/lease"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/reclaim"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/postgres"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
	"github.com/mistakeknot/interlock/internal/ws"
)

const grantSyncTimeout = 10 * time.Second

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     *storage.Resilient
	Leases    *lease.Service
	Agents    *identity.Registry
	Hub       *ws.Hub
	Keys      *auth.Reloader
	Reclaimer *reclaim.Reclaimer
	Metrics   *metrics.Metrics
	Handler   http.Handler

	redisGate *identity.RedisGate
	redis     redis.UniversalClient
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*options)

type options struct {
	noAuth bool
}

// WithoutAuth serves every request without authentication, for in-process
// use where the listener is private.
func WithoutAuth() Option {
	return func(o *options) { o.noAuth = true }
}

// New opens storage and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(reg)

	inner, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.Store = storage.NewResilient(inner,
		storage.WithRetryConfig(storage.RetryConfig{
			MaxRetries: cfg.Lease.Retry.MaxRetries,
			BaseDelay:  cfg.Lease.Retry.BaseDelay,
			JitterPct:  cfg.Lease.Retry.Jitter,
		}),
		storage.WithRetryObserver(a.Metrics.Retry),
	)

	a.Agents, err = identity.NewRegistry(a.Store, cfg.Identity.CacheSize, identity.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	var gate lease.CapabilityGate = identity.NewStoreGate(a.Agents)
	if cfg.Capabilities.Backend == "redis" {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.Capabilities.RedisAddr}})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Capabilities.RedisAddr, err)
		}
		a.redisGate = identity.NewRedisGate(a.redis, cfg.Capabilities.RedisPrefix)
		gate = a.redisGate
	}

	a.Hub = ws.NewHub(ws.WithLogger(logger))
	a.Leases = lease.NewService(a.Store, gate,
		lease.WithPublisher(a.Hub),
		lease.WithMetrics(a.Metrics),
		lease.WithLogger(logger),
		lease.WithMaxTTL(cfg.Lease.MaxTTL),
		lease.WithPageSize(cfg.Lease.PageSize),
	)
	a.Reclaimer = reclaim.New(a.Store, cfg.Reclaim.Interval,
		reclaim.WithPublisher(a.Hub),
		reclaim.WithMetrics(a.Metrics),
		reclaim.WithLogger(logger),
		reclaim.WithBatchSize(cfg.Reclaim.BatchSize),
	)

	var mw func(http.Handler) http.Handler
	if !o.noAuth {
		var src auth.Source
		if cfg.Auth.KeysFile != "" {
			a.Keys, err = auth.NewReloader(cfg.Auth.KeysFile,
				auth.WithReloadLogger(logger),
				auth.OnReload(a.applyGrants),
			)
			if err != nil {
				return nil, fmt.Errorf("load keys: %w", err)
			}
			src = a.Keys
		}
		proxies, err := cfg.Auth.ProxyPrefixes()
		if err != nil {
			return nil, err
		}
		mw = auth.Middleware(src, auth.WithTrustedProxies(proxies...), auth.WithRejectLogger(logger))
	}

	svc := httpapi.NewService(a.Leases, a.Agents,
		httpapi.WithDefaultTTL(cfg.Lease.DefaultTTL),
		httpapi.WithMetricsHandler(metrics.Handler(reg)),
		httpapi.WithLogger(logger),
	)
	a.Handler = httpapi.NewRouter(svc, a.Hub.Handler(), mw)

	if err := a.SeedPools(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
	case "sqlite", "":
		opts := []sqlite.Option{sqlite.WithLogger(logger)}
		if cfg.BusyTimeout > 0 {
			opts = append(opts, sqlite.WithBusyTimeout(cfg.BusyTimeout))
		}
		return sqlite.New(cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// SeedPools defines the configured slot pools.
func (a *App) SeedPools(ctx context.Context) error {
	for _, p := range a.Config.Pools {
		pool, err := a.Leases.DefinePool(ctx, p.Project, p.Name, p.Capacity)
		if err != nil {
			return fmt.Errorf("seed pool %s/%s: %w", p.Project, p.Name, err)
		}
		a.Logger.Info("pool defined", "project", pool.Project, "pool", pool.Name, "capacity", pool.Capacity, "active", pool.Active)
	}
	return nil
}

// Start launches the reclaimer and, when enabled, the keys-file watcher.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.Reclaimer.Start(ctx)
	if a.Keys == nil || !a.Config.Auth.Watch {
		close(a.done)
		return
	}
	go func() {
		defer close(a.done)
		if err := a.Keys.Watch(ctx); err != nil {
			a.Logger.Error("keys watcher stopped", "error", err)
		}
	}()
}

// Close stops background work and releases storage.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	if a.Reclaimer != nil {
		a.Reclaimer.Stop()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func (a *App) applyGrants(ring *auth.Keyring) {
	ctx, cancel := context.WithTimeout(context.Background(), grantSyncTimeout)
	defer cancel()
	if err := a.SyncGrants(ctx, ring.Grants()); err != nil {
		a.Logger.Error("capability sync failed", "error", err)
	}
}

// SyncGrants makes the capability sets of agents in the granted projects
// match grants exactly. Agents named in a grant are created if needed;
// agents left out lose their capabilities.
func (a *App) SyncGrants(ctx context.Context, grants []auth.AgentGrant) error {
	desired := make(map[string]map[string][]string)
	for _, g := range grants {
		if desired[g.Project] == nil {
			desired[g.Project] = make(map[string][]string)
		}
		desired[g.Project][g.Name] = g.Capabilities
	}
	var errs []error
	for project, want := range desired {
		existing, err := a.Agents.List(ctx, project)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		current := make(map[string][]string, len(existing))
		for _, ag := range existing {
			current[ag.Name] = ag.Capabilities
			if _, ok := want[ag.Name]; !ok && len(ag.Capabilities) > 0 {
				want[ag.Name] = nil
			}
		}
		for name, caps := range want {
			old, known := current[name]
			if known && a.redisGate == nil && slices.Equal(sorted(old), sorted(caps)) {
				continue
			}
			if err := a.setCapabilities(ctx, project, name, old, caps); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", project, name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (a *App) setCapabilities(ctx context.Context, project, name string, old, caps []string) error {
	agent, err := a.Agents.Register(ctx, project, name, caps)
	if err != nil {
		return err
	}
	if a.redisGate != nil {
		var revoke []string
		for _, c := range old {
			if !slices.Contains(caps, c) {
				revoke = append(revoke, c)
			}
		}
		if err := a.redisGate.Revoke(ctx, agent.ID, revoke...); err != nil {
			return err
		}
		if err := a.redisGate.Grant(ctx, agent.ID, caps...); err != nil {
			return err
		}
	}
	a.Logger.Info("capabilities applied", "project", project, "agent", name, "agent_id", agent.ID, "capabilities", caps)
	return nil
}

func sorted(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}
