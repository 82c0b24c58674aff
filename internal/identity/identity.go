// Package identity maps agent names to their stable ids and answers
// capability questions for the lease service.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/names"
	"github.com/mistakeknot/interlock/internal/storage"
)

const DefaultCacheSize = 1024

type cacheKey struct {
	project string
	name    string
}

// Registry registers agents and resolves their names. Ids never change for
// a (project, name) pair, so resolved ids are cached without expiry.
type Registry struct {
	store  storage.Store
	cache  *lru.Cache[cacheKey, core.AgentID]
	logger *slog.Logger
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(store storage.Store, cacheSize int, opts ...Option) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, core.AgentID](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	r := &Registry{store: store, cache: cache, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register creates the agent or replaces its capability set. An empty name
// gets a generated one.
func (r *Registry) Register(ctx context.Context, project, name string, capabilities []string) (core.Agent, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return core.Agent{}, core.Invalid("project", "required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = names.Generate()
	}
	caps := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}

	var out core.Agent
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.UpsertAgent(ctx, core.Agent{Project: project, Name: name, Capabilities: caps})
		return err
	})
	if err != nil {
		return core.Agent{}, err
	}
	r.cache.Add(cacheKey{project, name}, out.ID)
	r.logger.Info("agent registered", "project", project, "agent", name, "agent_id", out.ID, "capabilities", caps)
	return out, nil
}

// Ensure returns the agent registered under name, creating it with no
// capabilities when it does not exist. Existing capabilities are kept, so
// self-registration can never grant them.
func (r *Registry) Ensure(ctx context.Context, project, name string) (core.Agent, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return core.Agent{}, core.Invalid("project", "required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = names.Generate()
	}
	var (
		out     core.Agent
		created bool
	)
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		created = false
		var err error
		out, err = tx.AgentByName(ctx, project, name)
		if !errors.Is(err, core.ErrUnknownAgent) {
			return err
		}
		created = true
		out, err = tx.UpsertAgent(ctx, core.Agent{Project: project, Name: name})
		return err
	})
	if err != nil {
		return core.Agent{}, err
	}
	r.cache.Add(cacheKey{project, name}, out.ID)
	if created {
		r.logger.Info("agent registered", "project", project, "agent", name, "agent_id", out.ID)
	}
	return out, nil
}

// Resolve returns the id registered for name in project, or an error
// wrapping core.ErrUnknownAgent.
func (r *Registry) Resolve(ctx context.Context, project, name string) (core.AgentID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, core.Invalid("agent", "required")
	}
	key := cacheKey{project, name}
	if id, ok := r.cache.Get(key); ok {
		return id, nil
	}
	var a core.Agent
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		a, err = tx.AgentByName(ctx, project, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	r.cache.Add(key, a.ID)
	return a.ID, nil
}

func (r *Registry) Agent(ctx context.Context, id core.AgentID) (core.Agent, error) {
	var a core.Agent
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		a, err = tx.AgentByID(ctx, id)
		return err
	})
	return a, err
}

func (r *Registry) List(ctx context.Context, project string) ([]core.Agent, error) {
	var out []core.Agent
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListAgents(ctx, project)
		return err
	})
	return out, err
}
