package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mistakeknot/interlock/internal/core"
)

// StoreGate answers capability checks from the capabilities recorded at
// registration.
type StoreGate struct {
	registry *Registry
}

func NewStoreGate(r *Registry) *StoreGate {
	return &StoreGate{registry: r}
}

func (g *StoreGate) HasCapability(ctx context.Context, id core.AgentID, capability string) (bool, error) {
	a, err := g.registry.Agent(ctx, id)
	if errors.Is(err, core.ErrUnknownAgent) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.HasCapability(capability), nil
}

const DefaultRedisPrefix = "interlock:caps:"

// RedisGate keeps each agent's capabilities in a Redis set so operators can
// grant and revoke them without touching the lease database.
type RedisGate struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisGate(client redis.UniversalClient, prefix string) *RedisGate {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisGate{client: client, prefix: prefix}
}

func (g *RedisGate) key(id core.AgentID) string {
	return g.prefix + strconv.FormatInt(int64(id), 10)
}

func (g *RedisGate) HasCapability(ctx context.Context, id core.AgentID, capability string) (bool, error) {
	ok, err := g.client.SIsMember(ctx, g.key(id), capability).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis capability lookup: %w", err)
	}
	return ok, nil
}

func (g *RedisGate) Grant(ctx context.Context, id core.AgentID, capabilities ...string) error {
	if len(capabilities) == 0 {
		return nil
	}
	members := make([]any, len(capabilities))
	for i, c := range capabilities {
		members[i] = c
	}
	if err := g.client.SAdd(ctx, g.key(id), members...).Err(); err != nil {
		return fmt.Errorf("redis grant: %w", err)
	}
	return nil
}

func (g *RedisGate) Revoke(ctx context.Context, id core.AgentID, capabilities ...string) error {
	if len(capabilities) == 0 {
		return nil
	}
	members := make([]any, len(capabilities))
	for i, c := range capabilities {
		members[i] = c
	}
	if err := g.client.SRem(ctx, g.key(id), members...).Err(); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}
