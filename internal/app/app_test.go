package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/lease"
)

const keysYAML = `default_policy:
  allow_localhost_without_auth: true
projects:
  proj:
    keys: [secret]
    agents:
      ops: [lease.force_release]
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Storage.DSN = filepath.Join(dir, "interlock.db")
	cfg.Auth.KeysFile = filepath.Join(dir, "keys.yaml")
	cfg.Auth.Watch = false
	require.NoError(t, os.WriteFile(cfg.Auth.KeysFile, []byte(keysYAML), 0600))
	return cfg
}

func TestNewAppliesKeyGrants(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pools = []config.PoolConfig{{Project: "proj", Name: "gpu", Capacity: 2}}
	ctx := context.Background()

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ops, err := a.Agents.Resolve(ctx, "proj", "ops")
	require.NoError(t, err)
	alice, err := a.Agents.Ensure(ctx, "proj", "alice")
	require.NoError(t, err)

	l, err := a.Leases.Acquire(ctx, lease.AcquireRequest{
		Project: "proj", Resource: core.FilePattern("src/**"), Mode: core.ModeExclusive,
		Holder: alice.ID, TTL: time.Minute,
	})
	require.NoError(t, err)

	forced, err := a.Leases.ForceRelease(ctx, l.ID, ops, "rotating")
	require.NoError(t, err)
	assert.Equal(t, core.StatusForceReleased, forced.Status)

	pool, err := a.Leases.GetPool(ctx, "proj", "gpu")
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Capacity)
}

func TestSyncGrantsRevokesDroppedAgents(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.SyncGrants(ctx, []auth.AgentGrant{
		{Project: "proj", Name: "auditor", Capabilities: []string{core.CapabilityForceRelease}},
	}))

	ops, err := a.Agents.Resolve(ctx, "proj", "ops")
	require.NoError(t, err)
	agent, err := a.Agents.Agent(ctx, ops)
	require.NoError(t, err)
	assert.Empty(t, agent.Capabilities)

	auditor, err := a.Agents.Resolve(ctx, "proj", "auditor")
	require.NoError(t, err)
	agent, err = a.Agents.Agent(ctx, auditor)
	require.NoError(t, err)
	assert.Equal(t, []string{core.CapabilityForceRelease}, agent.Capabilities)
}

func TestStartAndClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Watch = true
	a, err := New(context.Background(), cfg, nil, WithoutAuth())
	require.NoError(t, err)
	assert.Nil(t, a.Keys)

	a.Start(context.Background())
	require.NoError(t, a.Close())
}

func TestNewRejectsBadStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "mysql"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}
