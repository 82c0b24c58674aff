package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7390", cfg.Listen)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Lease.DefaultTTL)
	assert.Equal(t, 24*time.Hour, cfg.Lease.MaxTTL)
	assert.Equal(t, 5, cfg.Lease.Retry.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Reclaim.Interval)
	assert.Equal(t, "store", cfg.Capabilities.Backend)
	assert.True(t, cfg.Auth.Watch)
}

func TestFileEnvAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interlock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 0.0.0.0:9000
lease:
  default_ttl: 2m
  max_ttl: 1h
reclaim:
  interval: 5s
log:
  level: debug
pools:
  - project: proj
    name: gpu
    capacity: 4
`), 0o600))

	t.Setenv("INTERLOCK_RECLAIM_INTERVAL", "3s")
	t.Setenv("INTERLOCK_LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.String("listen", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level", "error"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen, "unset flags do not override the file")
	assert.Equal(t, 2*time.Minute, cfg.Lease.DefaultTTL)
	assert.Equal(t, time.Hour, cfg.Lease.MaxTTL)
	assert.Equal(t, 3*time.Second, cfg.Reclaim.Interval, "env overrides file")
	assert.Equal(t, "error", cfg.Log.Level, "flags override env")
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, PoolConfig{Project: "proj", Name: "gpu", Capacity: 4}, cfg.Pools[0])
}

func TestValidate(t *testing.T) {
	base, err := Load("", nil)
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"unknown driver":     func(c *Config) { c.Storage.Driver = "mysql" },
		"postgres no dsn":    func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" },
		"zero default ttl":   func(c *Config) { c.Lease.DefaultTTL = 0 },
		"max below default":  func(c *Config) { c.Lease.MaxTTL = time.Minute },
		"zero interval":      func(c *Config) { c.Reclaim.Interval = 0 },
		"bad jitter":         func(c *Config) { c.Lease.Retry.Jitter = 2 },
		"unknown gate":       func(c *Config) { c.Capabilities.Backend = "ldap" },
		"no listener":        func(c *Config) { c.Listen = ""; c.Socket = "" },
		"bad pool":           func(c *Config) { c.Pools = []PoolConfig{{Project: "p", Name: "n"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestTrustedProxies(t *testing.T) {
	a := AuthConfig{TrustedProxies: []string{"10.0.0.0/8", " 192.0.2.7 ", "2001:db8::/32"}}
	prefixes, err := a.ProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.0.2.7/32", prefixes[1].String())
	assert.Equal(t, "2001:db8::/32", prefixes[2].String())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	cfg.Auth.TrustedProxies = []string{"proxy.internal"}
	assert.ErrorContains(t, cfg.Validate(), "auth.trusted_proxies")
}
