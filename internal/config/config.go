// Package config loads server settings from defaults, an optional YAML
// file, INTERLOCK_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mistakeknot/interlock/internal/logging"
)

const EnvPrefix = "INTERLOCK"

type Config struct {
	Listen       string             `mapstructure:"listen"`
	Socket       string             `mapstructure:"socket"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Lease        LeaseConfig        `mapstructure:"lease"`
	Reclaim      ReclaimConfig      `mapstructure:"reclaim"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Log          logging.Config     `mapstructure:"log"`
	Pools        []PoolConfig       `mapstructure:"pools"`
}

type StorageConfig struct {
	Driver      string        `mapstructure:"driver"`
	DSN         string        `mapstructure:"dsn"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type LeaseConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	MaxTTL     time.Duration `mapstructure:"max_ttl"`
	PageSize   int           `mapstructure:"page_size"`
	Retry      RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Jitter     float64       `mapstructure:"jitter"`
}

type ReclaimConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type AuthConfig struct {
	KeysFile string `mapstructure:"keys_file"`
	Watch    bool   `mapstructure:"watch"`
	// TrustedProxies are addresses or CIDR prefixes whose X-Forwarded-For
	// header is believed. Loopback peers are always trusted.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host
// prefix.
func (a AuthConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(a.TrustedProxies))
	for _, raw := range a.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("auth.trusted_proxies: %q is not an address or prefix", raw)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

type CapabilitiesConfig struct {
	Backend     string `mapstructure:"backend"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type IdentityConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

// PoolConfig seeds a slot pool definition at startup.
type PoolConfig struct {
	Project  string `mapstructure:"project"`
	Name     string `mapstructure:"name"`
	Capacity int    `mapstructure:"capacity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:7390")
	v.SetDefault("socket", "")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "interlock.db")
	v.SetDefault("storage.busy_timeout", 5*time.Second)
	v.SetDefault("lease.default_ttl", 15*time.Minute)
	v.SetDefault("lease.max_ttl", 24*time.Hour)
	v.SetDefault("lease.page_size", 100)
	v.SetDefault("lease.retry.max_retries", 5)
	v.SetDefault("lease.retry.base_delay", 20*time.Millisecond)
	v.SetDefault("lease.retry.jitter", 0.25)
	v.SetDefault("reclaim.interval", 15*time.Second)
	v.SetDefault("reclaim.batch_size", 500)
	v.SetDefault("auth.keys_file", "interlock.keys.yaml")
	v.SetDefault("auth.watch", true)
	v.SetDefault("capabilities.backend", "store")
	v.SetDefault("capabilities.redis_addr", "127.0.0.1:6379")
	v.SetDefault("capabilities.redis_prefix", "interlock:caps:")
	v.SetDefault("identity.cache_size", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// FlagKeys maps serve flag names to the config keys they override.
var FlagKeys = map[string]string{
	"listen":           "listen",
	"socket":           "socket",
	"storage":          "storage.driver",
	"db":               "storage.dsn",
	"keys-file":        "auth.keys_file",
	"reclaim-interval": "reclaim.interval",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

// Load reads configuration. path may be empty; flags may be nil. Only flags
// the user actually set override file and environment values.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" && c.Socket == "" {
		errs = append(errs, errors.New("one of listen or socket is required"))
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite or postgres", c.Storage.Driver))
	}
	if c.Lease.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("lease.default_ttl must be positive, got %s", c.Lease.DefaultTTL))
	}
	if c.Lease.MaxTTL < c.Lease.DefaultTTL {
		errs = append(errs, fmt.Errorf("lease.max_ttl %s is below lease.default_ttl %s", c.Lease.MaxTTL, c.Lease.DefaultTTL))
	}
	if c.Lease.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("lease.page_size must be positive, got %d", c.Lease.PageSize))
	}
	if c.Lease.Retry.MaxRetries < 0 || c.Lease.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("lease.retry needs max_retries >= 0 and a positive base_delay"))
	}
	if c.Lease.Retry.Jitter < 0 || c.Lease.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("lease.retry.jitter must be within [0, 1], got %v", c.Lease.Retry.Jitter))
	}
	if c.Reclaim.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reclaim.interval must be positive, got %s", c.Reclaim.Interval))
	}
	if _, err := c.Auth.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch c.Capabilities.Backend {
	case "store":
	case "redis":
		if c.Capabilities.RedisAddr == "" {
			errs = append(errs, errors.New("capabilities.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("capabilities.backend %q must be store or redis", c.Capabilities.Backend))
	}
	for i, p := range c.Pools {
		if p.Project == "" || p.Name == "" || p.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("pools[%d]: project, name and a positive capacity are required", i))
		}
	}
	return errors.Join(errs...)
}
