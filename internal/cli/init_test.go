package cli

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
)

type testKeysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Projects map[string]struct {
		Keys   []string            `yaml:"keys"`
		Agents map[string][]string `yaml:"agents"`
	} `yaml:"projects"`
}

func readKeys(t *testing.T, path string) testKeysFile {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	var cfg testKeysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	return cfg
}

func TestInitKeysFileCreatesProjectKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	key, err := InitKeysFile(path, "platform", "ops")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if key == "" {
		t.Fatalf("expected generated key")
	}
	cfg := readKeys(t, path)
	keys := cfg.Projects["platform"].Keys
	if len(keys) == 0 || keys[0] != key {
		t.Fatalf("expected platform key %q, got %+v", key, keys)
	}
	if caps := cfg.Projects["platform"].Agents["ops"]; len(caps) != 1 || caps[0] != core.CapabilityForceRelease {
		t.Fatalf("expected ops to hold force-release, got %+v", caps)
	}
	if !cfg.DefaultPolicy.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass on by default")
	}
}

func TestInitKeysFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	first, err := InitKeysFile(path, "platform")
	if err != nil {
		t.Fatalf("first init: %v", err)
	}
	second, err := InitKeysFile(path, "platform", "ops")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if _, err := InitKeysFile(path, "platform", "ops"); err != nil {
		t.Fatalf("third init: %v", err)
	}
	cfg := readKeys(t, path)
	keys := cfg.Projects["platform"].Keys
	if len(keys) != 3 || keys[0] != first || keys[1] != second {
		t.Fatalf("expected keys to accumulate, got %+v", keys)
	}
	if caps := cfg.Projects["platform"].Agents["ops"]; len(caps) != 1 {
		t.Fatalf("expected grant not to duplicate, got %+v", caps)
	}
}

func TestGrantCapabilitiesLoadsIntoKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if _, err := InitKeysFile(path, "proj"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := GrantCapabilities(path, "proj", "alice", core.CapabilityForceRelease); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := GrantCapabilities(path, "proj", "", core.CapabilityForceRelease); err == nil {
		t.Fatalf("expected error for empty agent")
	}

	ring, err := auth.LoadKeyring(path)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	grants := ring.Grants()
	if len(grants) != 1 || grants[0].Name != "alice" || grants[0].Capabilities[0] != core.CapabilityForceRelease {
		t.Fatalf("unexpected grants: %+v", grants)
	}
}
