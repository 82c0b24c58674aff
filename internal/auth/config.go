package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "interlock.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Projects map[string]projectKeys `yaml:"projects"`
}

type projectKeys struct {
	Keys []string `yaml:"keys"`
	// Agents lists capability grants by agent name, applied to the agent
	// registry when the keyring is loaded.
	Agents map[string][]string `yaml:"agents,omitempty"`
}

// AgentGrant is one agent's capability set from the keys file.
type AgentGrant struct {
	Project      string
	Name         string
	Capabilities []string
}

type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToProject              map[string]string
	grants                    []AgentGrant
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("INTERLOCK_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

func LoadKeyringFromEnv() (*Keyring, error) {
	return LoadKeyring(ResolveKeysPath())
}

// LoadKeyring reads the keys file at path, bootstrapping a dev key first if
// it does not exist. An empty path yields a keyring with no keys.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, err := BootstrapDevKey(path, "dev"); err != nil {
				return nil, fmt.Errorf("bootstrap dev key: %w", err)
			}
			data, err = os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read keys file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	return parseKeyring(data)
}

func parseKeyring(data []byte) (*Keyring, error) {
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := defaultKeyring()
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for project, keys := range cfg.Projects {
		for _, key := range keys.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToProject[key]; ok && existing != project {
				return nil, fmt.Errorf("key reused across projects: %q", key)
			}
			ring.keyToProject[key] = project
		}
		for name, caps := range keys.Agents {
			name = strings.TrimSpace(name)
			if name == "" {
				return nil, fmt.Errorf("project %q: agent with empty name", project)
			}
			ring.grants = append(ring.grants, AgentGrant{Project: project, Name: name, Capabilities: caps})
		}
	}
	sort.Slice(ring.grants, func(i, j int) bool {
		if ring.grants[i].Project != ring.grants[j].Project {
			return ring.grants[i].Project < ring.grants[j].Project
		}
		return ring.grants[i].Name < ring.grants[j].Name
	})
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToProject: make(map[string]string)}
}

func NewKeyring(allowLocalhost bool, keyToProject map[string]string) *Keyring {
	clone := make(map[string]string, len(keyToProject))
	for k, v := range keyToProject {
		clone[k] = v
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToProject: clone}
}

func (k *Keyring) ProjectForKey(key string) (string, bool) {
	if k == nil {
		return "", false
	}
	project, ok := k.keyToProject[key]
	return project, ok
}

// Grants returns the agent capability grants, ordered by project then name.
func (k *Keyring) Grants() []AgentGrant {
	if k == nil {
		return nil
	}
	return k.grants
}

// Keyring lets a fixed keyring serve as a Source.
func (k *Keyring) Keyring() *Keyring { return k }
