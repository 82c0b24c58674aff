// Package cli holds keys-file editing used by the interlock command.
package cli

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/core"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Projects map[string]projectKeys `yaml:"projects"`
}

type projectKeys struct {
	Keys   []string            `yaml:"keys"`
	Agents map[string][]string `yaml:"agents,omitempty"`
}

// InitKeysFile adds a fresh API key for project to the keys file at path,
// creating the file if needed. Each admin is granted force-release.
func InitKeysFile(path, project string, admins ...string) (string, error) {
	path = strings.TrimSpace(path)
	project = strings.TrimSpace(project)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if project == "" {
		return "", fmt.Errorf("project required")
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	pk := cfg.Projects[project]
	pk.Keys = append(pk.Keys, key)
	cfg.Projects[project] = pk
	for _, name := range admins {
		grant(&cfg, project, name, core.CapabilityForceRelease)
	}
	if err := writeKeysFile(path, &cfg); err != nil {
		return "", err
	}
	return key, nil
}

// GrantCapabilities adds capabilities to an agent's entry in the keys
// file. A running server picks the change up on its next reload.
func GrantCapabilities(path, project, agent string, capabilities ...string) error {
	project = strings.TrimSpace(project)
	agent = strings.TrimSpace(agent)
	if project == "" || agent == "" {
		return fmt.Errorf("project and agent required")
	}
	if len(capabilities) == 0 {
		return fmt.Errorf("at least one capability required")
	}
	cfg, err := loadKeysFile(path)
	if err != nil {
		return err
	}
	for _, c := range capabilities {
		grant(&cfg, project, agent, c)
	}
	return writeKeysFile(path, &cfg)
}

func grant(cfg *keysFile, project, agent, capability string) {
	pk := cfg.Projects[project]
	if pk.Agents == nil {
		pk.Agents = make(map[string][]string)
	}
	if !slices.Contains(pk.Agents[agent], capability) {
		pk.Agents[agent] = append(pk.Agents[agent], capability)
	}
	cfg.Projects[project] = pk
}

func loadKeysFile(path string) (keysFile, error) {
	cfg := keysFile{Projects: make(map[string]projectKeys)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	if cfg.Projects == nil {
		cfg.Projects = make(map[string]projectKeys)
	}
	return cfg, nil
}

// writeKeysFile replaces path atomically so a watching server never reads
// a half-written file.
func writeKeysFile(path string, cfg *keysFile) error {
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal keys file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write keys file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace keys file: %w", err)
	}
	return nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
