// Package config loads the daemon configuration from neutron.yaml, with
// environment overrides for the fields that differ per machine.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values for a fresh install.
const (
	DefaultListenAddr    = "127.0.0.1:7433"
	DefaultSyncSchedule  = "*/5 * * * *"
	DefaultSweepSchedule = "* * * * *"
)

// Config is the resolved daemon configuration.
type Config struct {
	// DataDir holds the SQLite databases, peers.json, and the peer id file.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the HTTP listen address for the exchange endpoint and
	// the change feed.
	ListenAddr string `yaml:"listen_addr"`

	// SyncSchedule is the cron expression driving peer sync rounds.
	SyncSchedule string `yaml:"sync_schedule"`

	// SweepSchedule is the cron expression driving the promotion sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`

	// WatchRoots are directories the file trigger watcher observes.
	WatchRoots []string `yaml:"watch_roots"`

	// Peers seeds the peer registry on first start.
	Peers []PeerSeed `yaml:"peers"`

	// TeamKeys maps team ids to hex-encoded HMAC keys. Teams without a key
	// run unsigned (dev mode).
	TeamKeys map[string]string `yaml:"team_keys"`

	// RequireSignatures drops inbound team operations that carry no
	// signature. Leave off while peers are still being keyed.
	RequireSignatures bool `yaml:"require_signatures"`
}

// PeerSeed is one pre-configured sync peer.
type PeerSeed struct {
	PeerID string `yaml:"peer_id"`
	Name   string `yaml:"name,omitempty"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
}

// Default returns the configuration a machine gets with no config file.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:       filepath.Join(home, ".neutron"),
		ListenAddr:    DefaultListenAddr,
		SyncSchedule:  DefaultSyncSchedule,
		SweepSchedule: DefaultSweepSchedule,
	}
}

// Load reads path and applies environment overrides. A missing file is not
// an error; defaults apply.
//
// Environment variables:
//   - NEUTRON_DATA_DIR: overrides data_dir
//   - NEUTRON_LISTEN_ADDR: overrides listen_addr
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // G304 - path chosen by the operator
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if dir := os.Getenv("NEUTRON_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if addr := os.Getenv("NEUTRON_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	for teamID, key := range c.TeamKeys {
		if _, err := hex.DecodeString(key); err != nil {
			return fmt.Errorf("team key for %s is not hex: %w", teamID, err)
		}
	}
	for i, p := range c.Peers {
		if p.PeerID == "" || p.Host == "" || p.Port == 0 {
			return fmt.Errorf("peer %d: peer_id, host, and port are required", i)
		}
	}
	return nil
}

// DecodedTeamKeys returns the team keys as raw bytes.
func (c *Config) DecodedTeamKeys() map[string][]byte {
	if len(c.TeamKeys) == 0 {
		return nil
	}
	keys := make(map[string][]byte, len(c.TeamKeys))
	for teamID, hexKey := range c.TeamKeys {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			continue // validate rejected these already
		}
		keys[teamID] = key
	}
	return keys
}
