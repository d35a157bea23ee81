package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ProfilesConfig holds per-environment overrides (dev, staging, prod).
type ProfilesConfig struct {
	Profiles map[string]Config `yaml:"profiles"`
}

// Manager resolves the effective config for a deployment profile by
// layering profile overrides on top of the base config.
type Manager struct {
	base     *Config
	profiles map[string]Config
	mu       sync.RWMutex
}

// NewManager loads the base config and, when present, the profiles file. A
// missing profiles file just means no overrides.
func NewManager(basePath, profilesPath string) (*Manager, error) {
	base, err := LoadConfig(basePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(profilesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{base: base, profiles: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var pc ProfilesConfig
	if err := yaml.NewDecoder(f).Decode(&pc); err != nil {
		return nil, err
	}
	return &Manager{base: base, profiles: pc.Profiles}, nil
}

// Get returns the effective config for a profile, zero-valued override
// fields fall through to the base.
func (m *Manager) Get(profile string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.base

	if override, ok := m.profiles[profile]; ok {
		if override.Server.Port != "" {
			effective.Server = override.Server
		}
		if override.Database.DSN != "" {
			effective.Database = override.Database
		}
		if override.Redis.Addr != "" {
			effective.Redis = override.Redis
		}
		if override.Ledger.Mode != "" {
			effective.Ledger = override.Ledger
		}
		if override.Recovery.TickIntervalSeconds != 0 {
			effective.Recovery = override.Recovery
		}
		if override.Escrow.FeeBps != 0 {
			effective.Escrow = override.Escrow
		}
		if override.Reconciliation.IntervalHours != 0 {
			effective.Reconciliation = override.Reconciliation
		}
	}
	return &effective
}
