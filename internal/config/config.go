// Package config loads the service configuration: YAML file, optional
// per-profile overlays, and environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Recovery       RecoveryConfig       `yaml:"recovery"`
	Escrow         EscrowConfig         `yaml:"escrow"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type LedgerConfig struct {
	// Mode is "mock" (in-memory ledger, dev and tests) or "rpc".
	Mode     string `yaml:"mode"`
	Endpoint string `yaml:"endpoint"`
	Treasury string `yaml:"treasury"`
}

type RecoveryConfig struct {
	TickIntervalSeconds   int `yaml:"tick_interval_seconds"`   // default 30
	StuckScanMinutes      int `yaml:"stuck_scan_minutes"`      // default 5
	DLQSampleMinutes      int `yaml:"dlq_sample_minutes"`      // default 10
	MaxRetries            int `yaml:"max_retries"`             // default 5
	BackoffCapMinutes     int `yaml:"backoff_cap_minutes"`     // default 60
	BatchSize             int `yaml:"batch_size"`              // default 10
	StuckThresholdMinutes int `yaml:"stuck_threshold_minutes"` // default 5
}

type EscrowConfig struct {
	FeeBps           int      `yaml:"fee_bps"`           // default 50
	QuorumPct        int      `yaml:"quorum_pct"`        // default 51
	MultiSigRequired int      `yaml:"multisig_required"` // default 2
	Admins           []string `yaml:"admins"`
}

type ReconciliationConfig struct {
	IntervalHours int `yaml:"interval_hours"` // default 6
	BatchSize     int `yaml:"batch_size"`     // default 50, max 200
}

// Default returns the production defaults; a config file and environment
// variables override field by field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis:  RedisConfig{ChannelPrefix: "torc:events:"},
		Ledger: LedgerConfig{Mode: "mock", Treasury: "0xtreasury"},
		Recovery: RecoveryConfig{
			TickIntervalSeconds:   30,
			StuckScanMinutes:      5,
			DLQSampleMinutes:      10,
			MaxRetries:            5,
			BackoffCapMinutes:     60,
			BatchSize:             10,
			StuckThresholdMinutes: 5,
		},
		Escrow:         EscrowConfig{FeeBps: 50, QuorumPct: 51, MultiSigRequired: 2},
		Reconciliation: ReconciliationConfig{IntervalHours: 6, BatchSize: 50},
	}
}

// LoadConfig reads a YAML file over the defaults, then applies environment
// overrides. A missing file is not an error; env-only deployments are fine.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "APP_ENV")
	setStr(&c.Database.DSN, "DATABASE_URL")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setStr(&c.Ledger.Mode, "LEDGER_MODE")
	setStr(&c.Ledger.Endpoint, "LEDGER_ENDPOINT")
	setStr(&c.Ledger.Treasury, "LEDGER_TREASURY")
	setInt(&c.Recovery.TickIntervalSeconds, "RECOVERY_TICK_SECONDS")
	setInt(&c.Recovery.MaxRetries, "RECOVERY_MAX_RETRIES")
	setInt(&c.Recovery.BackoffCapMinutes, "RECOVERY_BACKOFF_CAP_MINUTES")
	setInt(&c.Escrow.FeeBps, "ESCROW_FEE_BPS")
	setInt(&c.Escrow.QuorumPct, "ESCROW_QUORUM_PCT")
	setInt(&c.Reconciliation.IntervalHours, "RECONCILIATION_INTERVAL_HOURS")
	setInt(&c.Reconciliation.BatchSize, "RECONCILIATION_BATCH_SIZE")
	if v := os.Getenv("ESCROW_ADMINS"); v != "" {
		c.Escrow.Admins = splitList(v)
	}
}

func (c *Config) validate() error {
	if c.Escrow.FeeBps <= 0 || c.Escrow.FeeBps >= 10000 {
		return fmt.Errorf("config: escrow.fee_bps %d out of range (1..9999)", c.Escrow.FeeBps)
	}
	if c.Escrow.QuorumPct <= 0 || c.Escrow.QuorumPct > 100 {
		return fmt.Errorf("config: escrow.quorum_pct %d out of range (1..100)", c.Escrow.QuorumPct)
	}
	if c.Reconciliation.BatchSize > 200 {
		return fmt.Errorf("config: reconciliation.batch_size %d exceeds maximum 200", c.Reconciliation.BatchSize)
	}
	switch c.Ledger.Mode {
	case "mock", "rpc":
	default:
		return fmt.Errorf("config: ledger.mode %q must be mock or rpc", c.Ledger.Mode)
	}
	return nil
}

// Duration accessors keep callers out of the int-field plumbing.

func (c *RecoveryConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c *RecoveryConfig) StuckScanInterval() time.Duration {
	return time.Duration(c.StuckScanMinutes) * time.Minute
}

func (c *RecoveryConfig) DLQSampleInterval() time.Duration {
	return time.Duration(c.DLQSampleMinutes) * time.Minute
}

func (c *RecoveryConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMinutes) * time.Minute
}

func (c *ReconciliationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

func setStr(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
