// Package appliance implements the agent loop (C5): the appliance-side state
// machine that ties together check-in, credential refresh, order
// verification, drift scanning, healing, and evidence emission into one
// periodic tick.
package appliance

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds appliance agent-loop configuration.
type Config struct {
	SiteID      string `yaml:"site_id"`
	ApplianceID string `yaml:"appliance_id"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`

	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	NTPMaxSkewMS        int `yaml:"ntp_max_skew_ms"`

	StateDir string `yaml:"state_dir"`

	L2Enabled        bool     `yaml:"l2_enabled"`
	L2APIKey         string   `yaml:"l2_api_key"`
	L2APIModel       string   `yaml:"l2_api_model"`
	L2APIEndpoint    string   `yaml:"l2_api_endpoint"`
	L2DailyBudgetUSD float64  `yaml:"l2_daily_budget_usd"`
	L2AllowedActions []string `yaml:"l2_allowed_actions"`

	EnabledCheckTypes []string `yaml:"enabled_check_types"`

	ShutdownBudgetSeconds int `yaml:"shutdown_budget_seconds"`
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		APIEndpoint:           "https://plane.osiriscare.net",
		TickIntervalSeconds:   60,
		NTPMaxSkewMS:          5000,
		StateDir:              "/var/lib/fleetguard",
		L2APIEndpoint:         "https://api.anthropic.com",
		L2APIModel:            "claude-haiku-4-5-20251001",
		L2DailyBudgetUSD:      10.00,
		ShutdownBudgetSeconds: 15,
	}
}

// LoadConfig reads YAML config from path and applies environment overrides,
// matching the teacher's convention of env vars taking precedence over file
// values for operational knobs.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("L2_API_KEY"); v != "" {
		cfg.L2APIKey = v
		cfg.L2Enabled = true
	}
	if v := os.Getenv("NTP_MAX_SKEW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NTPMaxSkewMS = n
		}
	}

	if cfg.SiteID == "" {
		return nil, fmt.Errorf("site_id is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required")
	}
	if cfg.TickIntervalSeconds < 10 {
		cfg.TickIntervalSeconds = 10
	}

	return &cfg, nil
}

// SigningKeyPath returns the path to the appliance's Ed25519 signing key.
func (c *Config) SigningKeyPath() string {
	return filepath.Join(c.StateDir, "keys", "signing.key")
}

// QueueDir returns the directory holding the per-destination outbound queues.
func (c *Config) QueueDir() string {
	return filepath.Join(c.StateDir, "queue")
}

// RulesDir returns the L1 rules directory (custom/synced/promoted rules).
func (c *Config) RulesDir() string {
	return filepath.Join(c.StateDir, "rules")
}

// StateFilePath returns the path to the appliance's persisted tick state
// (chain head, executed order IDs).
func (c *Config) StateFilePath() string {
	return filepath.Join(c.StateDir, "appliance_state.json")
}
