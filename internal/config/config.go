// Package config provides configuration loading for the possync client and
// the local authority server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the sync engine and transfer policy.
type Config struct {
	// Identity
	DeviceID string `yaml:"device_id"`
	DataDir  string `yaml:"data_dir"`

	// Remote authority
	ServerURL string `yaml:"server_url"`
	AuthToken string `yaml:"auth_token"`

	// Sync engine
	SyncInterval   time.Duration `yaml:"sync_interval"`    // periodic cycle trigger
	SettleDelay    time.Duration `yaml:"settle_delay"`     // delay after reachability before syncing
	ProbeInterval  time.Duration `yaml:"probe_interval"`   // connectivity probe cadence
	RequestTimeout time.Duration `yaml:"request_timeout"`  // per network call, must be finite
	MaxBatchSize   int           `yaml:"max_batch_size"`   // records per sync batch request
	CacheTTL       time.Duration `yaml:"cache_ttl"`        // read-cache entry lifetime, 0 = no expiry

	// Transfer reconciliation policy. Tolerance is the per-line shortfall
	// (as a fraction of quantity sent) that is still auto-accepted as a
	// full receipt. Zero means any mismatch is a discrepancy.
	DiscrepancyTolerance float64 `yaml:"discrepancy_tolerance"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		DeviceID:             "",
		DataDir:              "./data",
		ServerURL:            "",
		SyncInterval:         3 * time.Minute,
		SettleDelay:          5 * time.Second,
		ProbeInterval:        15 * time.Second,
		RequestTimeout:       10 * time.Second,
		MaxBatchSize:         50,
		CacheTTL:             0,
		DiscrepancyTolerance: 0,
		LogLevel:             "info",
	}
}

// Load reads a YAML config file, layering it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that would break sync guarantees.
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	if c.DiscrepancyTolerance < 0 || c.DiscrepancyTolerance >= 1 {
		return fmt.Errorf("discrepancy_tolerance must be in [0, 1)")
	}
	return nil
}
