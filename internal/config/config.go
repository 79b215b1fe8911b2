// Package config loads runtime configuration from the environment, with an
// optional YAML overrides file for per-machine tweaks (extra store paths,
// alternate API base URL, custom plan credits).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string `env:"CURSORSYNC_ADDR" envDefault:"127.0.0.1:8087"`
	DBPath         string `env:"CURSORSYNC_DB" envDefault:"cursor-sync.db"`
	APIBaseURL     string `env:"CURSORSYNC_API_BASE" envDefault:"https://cursor.com"`
	EncryptionKey  string `env:"CURSORSYNC_ENCRYPTION_KEY"` // 64 hex chars; empty derives the shared default key
	HTTPTimeoutSec int    `env:"CURSORSYNC_HTTP_TIMEOUT" envDefault:"60"`
	ScanRetries    int    `env:"CURSORSYNC_SCAN_RETRIES" envDefault:"3"`
	LogLevel       string `env:"CURSORSYNC_LOG_LEVEL" envDefault:"info"`
	LogPretty      bool   `env:"CURSORSYNC_LOG_PRETTY" envDefault:"true"`
	OverridesFile  string `env:"CURSORSYNC_CONFIG"`

	Overrides Overrides `env:"-"`
}

// Overrides is the optional YAML file content. Everything in it is additive;
// absent fields keep the environment-derived values.
type Overrides struct {
	APIBaseURL      string             `yaml:"api_base_url"`
	ExtraStorePaths []string           `yaml:"extra_store_paths"`
	PlanCredits     map[string]float64 `yaml:"plan_credits"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.OverridesFile != "" {
		data, err := os.ReadFile(cfg.OverridesFile)
		if err != nil {
			return nil, fmt.Errorf("read overrides file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Overrides); err != nil {
			return nil, fmt.Errorf("parse overrides file: %w", err)
		}
		if cfg.Overrides.APIBaseURL != "" {
			cfg.APIBaseURL = cfg.Overrides.APIBaseURL
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("CURSORSYNC_ENCRYPTION_KEY must be hex encoded: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("CURSORSYNC_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}
	if c.HTTPTimeoutSec <= 0 {
		return fmt.Errorf("CURSORSYNC_HTTP_TIMEOUT must be positive")
	}
	if c.ScanRetries < 1 {
		return fmt.Errorf("CURSORSYNC_SCAN_RETRIES must be at least 1")
	}
	return nil
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}
