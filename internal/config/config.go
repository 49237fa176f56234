// Package config loads coordinator settings from yaml with environment
// overrides, plus the analysis stage roster from its own config file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the coordinator's runtime settings.
type Config struct {
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	HTTPAddr       string `mapstructure:"http_addr"`
	HistoryPath    string `mapstructure:"history_path"`
	AgentsURL      string `mapstructure:"agents_url"`
	AgentsTimeout  int    `mapstructure:"agents_timeout_seconds"`

	Dispatch struct {
		RatePerMinute int `mapstructure:"rate_per_minute"`
		MaxJitterMs   int `mapstructure:"max_jitter_ms"`
	} `mapstructure:"dispatch"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// MaxJitter returns the dispatch jitter as a duration.
func (c *Config) MaxJitter() time.Duration {
	return time.Duration(c.Dispatch.MaxJitterMs) * time.Millisecond
}

// AgentsTimeoutDuration returns the per-stage agents call timeout.
func (c *Config) AgentsTimeoutDuration() time.Duration {
	return time.Duration(c.AgentsTimeout) * time.Second
}

// Load reads coordinator.yaml from COORDINATOR_CONFIG_PATH (or
// ./config/coordinator.yaml), applies COORDINATOR_* env overrides, and fills
// defaults. A missing config file is fine; env and defaults still apply.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("max_concurrency", 4)
	v.SetDefault("http_addr", ":8090")
	v.SetDefault("history_path", "")
	v.SetDefault("agents_url", "http://localhost:8000")
	v.SetDefault("agents_timeout_seconds", 120)
	v.SetDefault("dispatch.rate_per_minute", 0)
	v.SetDefault("dispatch.max_jitter_ms", 500)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("COORDINATOR_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/coordinator.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler would refuse at run time.
func (c *Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.Dispatch.RatePerMinute < 0 {
		return fmt.Errorf("dispatch.rate_per_minute must not be negative, got %d", c.Dispatch.RatePerMinute)
	}
	if c.Dispatch.MaxJitterMs < 0 {
		return fmt.Errorf("dispatch.max_jitter_ms must not be negative, got %d", c.Dispatch.MaxJitterMs)
	}
	return nil
}
