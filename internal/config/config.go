// Package config provides Switchboard's YAML configuration loading and
// hot-reload, built around fsnotify and an atomic-pointer-swap config
// manager trimmed to the deployment list this system needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsflow/switchboard/internal/deployment"
)

// Config is the complete Switchboard configuration.
type Config struct {
	Deployments         []deployment.Config `yaml:"deployments"`
	HealthcheckInterval time.Duration       `yaml:"healthcheck_interval"`
	RatelimitWindow     time.Duration       `yaml:"ratelimit_window"`
	SessionCapacity     int                 `yaml:"session_capacity"`
	MaxAttempts         int                 `yaml:"max_attempts"`
	Logging             LoggingConfig       `yaml:"logging"`
}

// LoggingConfig holds the process-wide logging knobs.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a configuration with sensible defaults for
// healthcheck interval, session capacity, and max outer-loop attempts.
func DefaultConfig() *Config {
	return &Config{
		HealthcheckInterval: 10 * time.Second,
		RatelimitWindow:     60 * time.Second,
		SessionCapacity:     1024,
		MaxAttempts:         3,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the form ${VAR_NAME} are expanded before parsing, so API
// keys need not live in the file itself.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Deployments) == 0 {
		return fmt.Errorf("at least one deployment must be configured")
	}

	seen := make(map[string]bool, len(c.Deployments))
	for i, d := range c.Deployments {
		if d.Name == "" {
			return fmt.Errorf("deployments[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("deployments[%d]: duplicate deployment name %q", i, d.Name)
		}
		seen[d.Name] = true

		if d.APIBase == "" {
			return fmt.Errorf("deployment %q: api_base is required", d.Name)
		}
		if d.TPMRatelimit < 0 || d.RPMRatelimit < 0 {
			return fmt.Errorf("deployment %q: rate limits cannot be negative", d.Name)
		}
	}

	if c.HealthcheckInterval < 0 {
		return fmt.Errorf("healthcheck_interval cannot be negative")
	}
	if c.RatelimitWindow < 0 {
		return fmt.Errorf("ratelimit_window cannot be negative")
	}
	if c.SessionCapacity < 0 {
		return fmt.Errorf("session_capacity cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}

	return nil
}
