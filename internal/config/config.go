// Package config provides YAML configuration loading and validation for the
// stratodb engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the stratodb engine.
type Config struct {
	// StorePath is the SQLite file the engine's read-write and read-only
	// store handles open (or ":memory:"). Required.
	StorePath string `yaml:"store_path"`

	// QueuePath is the SQLite file the event queue table lives in. Defaults
	// to StorePath when omitted — the common case, where the queue table
	// and the model tables share one file and one connection. In either
	// case the processed row is written back to the queue in its own
	// commit, after the model-apply transaction has committed, not inside
	// it (see DESIGN.md).
	QueuePath string `yaml:"queue_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// PollInterval is how often the polling loop re-checks the queue for
	// an event written by another process, when it has nothing local to
	// wake it. Defaults to 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxRetry is the number of consecutive transient failures the polling
	// loop tolerates before giving up on the event at the head of the
	// queue and surfacing a fatal error. Defaults to 38.
	MaxRetry int `yaml:"max_retry"`

	// BackoffBase is multiplied by the current consecutive-error count to
	// produce the sleep duration between retry attempts. Defaults to 5s.
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.QueuePath == "" {
		cfg.QueuePath = cfg.StorePath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.MaxRetry == 0 {
		cfg.MaxRetry = 38
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5000 * time.Millisecond
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.StorePath == "" {
		errs = append(errs, errors.New("store_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval %s must not be negative", cfg.PollInterval))
	}
	if cfg.MaxRetry < 1 {
		errs = append(errs, fmt.Errorf("max_retry %d must be at least 1", cfg.MaxRetry))
	}
	if cfg.BackoffBase < 0 {
		errs = append(errs, fmt.Errorf("backoff_base %s must not be negative", cfg.BackoffBase))
	}

	return errors.Join(errs...)
}
