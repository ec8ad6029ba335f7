// Package config loads the daemon configuration from
// $TASKHIVE_HOME/config.yaml with environment overrides. Everything is
// read once at boot except the keys documented on Reloadable, which the
// watcher re-reads and hands to its callback.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// WebhookConfig names one external subscriber for change events.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Topics []string `yaml:"topics"` // topic prefixes; empty means all
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp-http"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// StaleTimeout is the reservation lease. A task held in_progress past
	// this duration is auto-unlocked by the sweeper.
	StaleTimeout time.Duration `yaml:"stale_timeout"`
	// SweepInterval defaults to StaleTimeout/4 and is clamped so the
	// sweeper always runs at least that often.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// WriteRetryBudget bounds internal retries of conflicting writer
	// transactions before surfacing tx_aborted.
	WriteRetryBudget int `yaml:"write_retry_budget"`
	// SlowQueryThreshold: queries slower than this are logged.
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`

	Webhooks []WebhookConfig `yaml:"webhooks"`
	OTel     OTelConfig      `yaml:"otel"`
}

// Reloadable lists the keys the watcher re-reads and passes to its
// callback without a restart. The daemon applies stale_timeout live; the
// running logger keeps the log_level it was built with at boot.
var Reloadable = []string{"stale_timeout", "log_level"}

const (
	defaultStaleTimeout       = 24 * time.Hour
	defaultWriteRetryBudget   = 5
	defaultSlowQueryThreshold = 100 * time.Millisecond
)

// DefaultHomeDir resolves the data directory: $TASKHIVE_HOME or
// ~/.taskhive.
func DefaultHomeDir() string {
	if env := os.Getenv("TASKHIVE_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskhive")
}

// Default returns the configuration used when no file exists.
func Default(homeDir string) Config {
	return Config{
		HomeDir:            homeDir,
		DBPath:             filepath.Join(homeDir, "taskhive.db"),
		LogLevel:           "info",
		StaleTimeout:       defaultStaleTimeout,
		WriteRetryBudget:   defaultWriteRetryBudget,
		SlowQueryThreshold: defaultSlowQueryThreshold,
	}
}

// Load reads config.yaml under homeDir, applies defaults and env
// overrides, and validates the result. A missing file is not an error.
func Load(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.HomeDir = homeDir
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if env := os.Getenv("TASKHIVE_DB_PATH"); env != "" {
		cfg.DBPath = env
	}
	if env := os.Getenv("TASKHIVE_LOG_LEVEL"); env != "" {
		cfg.LogLevel = env
	}
	if env := os.Getenv("TASKHIVE_STALE_TIMEOUT"); env != "" {
		d, err := time.ParseDuration(env)
		if err != nil {
			return Config{}, fmt.Errorf("TASKHIVE_STALE_TIMEOUT: %w", err)
		}
		cfg.StaleTimeout = d
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "taskhive.db")
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = defaultStaleTimeout
	}
	if c.SweepInterval <= 0 || c.SweepInterval > c.StaleTimeout/4 {
		c.SweepInterval = c.StaleTimeout / 4
	}
	if c.WriteRetryBudget <= 0 {
		c.WriteRetryBudget = defaultWriteRetryBudget
	}
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = defaultSlowQueryThreshold
	}
	if c.OTel.SampleRate <= 0 {
		c.OTel.SampleRate = 1.0
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.StaleTimeout < time.Minute {
		return fmt.Errorf("stale_timeout %s is below the 1m minimum", c.StaleTimeout)
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
	}
	switch c.OTel.Exporter {
	case "", "stdout", "otlp-http":
	default:
		return fmt.Errorf("otel.exporter %q: must be stdout or otlp-http", c.OTel.Exporter)
	}
	return nil
}
