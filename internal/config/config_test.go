package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StaleTimeout != 24*time.Hour {
		t.Fatalf("expected 24h lease, got %s", cfg.StaleTimeout)
	}
	if cfg.SweepInterval != 6*time.Hour {
		t.Fatalf("sweep interval defaults to a quarter of the lease, got %s", cfg.SweepInterval)
	}
	if cfg.WriteRetryBudget != 5 {
		t.Fatalf("expected retry budget 5, got %d", cfg.WriteRetryBudget)
	}
	if cfg.SlowQueryThreshold != 100*time.Millisecond {
		t.Fatalf("expected 100ms slow-query threshold, got %s", cfg.SlowQueryThreshold)
	}
	if cfg.DBPath != filepath.Join(dir, "taskhive.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("stale_timeout: 2h\nlog_level: debug\nwebhooks:\n  - url: https://hooks.example.com/taskhive\n    topics: [\"task.\"]\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StaleTimeout != 2*time.Hour {
		t.Fatalf("expected 2h, got %s", cfg.StaleTimeout)
	}
	if cfg.SweepInterval != 30*time.Minute {
		t.Fatalf("sweep interval must track the lease, got %s", cfg.SweepInterval)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL == "" {
		t.Fatalf("webhook not parsed: %+v", cfg.Webhooks)
	}
}

func TestSweepIntervalClampedToQuarterLease(t *testing.T) {
	dir := t.TempDir()
	content := []byte("stale_timeout: 4h\nsweep_interval: 3h\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != time.Hour {
		t.Fatalf("sweep interval must clamp to lease/4, got %s", cfg.SweepInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKHIVE_STALE_TIMEOUT", "90m")
	t.Setenv("TASKHIVE_LOG_LEVEL", "warn")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StaleTimeout != 90*time.Minute {
		t.Fatalf("env override lost, got %s", cfg.StaleTimeout)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env override lost, got %q", cfg.LogLevel)
	}
}

func TestValidateRejectsTinyLease(t *testing.T) {
	dir := t.TempDir()
	content := []byte("stale_timeout: 10s\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("a sub-minute lease must be rejected")
	}
}

func TestValidateRejectsUnknownExporter(t *testing.T) {
	dir := t.TempDir()
	content := []byte("otel:\n  enabled: true\n  exporter: carrier-pigeon\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("unknown exporter must be rejected")
	}
}
