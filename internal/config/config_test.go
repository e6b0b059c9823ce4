package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
anthropic:
  api_key: test-key
  model: claude-sonnet-4-20250514
orchestrator:
  max_concurrency: 4
  poll_interval: 2s
  max_retries: 1
pause:
  failure_threshold: 5
  failure_window: 30m
server:
  enabled: true
  addr: 127.0.0.1:9000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("api_key = %q", cfg.Anthropic.APIKey)
	}
	if cfg.Orchestrator.MaxConcurrency != 4 || cfg.Orchestrator.PollInterval != 2*time.Second {
		t.Errorf("orchestrator section: %+v", cfg.Orchestrator)
	}
	if cfg.Pause.FailureThreshold != 5 || cfg.Pause.FailureWindow != 30*time.Minute {
		t.Errorf("pause section: %+v", cfg.Pause)
	}
	if !cfg.Server.Enabled || cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("server section: %+v", cfg.Server)
	}
}

func TestLoadFromPathDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("anthropic:\n  api_key: k\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Orchestrator.MaxConcurrency != 2 {
		t.Errorf("default max_concurrency = %d", cfg.Orchestrator.MaxConcurrency)
	}
	if cfg.Orchestrator.PollInterval != 5*time.Second {
		t.Errorf("default poll_interval = %s", cfg.Orchestrator.PollInterval)
	}
	if !cfg.Orchestrator.AutoStart {
		t.Error("auto_start should default to true")
	}
	if cfg.Pause.RateLimitBackoff != 5*time.Minute {
		t.Errorf("default rate_limit_backoff = %s", cfg.Pause.RateLimitBackoff)
	}
	if cfg.Server.Enabled {
		t.Error("server should default to disabled")
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandEnvInAPIKey(t *testing.T) {
	t.Setenv("AUTOFLOW_TEST_SECRET", "sekrit")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "anthropic:\n  api_key: ${AUTOFLOW_TEST_SECRET}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Anthropic.APIKey != "sekrit" {
		t.Errorf("api_key = %q, want expanded env var", cfg.Anthropic.APIKey)
	}
}

func TestDefaultMatchesSetDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Orchestrator.MaxConcurrency != 2 || cfg.Pause.FailureThreshold != 3 {
		t.Errorf("defaults drifted: %+v", cfg)
	}
}
