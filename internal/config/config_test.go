package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadFrom(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hivegate.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HIVEGATE_CONFIG", path)
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HIVEGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected default web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 100 {
		t.Errorf("expected default max_concurrent 100, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Pricing.BaseCost != 3 || cfg.Pricing.PerAgentCost != 2 {
		t.Errorf("unexpected default pricing: %+v", cfg.Pricing)
	}
	if cfg.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("expected 30s poll interval, got %v", cfg.Scheduler.PollInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadFrom(t, `
web:
  port: 9090
pricing:
  base_cost: 5
  per_agent_cost: 1.5
sandbox:
  image: custom:latest
  max_concurrent: 10
`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Pricing.BaseCost != 5 || cfg.Pricing.PerAgentCost != 1.5 {
		t.Errorf("unexpected pricing: %+v", cfg.Pricing)
	}
	if cfg.Sandbox.Image != "custom:latest" {
		t.Errorf("expected custom image, got %s", cfg.Sandbox.Image)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_SANDBOX_IMAGE", "expanded:1")
	cfg, err := loadFrom(t, "sandbox:\n  image: ${TEST_SANDBOX_IMAGE}\n")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sandbox.Image != "expanded:1" {
		t.Errorf("expected env expansion, got %s", cfg.Sandbox.Image)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIVEGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("HIVEGATE_WEB_PORT", "7000")
	t.Setenv("HIVEGATE_STORE_PATH", "/tmp/other.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web.Port != 7000 {
		t.Errorf("expected port 7000, got %d", cfg.Web.Port)
	}
	if cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("expected overridden store path, got %s", cfg.Store.Path)
	}
}

func TestValidation(t *testing.T) {
	if _, err := loadFrom(t, "sandbox:\n  max_concurrent: 0\n"); err == nil {
		t.Fatal("expected error for max_concurrent 0")
	}
	if _, err := loadFrom(t, "pricing:\n  base_cost: -1\n"); err == nil {
		t.Fatal("expected error for negative base_cost")
	}
}
