package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "github:\n  app_id: 42\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GitHub.AppID != 42 {
		t.Errorf("AppID = %d, want 42", cfg.GitHub.AppID)
	}
	if cfg.Sync.MaxSyncDuration != 10*time.Minute {
		t.Errorf("MaxSyncDuration = %v, want 10m", cfg.Sync.MaxSyncDuration)
	}
	if cfg.GitHub.TokenSafetyMargin != time.Minute {
		t.Errorf("TokenSafetyMargin = %v, want 1m", cfg.GitHub.TokenSafetyMargin)
	}
	if cfg.Webhooks.MaxBodyBytes != 25<<20 {
		t.Errorf("MaxBodyBytes = %d, want 25MiB", cfg.Webhooks.MaxBodyBytes)
	}
	if !cfg.Sync.DefaultSyncComments || !cfg.Sync.DefaultSyncLabels {
		t.Error("comment and label sync should default on")
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
sync:
  lock_wait_timeout: 5s
webhooks:
  worker_count: 2
logging:
  level: debug
`)
	t.Setenv("WEBHOOKS_WORKER_COUNT", "16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.LockWaitTimeout != 5*time.Second {
		t.Errorf("LockWaitTimeout = %v, want 5s", cfg.Sync.LockWaitTimeout)
	}
	if cfg.Webhooks.WorkerCount != 16 {
		t.Errorf("WorkerCount = %d, want env override 16", cfg.Webhooks.WorkerCount)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
