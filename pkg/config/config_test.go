package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  address: 127.0.0.1
  port: 9090
storage:
  db_path: /tmp/r3chat-db
provider:
  default_model: openai/gpt-4o-mini
quota:
  anonymous_daily: 5
  free_daily: 50
  models:
    - name: anthropic/claude-3-opus
      daily: 3
sweeper:
  enabled: true
  cron: "*/10 * * * *"
  staleness: 2m
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("addr: %s", cfg.Addr())
	}
	if cfg.Quota.AnonymousDaily != 5 || cfg.Quota.FreeDaily != 50 {
		t.Fatalf("quota: %+v", cfg.Quota)
	}
	if cfg.ModelDaily("anthropic/claude-3-opus") != 3 {
		t.Fatalf("model daily: %d", cfg.ModelDaily("anthropic/claude-3-opus"))
	}
	if cfg.ModelDaily("unknown/model") != 0 {
		t.Fatalf("unknown model should have no sub-limit")
	}
	if cfg.Staleness() != 2*time.Minute {
		t.Fatalf("staleness: %s", cfg.Staleness())
	}
}

func TestDurationDefaults(t *testing.T) {
	cfg := &Config{}
	if cfg.Staleness() != 5*time.Minute {
		t.Fatalf("staleness default: %s", cfg.Staleness())
	}
	if cfg.PresenceIdle() != 30*time.Minute {
		t.Fatalf("presence idle default: %s", cfg.PresenceIdle())
	}
	if cfg.CheckpointInterval() != time.Second {
		t.Fatalf("checkpoint default: %s", cfg.CheckpointInterval())
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("addr default: %s", cfg.Addr())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("R3CHAT_ADDR", "0.0.0.0:7070")
	t.Setenv("R3CHAT_DB_PATH", "/data/db")
	t.Setenv("R3CHAT_QUOTA_ANON_DAILY", "7")
	t.Setenv("R3CHAT_API_BACKEND_KEYS", "k1, k2")

	cfg := &Config{}
	if !LoadEnvOverrides(cfg) {
		t.Fatalf("env overrides not detected")
	}
	if cfg.Addr() != "0.0.0.0:7070" {
		t.Fatalf("addr: %s", cfg.Addr())
	}
	if cfg.Storage.DBPath != "/data/db" {
		t.Fatalf("db path: %s", cfg.Storage.DBPath)
	}
	if cfg.Quota.AnonymousDaily != 7 {
		t.Fatalf("anon daily: %d", cfg.Quota.AnonymousDaily)
	}
	if len(cfg.Security.APIKeys.Backend) != 2 || cfg.Security.APIKeys.Backend[1] != "k2" {
		t.Fatalf("backend keys: %+v", cfg.Security.APIKeys.Backend)
	}
}
