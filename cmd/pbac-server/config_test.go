package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Storage.Driver != "memory" || cfg.Audit.Sink != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Engine.CacheTTL != 30*time.Second || cfg.Engine.BatchWorkers != 8 {
		t.Fatalf("engine defaults: %+v", cfg.Engine)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Fatalf("shutdown timeout = %s", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbac.yaml")
	yaml := `
server:
  addr: ":9090"
storage:
  driver: sqlite
  dsn: "file:test.db"
audit:
  sink: sql
engine:
  cache_ttl: 2m
seed_file: seed.yaml
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PBAC_SERVER_ADDR", ":7070")
	t.Setenv("PBAC_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env must override file, got %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "file:test.db" || cfg.Audit.Sink != "sql" {
		t.Fatalf("file values lost: %+v %+v", cfg.Storage, cfg.Audit)
	}
	if cfg.Engine.CacheTTL != 2*time.Minute || cfg.SeedFile != "seed.yaml" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{
		Storage: StorageConfig{Driver: "postgres"},
		Audit:   AuditConfig{Sink: "jsonl"},
		Engine:  EngineConfig{CacheSize: -1},
		Log:     LogConfig{Format: "text"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"storage.dsn", "audit.path", "engine.cache_size", "engine.batch_workers", "log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}

	memSQL := Config{
		Storage: StorageConfig{Driver: "memory"},
		Audit:   AuditConfig{Sink: "sql"},
		Engine:  EngineConfig{BatchWorkers: 1},
		Log:     LogConfig{Format: "slog"},
	}
	if err := memSQL.Validate(); err == nil || !strings.Contains(err.Error(), "audit.sink sql") {
		t.Fatalf("sql sink on memory storage must be rejected, got %v", err)
	}
}
