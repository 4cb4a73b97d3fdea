package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected listen addr ':8080', got %q", cfg.ListenAddr)
	}
	if time.Duration(cfg.GraceDelay) != 5*time.Second {
		t.Errorf("expected 5s grace delay, got %v", time.Duration(cfg.GraceDelay))
	}
	if time.Duration(cfg.PresenceTTL) != 5*time.Minute {
		t.Errorf("expected 5m presence ttl, got %v", time.Duration(cfg.PresenceTTL))
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen_addr: ":9000"
redis_addr: "localhost:6379"
grace_delay: "10s"
presence_ttl: "1m"
max_conns: 100
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ListenAddr != ":9000" {
		t.Errorf("expected ':9000', got %q", cfg.ListenAddr)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected redis addr, got %q", cfg.RedisAddr)
	}
	if time.Duration(cfg.GraceDelay) != 10*time.Second {
		t.Errorf("expected 10s grace delay, got %v", time.Duration(cfg.GraceDelay))
	}
	if time.Duration(cfg.PresenceTTL) != time.Minute {
		t.Errorf("expected 1m presence ttl, got %v", time.Duration(cfg.PresenceTTL))
	}
	if cfg.MaxConns != 100 {
		t.Errorf("expected max conns 100, got %d", cfg.MaxConns)
	}
	// Unset keys keep their defaults.
	if time.Duration(cfg.SweepInterval) != 60*time.Second {
		t.Errorf("expected default sweep interval, got %v", time.Duration(cfg.SweepInterval))
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`listen_addr: ":9000"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LISTEN_ADDR", ":7777")
	t.Setenv("GRACE_DELAY", "30s")
	t.Setenv("EVENTS_PER_MINUTE", "10")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ListenAddr != ":7777" {
		t.Errorf("expected env to win, got %q", cfg.ListenAddr)
	}
	if time.Duration(cfg.GraceDelay) != 30*time.Second {
		t.Errorf("expected 30s grace delay, got %v", time.Duration(cfg.GraceDelay))
	}
	if cfg.EventsPerMinute != 10 {
		t.Errorf("expected 10 events per minute, got %d", cfg.EventsPerMinute)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`grace_delay: "soon"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestInvalidEnvInt(t *testing.T) {
	t.Setenv("MAX_CONNS", "many")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid MAX_CONNS")
	}
}
