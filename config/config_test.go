package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort=8080, got %d", cfg.HTTPPort)
	}
	if cfg.AnswerTimeoutMS != 5000 {
		t.Errorf("expected AnswerTimeoutMS=5000, got %d", cfg.AnswerTimeoutMS)
	}
	if cfg.MaxPlayerIDLength != 64 {
		t.Errorf("expected MaxPlayerIDLength=64, got %d", cfg.MaxPlayerIDLength)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("expected empty DatabaseURL, got %q", cfg.DatabaseURL)
	}
	if cfg.AnswerTimeout() != 5*time.Second {
		t.Errorf("expected 5s answer timeout, got %v", cfg.AnswerTimeout())
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("ANSWER_TIMEOUT_MS", "7000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("DATABASE_URL", "postgres://localhost/duel")

	cfg := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))

	if cfg.HTTPPort != 9090 {
		t.Errorf("expected HTTPPort=9090 after env override, got %d", cfg.HTTPPort)
	}
	if cfg.AnswerTimeoutMS != 7000 {
		t.Errorf("expected AnswerTimeoutMS=7000 after env override, got %d", cfg.AnswerTimeoutMS)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("expected two origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.DatabaseURL != "postgres://localhost/duel" {
		t.Errorf("unexpected DatabaseURL %q", cfg.DatabaseURL)
	}
	if cfg.QueueTTLSec != 300 {
		t.Errorf("expected untouched QueueTTLSec=300, got %d", cfg.QueueTTLSec)
	}
}

func TestLoadFromFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"http_port": 7070, "queue_ttl_sec": 30, "log_level": "debug"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QUEUE_TTL_SEC", "45")

	cfg := LoadFrom(path)

	if cfg.HTTPPort != 7070 {
		t.Errorf("expected HTTPPort=7070 from file, got %d", cfg.HTTPPort)
	}
	if cfg.QueueTTLSec != 45 {
		t.Errorf("expected env to win over file, got %d", cfg.QueueTTLSec)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel=debug, got %q", cfg.LogLevel)
	}
}

func TestLoadWithInvalidEnv(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL_MS", "soon")

	cfg := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))

	if cfg.SweepIntervalMS != 1000 {
		t.Errorf("expected default SweepIntervalMS=1000 on invalid env, got %d", cfg.SweepIntervalMS)
	}
}

func TestNormalizeRejectsNonPositive(t *testing.T) {
	t.Setenv("MAX_PLAYER_ID_LENGTH", "-3")

	cfg := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))

	if cfg.MaxPlayerIDLength != 64 {
		t.Errorf("expected default MaxPlayerIDLength, got %d", cfg.MaxPlayerIDLength)
	}
}
