package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configurable server parameters.
type Config struct {
	HTTPPort int `json:"http_port" env:"HTTP_PORT"`

	// DatabaseURL selects the Postgres store; when empty the SQLite file at
	// SQLitePath is used.
	DatabaseURL string `json:"database_url" env:"DATABASE_URL"`
	SQLitePath  string `json:"sqlite_path" env:"SQLITE_PATH"`

	RedisURL           string `json:"redis_url" env:"REDIS_URL"`
	RedisChannelPrefix string `json:"redis_channel_prefix" env:"REDIS_CHANNEL_PREFIX"`
	AMQPURL            string `json:"amqp_url" env:"AMQP_URL"`
	AMQPExchange       string `json:"amqp_exchange" env:"AMQP_EXCHANGE"`
	NotifyBuffer       int    `json:"notify_buffer" env:"NOTIFY_BUFFER"`

	AllowedOrigins []string `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `json:"log_level" env:"LOG_LEVEL"`

	MaxPlayerIDLength int `json:"max_player_id_length" env:"MAX_PLAYER_ID_LENGTH"`

	// AnswerTimeoutMS is the input window after a sequence has been shown.
	AnswerTimeoutMS int `json:"answer_timeout_ms" env:"ANSWER_TIMEOUT_MS"`
	// RoundGraceMS is added to a round's deadline before the server submits
	// timeouts on behalf of silent players.
	RoundGraceMS int `json:"round_grace_ms" env:"ROUND_GRACE_MS"`

	QueueTTLSec         int `json:"queue_ttl_sec" env:"QUEUE_TTL_SEC"`
	MatchIdleTimeoutSec int `json:"match_idle_timeout_sec" env:"MATCH_IDLE_TIMEOUT_SEC"`
	SoloRunTTLSec       int `json:"solo_run_ttl_sec" env:"SOLO_RUN_TTL_SEC"`
	SweepIntervalMS     int `json:"sweep_interval_ms" env:"SWEEP_INTERVAL_MS"`
	CleanupIntervalSec  int `json:"cleanup_interval_sec" env:"CLEANUP_INTERVAL_SEC"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		HTTPPort:            8080,
		SQLitePath:          "numberduel.db",
		RedisChannelPrefix:  "numberduel:",
		AMQPExchange:        "numberduel.events",
		NotifyBuffer:        1024,
		AllowedOrigins:      []string{"*"},
		LogLevel:            "info",
		MaxPlayerIDLength:   64,
		AnswerTimeoutMS:     5000,
		RoundGraceMS:        3000,
		QueueTTLSec:         300,
		MatchIdleTimeoutSec: 600,
		SoloRunTTLSec:       900,
		SweepIntervalMS:     1000,
		CleanupIntervalSec:  60,
	}
}

// Load reads configuration from an optional config.json file in the working
// directory, then applies environment variable overrides.
func Load() *Config {
	return LoadFrom("config.json")
}

// LoadFrom is Load with an explicit file path. Fields not set in either
// source retain their default values.
func LoadFrom(path string) *Config {
	cfg := Defaults()

	if f, err := os.Open(path); err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			slog.Warn("failed to parse config file", "tag", "config", "path", path, "err", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		slog.Warn("invalid environment override", "tag", "config", "err", err)
	}

	cfg.normalize()
	return cfg
}

// normalize replaces nonsensical values with defaults.
func (c *Config) normalize() {
	d := Defaults()
	positive := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	positive(&c.HTTPPort, d.HTTPPort)
	positive(&c.NotifyBuffer, d.NotifyBuffer)
	positive(&c.MaxPlayerIDLength, d.MaxPlayerIDLength)
	positive(&c.AnswerTimeoutMS, d.AnswerTimeoutMS)
	positive(&c.QueueTTLSec, d.QueueTTLSec)
	positive(&c.MatchIdleTimeoutSec, d.MatchIdleTimeoutSec)
	positive(&c.SoloRunTTLSec, d.SoloRunTTLSec)
	positive(&c.SweepIntervalMS, d.SweepIntervalMS)
	positive(&c.CleanupIntervalSec, d.CleanupIntervalSec)
	if c.RoundGraceMS < 0 {
		c.RoundGraceMS = 0
	}
	if strings.TrimSpace(c.SQLitePath) == "" {
		c.SQLitePath = d.SQLitePath
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = d.AllowedOrigins
	}
}

func (c *Config) AnswerTimeout() time.Duration {
	return time.Duration(c.AnswerTimeoutMS) * time.Millisecond
}

func (c *Config) RoundGrace() time.Duration {
	return time.Duration(c.RoundGraceMS) * time.Millisecond
}

func (c *Config) QueueTTL() time.Duration {
	return time.Duration(c.QueueTTLSec) * time.Second
}

func (c *Config) MatchIdleTimeout() time.Duration {
	return time.Duration(c.MatchIdleTimeoutSec) * time.Second
}

func (c *Config) SoloRunTTL() time.Duration {
	return time.Duration(c.SoloRunTTLSec) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}
