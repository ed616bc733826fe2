// Package config holds all configuration types and loading logic for remindd.
// Config structure never shrinks: fields are only added, never renamed or
// removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kivohq/remindd/internal/reminder"
)

// Config is the root configuration for a remindd server instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Reminders RemindersConfig `yaml:"reminders"`
	Email     EmailConfig     `yaml:"email"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds identity and network settings for this instance.
type ServerConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// DatabaseConfig points at the shared application database. The idempotency
// ledger lives there (it must be durable independently of the actor state
// store) and the invoice read model is fetched from it at dispatch time.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// BusyTimeoutMs is passed to SQLite so concurrent writers back off
	// instead of failing immediately.
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`
}

// RemindersConfig controls when reminders fire relative to the due date.
// The offsets are deliberately configuration, not constants baked into the
// scheduler: per-tenant windows are a likely future requirement.
type RemindersConfig struct {
	BeforeDueDays int `yaml:"before_due_days"`
	AfterDueDays  int `yaml:"after_due_days"`

	// RetryInterval is how long the alarm waits before re-waking the actor
	// when the next pending job is already past due (failed dispatches,
	// overdue notices scheduled in the past). Keeps retries prompt without a
	// hot fire-fail-rearm loop.
	RetryInterval string `yaml:"retry_interval"`
}

// Offsets converts the configured day counts into domain offsets.
func (rc RemindersConfig) Offsets() reminder.Offsets {
	return reminder.Offsets{
		BeforeDue: time.Duration(rc.BeforeDueDays) * 24 * time.Hour,
		AfterDue:  time.Duration(rc.AfterDueDays) * 24 * time.Hour,
	}
}

// RetryIntervalDuration parses RetryInterval, falling back to one minute.
func (rc RemindersConfig) RetryIntervalDuration() time.Duration {
	d, err := time.ParseDuration(rc.RetryInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// EmailConfig controls the outbound notification transport.
type EmailConfig struct {
	// ResendAPIKey authenticates against the Resend transactional email API.
	ResendAPIKey string `yaml:"resend_api_key"`
	From         string `yaml:"from"`
	// PublicBaseURL is the prefix for public invoice links embedded in
	// reminder emails, e.g. "https://app.example.com".
	PublicBaseURL string `yaml:"public_base_url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	// MaxRate caps outbound sends per second; Burst allows short spikes.
	MaxRate float64 `yaml:"max_rate"`
	Burst   int     `yaml:"burst"`
}

// SweepConfig controls the periodic safety-net sweep that processes every
// tenant even if the alarm goroutine is unavailable.
type SweepConfig struct {
	Enabled bool `yaml:"enabled"`
	// Spec is a robfig/cron expression, e.g. "@every 5m".
	Spec string `yaml:"spec"`
}

// AuthConfig controls API key authentication on the HTTP surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig applies per-IP token-bucket limiting on the HTTP surface.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Database: DatabaseConfig{
			Path:          "./data/app.db",
			BusyTimeoutMs: 2000,
		},
		Reminders: RemindersConfig{
			BeforeDueDays: 3,
			AfterDueDays:  7,
			RetryInterval: "1m",
		},
		Email: EmailConfig{
			From:          "billing@localhost",
			PublicBaseURL: "http://localhost:3000",
			TimeoutMs:     10_000,
			MaxRate:       10,
			Burst:         20,
		},
		Sweep: SweepConfig{
			Enabled: true,
			Spec:    "@every 5m",
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     50,
			Burst:   100,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run remindd with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	REMINDD_RESEND_API_KEY   sets email.resend_api_key
//	REMINDD_API_KEY          sets auth.api_key and enables auth
//	REMINDD_DATA_DIR         sets server.data_dir
//	REMINDD_DATABASE_PATH    sets database.path
//	REMINDD_PORT             sets server.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REMINDD_RESEND_API_KEY"); v != "" {
		cfg.Email.ResendAPIKey = v
	}
	if v := os.Getenv("REMINDD_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("REMINDD_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("REMINDD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("REMINDD_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must not be empty")
	}
	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	if c.Reminders.BeforeDueDays < 0 {
		return errors.New("reminders.before_due_days must be >= 0")
	}
	if c.Reminders.AfterDueDays < 0 {
		return errors.New("reminders.after_due_days must be >= 0")
	}
	if c.Reminders.RetryInterval != "" {
		if _, err := time.ParseDuration(c.Reminders.RetryInterval); err != nil {
			return fmt.Errorf("reminders.retry_interval: %w", err)
		}
	}
	if c.Email.MaxRate <= 0 {
		return errors.New("email.max_rate must be > 0")
	}
	if c.Email.Burst < 1 {
		return errors.New("email.burst must be at least 1")
	}
	if c.Sweep.Enabled && c.Sweep.Spec == "" {
		return errors.New("sweep.spec must not be empty when sweep is enabled")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			return errors.New("rate_limit.rps must be > 0")
		}
		if c.RateLimit.Burst < 1 {
			return errors.New("rate_limit.burst must be at least 1")
		}
	}
	return nil
}
