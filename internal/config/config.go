// Package config loads the static service configuration from a YAML file.
// Operator-tunable limits live in the settings package instead, so they can
// change without a restart.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no path is supplied.
const DefaultConfigPath = "config.yaml"

// configPathEnv overrides the config path when set.
const configPathEnv = "TOWEROFBABEL_CONFIG"

// Config is the root service configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`  // HTTP listen address.
	DatabaseDSN string `yaml:"database_dsn"` // Postgres or SQLite DSN.
	RedisURL    string `yaml:"redis_url"`    // Counter store URL; empty selects the in-process store.

	Log     LogConfig     `yaml:"log"`     // Logging configuration.
	Session SessionConfig `yaml:"session"` // Session token configuration.
	Billing BillingConfig `yaml:"billing"` // Billing provider configuration.
	Jobs    JobsConfig    `yaml:"jobs"`    // Scheduled job trigger configuration.
	Admin   AdminConfig   `yaml:"admin"`   // Operator endpoint configuration.
}

// LogConfig controls logrus output and rotation.
type LogConfig struct {
	Level      string `yaml:"level"`       // Log level name, defaults to info.
	File       string `yaml:"file"`        // Log file path; empty logs to stderr.
	MaxSizeMB  int    `yaml:"max_size_mb"` // Rotation size threshold.
	MaxBackups int    `yaml:"max_backups"` // Rotated files kept.
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SessionConfig controls session JWT issuing and validation.
type SessionConfig struct {
	Secret      string `yaml:"secret"`       // HS256 signing secret.
	ExpiryHours int    `yaml:"expiry_hours"` // Token lifetime, defaults to 72.
}

// BillingConfig holds the billing provider integration settings.
type BillingConfig struct {
	WebhookSecret string            `yaml:"webhook_secret"` // Shared secret for webhook signatures.
	APIBaseURL    string            `yaml:"api_base_url"`   // Provider read API base URL.
	APIKey        string            `yaml:"api_key"`        // Provider read API key.
	PlanTiers     map[string]string `yaml:"plan_tiers"`     // Provider plan reference to tier name.
}

// JobsConfig authenticates external scheduler triggers.
type JobsConfig struct {
	Secret string `yaml:"secret"` // Shared secret compared against a request header.
}

// AdminConfig authenticates operator-only endpoints.
type AdminConfig struct {
	PasswordHash string `yaml:"password_hash"` // bcrypt hash of the operator password.
}

// ResolveConfigPath picks the config path from the argument, the environment,
// or the default, in that order.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if fromEnv := strings.TrimSpace(os.Getenv(configPathEnv)); fromEnv != "" {
		return fromEnv
	}
	return DefaultConfigPath
}

// Load reads, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	var cfg Config
	if errUnmarshal := yaml.Unmarshal(raw, &cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}

	cfg.applyDefaults()
	if errValidate := cfg.validate(); errValidate != nil {
		return nil, errValidate
	}
	return &cfg, nil
}

// applyDefaults fills unset optional fields.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8080"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Session.ExpiryHours <= 0 {
		c.Session.ExpiryHours = 72
	}
}

// validate rejects configurations that cannot run.
func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("config: database_dsn is required")
	}
	if strings.TrimSpace(c.Session.Secret) == "" {
		return fmt.Errorf("config: session.secret is required")
	}
	if strings.TrimSpace(c.Billing.WebhookSecret) == "" {
		return fmt.Errorf("config: billing.webhook_secret is required")
	}
	if strings.TrimSpace(c.Jobs.Secret) == "" {
		return fmt.Errorf("config: jobs.secret is required")
	}
	return nil
}
