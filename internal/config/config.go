// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the QVT_* environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/role"
)

// knownWeakSecrets contains default/example secrets that must be rejected.
var knownWeakSecrets = []string{
	"change-me-to-32-byte-secret-key!",
	"REPLACE_WITH_YOUR_OWN_SECRET_KEY!",
	"qvtbox-development-secret-change!",
}

// Realtime modes.
const (
	RealtimeMemory   = "memory"
	RealtimeRedis    = "redis"
	RealtimePostgres = "postgres"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	Env        string `env:"QVT_ENV" envDefault:"development"`
	LogLevel   string `env:"QVT_LOG_LEVEL" envDefault:"info"`
	ServerHost string `env:"QVT_SERVER_HOST" envDefault:"localhost"`
	ServerPort int    `env:"QVT_SERVER_PORT" envDefault:"8080"`

	DBDriver string `env:"QVT_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"QVT_DB_DSN" envDefault:"./data/qvtbox.db"`

	// Realtime selects the change feed: in-process, Redis fan-out or
	// Postgres LISTEN/NOTIFY.
	Realtime string `env:"QVT_REALTIME" envDefault:"memory"`

	RedisURL    string        `env:"QVT_REDIS_URL"`
	CachePrefix string        `env:"QVT_CACHE_PREFIX" envDefault:"qvt:"`
	CacheTTL    time.Duration `env:"QVT_CACHE_TTL" envDefault:"1h"`

	StorageDir    string `env:"QVT_STORAGE_DIR" envDefault:"./data/storage"`
	PublicBaseURL string `env:"QVT_PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	SigningSecret string `env:"QVT_SIGNING_SECRET,required"`

	// GeoIPDB is a GeoLite2-Country file used to tag analytics events.
	GeoIPDB string `env:"QVT_GEOIP_DB"`

	// StaticDir holds the built web client; empty disables it.
	StaticDir string `env:"QVT_STATIC_DIR" envDefault:"./web/dist"`

	FormRelayURL string `env:"QVT_FORM_RELAY_URL"`
	ContactEmail string `env:"QVT_CONTACT_EMAIL" envDefault:"contact@qvtbox.com"`

	DefaultLanguage string `env:"QVT_DEFAULT_LANGUAGE" envDefault:"fr"`
	RolePolicy      string `env:"QVT_ROLE_POLICY" envDefault:"most_recent"`

	// Seed inserts the demo catalog and an admin account on startup.
	Seed          bool   `env:"QVT_SEED" envDefault:"false"`
	AdminEmail    string `env:"QVT_ADMIN_EMAIL" envDefault:"admin@qvtbox.local"`
	AdminPassword string `env:"QVT_ADMIN_PASSWORD"`

	// DemoReset wipes the SQLite database and storage once a day on
	// startup. Public demo installations only.
	DemoReset bool `env:"QVT_DEMO_RESET" envDefault:"false"`
}

// IsDevelopment returns true if the application is running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ServerAddr returns the full server address in host:port format.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// UseRedis reports whether a Redis server is configured.
func (c Config) UseRedis() bool {
	return c.RedisURL != ""
}

// Policy returns the parsed role policy.
func (c Config) Policy() role.Policy {
	p, _ := role.ParsePolicy(c.RolePolicy)
	return p
}

// SlogLevel maps LogLevel to a slog level, INFO for unknown values.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MinSigningSecretLength is the minimum length of the signing secret,
// used for sessions and signed storage URLs.
const MinSigningSecretLength = 32

// Load parses environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and the signing secret.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("QVT_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	switch c.Realtime {
	case RealtimeMemory:
	case RealtimeRedis:
		if !c.UseRedis() {
			return fmt.Errorf("QVT_REALTIME=redis requires QVT_REDIS_URL")
		}
	case RealtimePostgres:
		if c.DBDriver != "postgres" {
			return fmt.Errorf("QVT_REALTIME=postgres requires QVT_DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("QVT_REALTIME must be memory, redis or postgres, got %q", c.Realtime)
	}
	if c.DemoReset && c.DBDriver != "sqlite" {
		return fmt.Errorf("QVT_DEMO_RESET requires QVT_DB_DRIVER=sqlite")
	}
	if _, err := role.ParsePolicy(c.RolePolicy); err != nil {
		return fmt.Errorf("QVT_ROLE_POLICY: %w", err)
	}
	if !i18n.IsSupported(c.DefaultLanguage) {
		return fmt.Errorf("QVT_DEFAULT_LANGUAGE %q is not supported", c.DefaultLanguage)
	}
	c.DefaultLanguage = strings.ToLower(strings.TrimSpace(c.DefaultLanguage))

	if len(c.SigningSecret) < MinSigningSecretLength {
		return fmt.Errorf("QVT_SIGNING_SECRET must be at least %d bytes long, got %d bytes; "+
			"generate a secure secret with: openssl rand -base64 32",
			MinSigningSecretLength, len(c.SigningSecret))
	}
	for _, weak := range knownWeakSecrets {
		if c.SigningSecret == weak {
			return fmt.Errorf("QVT_SIGNING_SECRET is a known default value and must not be used; " +
				"generate a secure secret with: openssl rand -base64 32")
		}
	}
	if !hasMinimumEntropy(c.SigningSecret) {
		slog.Warn("QVT_SIGNING_SECRET has low character diversity; " +
			"consider generating a random secret with: openssl rand -base64 32")
	}
	return nil
}

// hasMinimumEntropy checks that a secret contains at least 3 character classes
// (lowercase, uppercase, digits, special characters).
func hasMinimumEntropy(s string) bool {
	charTypes := 0
	if strings.ContainsAny(s, "abcdefghijklmnopqrstuvwxyz") {
		charTypes++
	}
	if strings.ContainsAny(s, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		charTypes++
	}
	if strings.ContainsAny(s, "0123456789") {
		charTypes++
	}
	if strings.ContainsAny(s, "!@#$%^&*()-_=+[]{}|;:,.<>?/~`'\"\\") {
		charTypes++
	}
	return charTypes >= 3
}
