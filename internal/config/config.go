// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

// Package config loads Sessionguard configuration.
//
// Sources are layered, later ones winning:
//  1. Built-in defaults (defaultConfig)
//  2. Optional YAML file (CONFIG_PATH, ./config.yaml, /etc/sessionguard/config.yaml)
//  3. Environment variables (see envMappings)
//
// A loaded Config is validated once and then treated as read-only.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Emby          EmbyConfig          `koanf:"emby"`
	Monitor       MonitorConfig       `koanf:"monitor"`
	Detection     DetectionConfig     `koanf:"detection"`
	GeoIP         GeoIPConfig         `koanf:"geoip"`
	Database      DatabaseConfig      `koanf:"database"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// EmbyConfig points at the media server being protected. The API key must
// belong to an administrator, otherwise user policies cannot be changed.
type EmbyConfig struct {
	URL                string        `koanf:"url" validate:"required"`
	APIKey             string        `koanf:"api_key" validate:"required"`
	Timeout            time.Duration `koanf:"timeout" validate:"gt=0"`
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"`
}

// MonitorConfig controls the poll loop.
type MonitorConfig struct {
	PollInterval time.Duration `koanf:"poll_interval" validate:"gte=1s"`

	// CycleTimeout bounds one poll cycle. Zero means three poll intervals.
	CycleTimeout time.Duration `koanf:"cycle_timeout" validate:"gte=0"`
}

// EffectiveCycleTimeout resolves the zero value of CycleTimeout.
func (m MonitorConfig) EffectiveCycleTimeout() time.Duration {
	if m.CycleTimeout > 0 {
		return m.CycleTimeout
	}
	return 3 * m.PollInterval
}

// DetectionConfig is the sharing policy.
type DetectionConfig struct {
	// Enabled=false records sessions but never alerts or disables.
	Enabled        bool `koanf:"enabled"`
	AlertThreshold int  `koanf:"alert_threshold" validate:"gte=1"`
	AutoDisable    bool `koanf:"auto_disable"`

	Whitelist           []string `koanf:"whitelist"`
	WhitelistIgnoreCase bool     `koanf:"whitelist_ignore_case"`

	// EpochResetGrace is how long an account must be absent before its
	// distinct-IP evidence is discarded. Zero resets on the first empty poll.
	EpochResetGrace time.Duration `koanf:"epoch_reset_grace" validate:"gte=0"`
}

// GeoIPConfig configures location annotation.
type GeoIPConfig struct {
	Enabled bool `koanf:"enabled"`

	// Providers are tried in order: ip-api, maxmind, vore.
	Providers []string `koanf:"providers" validate:"dive,oneof=ip-api maxmind vore"`

	Timeout            time.Duration `koanf:"timeout" validate:"gt=0"`
	CacheTTL           time.Duration `koanf:"cache_ttl" validate:"gt=0"`
	CacheSize          int           `koanf:"cache_size" validate:"gte=1"`
	RetryAttempts      int           `koanf:"retry_attempts" validate:"gte=1,lte=10"`
	RetryDelay         time.Duration `koanf:"retry_delay" validate:"gte=0"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute" validate:"gte=1"`
	Concurrency        int           `koanf:"concurrency" validate:"gte=1,lte=64"`

	MaxMindAccountID  string `koanf:"maxmind_account_id"`
	MaxMindLicenseKey string `koanf:"maxmind_license_key"`
}

// DatabaseConfig configures the DuckDB session store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
}

// NotificationsConfig groups alert delivery channels.
type NotificationsConfig struct {
	Webhook WebhookConfig `koanf:"webhook"`
	Discord DiscordConfig `koanf:"discord"`
	NATS    NATSConfig    `koanf:"nats"`
}

// WebhookConfig posts alerts to an arbitrary HTTP endpoint.
//
// Body, when set, is a JSON template whose string values may contain
// placeholders such as {username} or {ip_address}.
type WebhookConfig struct {
	Enabled       bool              `koanf:"enabled"`
	URL           string            `koanf:"url"`
	Method        string            `koanf:"method" validate:"oneof=POST PUT PATCH"`
	Headers       map[string]string `koanf:"headers"`
	Body          map[string]any    `koanf:"body"`
	Timeout       time.Duration     `koanf:"timeout" validate:"gt=0"`
	RetryAttempts int               `koanf:"retry_attempts" validate:"gte=1,lte=10"`
	RateLimitMs   int               `koanf:"rate_limit_ms" validate:"gte=0"`
}

// DiscordConfig posts alerts as Discord embeds.
type DiscordConfig struct {
	Enabled     bool   `koanf:"enabled"`
	WebhookURL  string `koanf:"webhook_url"`
	RateLimitMs int    `koanf:"rate_limit_ms" validate:"gte=0"`
}

// NATSConfig publishes alerts to a NATS subject.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`

	// MaxReconnects of -1 reconnects forever.
	MaxReconnects   int           `koanf:"max_reconnects" validate:"gte=-1"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
	ReconnectBuffer int           `koanf:"reconnect_buffer" validate:"gte=0"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Host               string        `koanf:"host"`
	Port               int           `koanf:"port" validate:"gte=1,lte=65535"`
	APIToken           string        `koanf:"api_token"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute" validate:"gte=0"`
	CORSOrigins        []string      `koanf:"cors_origins"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Load reads configuration from defaults, an optional file and the environment.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
