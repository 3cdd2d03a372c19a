// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sessionguard/config.yaml",
	"/etc/sessionguard/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Emby: EmbyConfig{
			Timeout: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval: 10 * time.Second,
		},
		Detection: DetectionConfig{
			Enabled:             true,
			AlertThreshold:      2,
			AutoDisable:         true,
			WhitelistIgnoreCase: true,
		},
		GeoIP: GeoIPConfig{
			Enabled:            true,
			Providers:          []string{"ip-api"},
			Timeout:            3 * time.Second,
			CacheTTL:           24 * time.Hour,
			CacheSize:          10000,
			RetryAttempts:      3,
			RetryDelay:         500 * time.Millisecond,
			RateLimitPerMinute: 45, // ip-api.com free tier
			Concurrency:        8,
		},
		Database: DatabaseConfig{
			Path:      "/data/sessionguard.duckdb",
			MaxMemory: "512MB",
		},
		Notifications: NotificationsConfig{
			Webhook: WebhookConfig{
				Method:        "POST",
				Timeout:       10 * time.Second,
				RetryAttempts: 3,
				RateLimitMs:   1000,
			},
			Discord: DiscordConfig{
				RateLimitMs: 1000,
			},
			NATS: NATSConfig{
				URL:             "nats://127.0.0.1:4222",
				Subject:         "sessionguard.alerts",
				MaxReconnects:   -1,
				ReconnectWait:   2 * time.Second,
				ReconnectBuffer: 8 * 1024 * 1024,
			},
		},
		Server: ServerConfig{
			Enabled:            true,
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerMinute: 120,
			CORSOrigins:        []string{"*"},
			ShutdownTimeout:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadWithKoanf layers defaults, the config file and the environment, then
// validates the result.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are split on commas when they arrive as a single string
// from the environment.
var sliceConfigPaths = []string{
	"detection.whitelist",
	"geoip.providers",
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps lower-cased environment variable names to koanf paths.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	"emby_url":                  "emby.url",
	"emby_api_key":              "emby.api_key",
	"emby_timeout":              "emby.timeout",
	"emby_insecure_skip_verify": "emby.insecure_skip_verify",

	"poll_interval": "monitor.poll_interval",
	"cycle_timeout": "monitor.cycle_timeout",

	"detection_enabled":     "detection.enabled",
	"alert_threshold":       "detection.alert_threshold",
	"auto_disable":          "detection.auto_disable",
	"whitelist":             "detection.whitelist",
	"whitelist_ignore_case": "detection.whitelist_ignore_case",
	"epoch_reset_grace":     "detection.epoch_reset_grace",

	"geoip_enabled":        "geoip.enabled",
	"geoip_providers":      "geoip.providers",
	"geoip_timeout":        "geoip.timeout",
	"geoip_cache_ttl":      "geoip.cache_ttl",
	"geoip_cache_size":     "geoip.cache_size",
	"geoip_retry_attempts": "geoip.retry_attempts",
	"geoip_retry_delay":    "geoip.retry_delay",
	"geoip_rate_limit":     "geoip.rate_limit_per_minute",
	"geoip_concurrency":    "geoip.concurrency",
	"maxmind_account_id":   "geoip.maxmind_account_id",
	"maxmind_license_key":  "geoip.maxmind_license_key",

	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",
	"duckdb_threads":    "database.threads",

	"webhook_enabled":        "notifications.webhook.enabled",
	"webhook_url":            "notifications.webhook.url",
	"webhook_method":         "notifications.webhook.method",
	"webhook_timeout":        "notifications.webhook.timeout",
	"webhook_retry_attempts": "notifications.webhook.retry_attempts",
	"discord_enabled":        "notifications.discord.enabled",
	"discord_webhook_url":    "notifications.discord.webhook_url",
	"nats_enabled":           "notifications.nats.enabled",
	"nats_url":               "notifications.nats.url",
	"nats_subject":           "notifications.nats.subject",

	"http_enabled":          "server.enabled",
	"http_host":             "server.host",
	"http_port":             "server.port",
	"api_token":             "server.api_token",
	"rate_limit_per_minute": "server.rate_limit_per_minute",
	"cors_origins":          "server.cors_origins",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
