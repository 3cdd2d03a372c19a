// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tomtom215/sessionguard/internal/validation"
)

// Validate runs the struct tag rules and then the cross-field checks that tags
// cannot express.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	if err := validateHTTPURL(c.Emby.URL, "emby.url"); err != nil {
		return err
	}

	if err := c.validateDetection(); err != nil {
		return err
	}

	if err := c.validateGeoIP(); err != nil {
		return err
	}

	return c.validateNotifications()
}

func (c *Config) validateDetection() error {
	for i, name := range c.Detection.Whitelist {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("detection.whitelist[%d] is empty", i)
		}
	}
	return nil
}

func (c *Config) validateGeoIP() error {
	if !c.GeoIP.Enabled {
		return nil
	}
	if len(c.GeoIP.Providers) == 0 {
		return fmt.Errorf("geoip.providers must not be empty when geoip is enabled")
	}
	if slices.Contains(c.GeoIP.Providers, "maxmind") &&
		(c.GeoIP.MaxMindAccountID == "" || c.GeoIP.MaxMindLicenseKey == "") {
		return fmt.Errorf("geoip.maxmind_account_id and geoip.maxmind_license_key are required for the maxmind provider")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	n := c.Notifications
	if n.Webhook.Enabled {
		if n.Webhook.URL == "" {
			return fmt.Errorf("notifications.webhook.url is required when the webhook is enabled")
		}
		if err := validateEndpointURL(n.Webhook.URL, "notifications.webhook.url"); err != nil {
			return err
		}
	}
	if n.Discord.Enabled {
		if n.Discord.WebhookURL == "" {
			return fmt.Errorf("notifications.discord.webhook_url is required when discord is enabled")
		}
		if err := validateEndpointURL(n.Discord.WebhookURL, "notifications.discord.webhook_url"); err != nil {
			return err
		}
	}
	if n.NATS.Enabled {
		if err := validateNATSURL(n.NATS.URL); err != nil {
			return fmt.Errorf("notifications.nats.url is invalid: %w", err)
		}
		if n.NATS.Subject == "" {
			return fmt.Errorf("notifications.nats.subject is required when nats is enabled")
		}
	}
	return nil
}
