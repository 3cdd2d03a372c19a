// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/sessionguard/internal/config"
)

const (
	colorDisabled = 0xFF0000
	colorPending  = 0xFFA500
	colorAlert    = 0x3498DB
)

// DiscordNotifier sends alerts to Discord via webhooks.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter

	mu      sync.RWMutex
	enabled bool
}

// NewDiscordNotifier creates a Discord notifier. Discord allows about one
// message per second per webhook, which is the default spacing.
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled,
		limiter:    newLimiter(cfg.RateLimitMs, time.Second),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the notifier name.
func (n *DiscordNotifier) Name() string {
	return "discord"
}

// Enabled returns whether this notifier is enabled.
func (n *DiscordNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.webhookURL != ""
}

// SetEnabled enables or disables the notifier.
func (n *DiscordNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Send delivers an alert to Discord.
func (n *DiscordNotifier) Send(ctx context.Context, alert *Alert) error {
	if !n.Enabled() {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	payload := discordWebhookPayload{
		Embeds: []discordEmbed{buildEmbed(alert)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create Discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Discord webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// buildEmbed creates a Discord embed from an alert.
func buildEmbed(alert *Alert) discordEmbed {
	fields := []discordEmbedField{
		{Name: "Account", Value: alert.Username, Inline: true},
		{Name: "Distinct IPs", Value: strconv.Itoa(alert.IPCount), Inline: true},
		{Name: "Action", Value: alertAction(alert), Inline: true},
	}
	if len(alert.IPs) > 0 {
		fields = append(fields, discordEmbedField{Name: "IP Addresses", Value: strings.Join(alert.IPs, "\n")})
	}
	if alert.Location != "" {
		fields = append(fields, discordEmbedField{Name: "Location", Value: alert.Location})
	}
	if alert.Device != "" || alert.Client != "" {
		fields = append(fields, discordEmbedField{
			Name:   "Device",
			Value:  strings.TrimSpace(alert.Device + " " + alert.Client),
			Inline: true,
		})
	}

	return discordEmbed{
		Title:       "Account sharing detected",
		Description: alert.Message,
		Color:       embedColor(alert),
		Timestamp:   alert.CreatedAt.Format(time.RFC3339),
		Fields:      fields,
		Footer:      discordEmbedFooter{Text: "Sessionguard"},
	}
}

func embedColor(alert *Alert) int {
	switch {
	case alert.Disabled:
		return colorDisabled
	case alert.AutoDisable:
		return colorPending
	default:
		return colorAlert
	}
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}
