// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/sessionguard/internal/config"
	"github.com/tomtom215/sessionguard/internal/logging"
)

// WebhookNotifier sends alerts to a generic webhook endpoint.
//
// With a body template configured, every string in the template has its
// {placeholder} tokens replaced, recursively through maps and lists.
// Without one, the alert is sent as a WebhookPayload.
type WebhookNotifier struct {
	url        string
	method     string
	headers    map[string]string
	body       map[string]any
	attempts   int
	retryDelay time.Duration
	client     *http.Client
	limiter    *rate.Limiter

	mu      sync.RWMutex
	enabled bool
}

// WebhookPayload is the default JSON payload.
type WebhookPayload struct {
	Alert     *Alert    `json:"alert"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// NewWebhookNotifier creates a webhook notifier from config.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &WebhookNotifier{
		url:        cfg.URL,
		method:     method,
		headers:    headers,
		body:       cfg.Body,
		attempts:   attempts,
		retryDelay: time.Second,
		client:     &http.Client{Timeout: timeout},
		limiter:    newLimiter(cfg.RateLimitMs, 500*time.Millisecond),
		enabled:    cfg.Enabled,
	}
}

// Name returns the notifier name.
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Enabled returns whether this notifier is enabled.
func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.url != ""
}

// SetEnabled enables or disables the notifier.
func (n *WebhookNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Send delivers an alert, retrying transport errors, 429 and 5xx responses
// with exponential backoff.
func (n *WebhookNotifier) Send(ctx context.Context, alert *Alert) error {
	if !n.Enabled() {
		return nil
	}

	body, err := n.buildBody(alert)
	if err != nil {
		return err
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	delay := n.retryDelay
	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		retry, err := n.post(ctx, body)
		if err == nil {
			logging.Debug().Str("account", alert.Username).Int("attempt", attempt).Msg("Webhook notification sent")
			return nil
		}
		lastErr = err
		if !retry || attempt == n.attempts {
			break
		}

		logging.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", n.attempts).Msg("Webhook delivery failed, retrying")
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", n.attempts, lastErr)
}

func (n *WebhookNotifier) buildBody(alert *Alert) ([]byte, error) {
	var payload any
	if len(n.body) > 0 {
		payload = renderTemplate(n.body, placeholderReplacer(alert))
	} else {
		payload = WebhookPayload{
			Alert:     alert,
			EventType: "account_sharing_alert",
			Timestamp: alert.CreatedAt,
			Source:    "sessionguard",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return body, nil
}

// post sends one request. retry reports whether the failure is transient.
func (n *WebhookNotifier) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, n.method, n.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

func placeholderReplacer(alert *Alert) *strings.Replacer {
	values := templateValues(alert)
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...)
}

// renderTemplate substitutes placeholders in every string of v. Unknown
// placeholders are left as written.
func renderTemplate(v any, r *strings.Replacer) any {
	switch t := v.(type) {
	case string:
		return r.Replace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = renderTemplate(val, r)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = renderTemplate(val, r)
		}
		return out
	default:
		return v
	}
}
