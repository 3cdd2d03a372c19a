// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

// Package emby is a minimal client for the Emby REST API: session listing
// and user policy changes.
//
// API Reference: https://dev.emby.media/doc/restapi/index.html
package emby

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionguard/internal/config"
	"github.com/tomtom215/sessionguard/internal/models"
)

var (
	// ErrAlreadyDisabled is returned by DisableUser when the account's policy
	// already has IsDisabled set. Callers treat it as success.
	ErrAlreadyDisabled = errors.New("emby: user already disabled")

	// ErrNotFound is returned when the user id does not exist.
	ErrNotFound = errors.New("emby: user not found")
)

// API is the subset of Emby used by the detector. Client and
// CircuitBreakerClient both implement it.
type API interface {
	Ping(ctx context.Context) error
	GetSessions(ctx context.Context) ([]models.EmbySession, error)
	GetActiveSessions(ctx context.Context) ([]models.EmbySession, error)
	GetUser(ctx context.Context, userID string) (*models.EmbyUser, error)
	DisableUser(ctx context.Context, userID string) error
	EnableUser(ctx context.Context, userID string) error
}

var _ API = (*Client)(nil)

// Client talks to one Emby server with an administrator API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client from configuration.
func NewClient(cfg *config.EmbyConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed Emby certs
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// GetSessions lists every session the server knows, idle ones included.
func (c *Client) GetSessions(ctx context.Context) ([]models.EmbySession, error) {
	var sessions []models.EmbySession
	if err := c.getJSON(ctx, "/emby/Sessions", &sessions); err != nil {
		return nil, fmt.Errorf("emby sessions: %w", err)
	}
	return sessions, nil
}

// GetActiveSessions returns only sessions with a NowPlayingItem.
func (c *Client) GetActiveSessions(ctx context.Context) ([]models.EmbySession, error) {
	sessions, err := c.GetSessions(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]models.EmbySession, 0, len(sessions))
	for i := range sessions {
		if sessions[i].IsActive() {
			active = append(active, sessions[i])
		}
	}
	return active, nil
}

// GetUser fetches a user together with its policy.
func (c *Client) GetUser(ctx context.Context, userID string) (*models.EmbyUser, error) {
	var user models.EmbyUser
	if err := c.getJSON(ctx, "/emby/Users/"+url.PathEscape(userID), &user); err != nil {
		return nil, fmt.Errorf("emby user %s: %w", userID, err)
	}
	return &user, nil
}

// DisableUser sets Policy.IsDisabled on the account. It returns
// ErrAlreadyDisabled when there was nothing to change.
func (c *Client) DisableUser(ctx context.Context, userID string) error {
	return c.setDisabled(ctx, userID, true)
}

// EnableUser clears Policy.IsDisabled. Enabling an enabled account is a no-op.
func (c *Client) EnableUser(ctx context.Context, userID string) error {
	return c.setDisabled(ctx, userID, false)
}

// Ping checks connectivity and the API key.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/emby/System/Info", nil)
	if err != nil {
		return fmt.Errorf("emby ping failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emby ping returned status %d", resp.StatusCode)
	}
	return nil
}

// setDisabled posts the user's full policy back with IsDisabled changed.
// Emby replaces the whole policy on POST, so the current one is read first.
func (c *Client) setDisabled(ctx context.Context, userID string, disabled bool) error {
	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsDisabled() == disabled {
		if disabled {
			return ErrAlreadyDisabled
		}
		return nil
	}

	policy := make(map[string]any, len(user.Policy)+1)
	for k, v := range user.Policy {
		policy[k] = v
	}
	policy["IsDisabled"] = disabled

	body, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/emby/Users/"+url.PathEscape(userID)+"/Policy", body)
	if err != nil {
		return fmt.Errorf("emby update policy %s: %w", userID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("emby update policy %s: %w", userID, ErrNotFound)
	default:
		return fmt.Errorf("emby update policy %s: %w", userID, statusError(resp))
	}
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("X-Emby-Client", "Sessionguard")
	req.Header.Set("X-Emby-Device-Name", "Sessionguard")
	req.Header.Set("X-Emby-Device-Id", "sessionguard")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// statusError reads at most 512 bytes of the body for the error message.
func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(snippet) == 0 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}
