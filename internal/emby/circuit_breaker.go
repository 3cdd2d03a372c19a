// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package emby

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/metrics"
	"github.com/tomtom215/sessionguard/internal/models"
)

// BreakerSettings tunes the circuit breaker. Zero values take the defaults
// used by NewCircuitBreakerClient.
type BreakerSettings struct {
	MaxRequests  uint32        // probes allowed while half-open
	Interval     time.Duration // closed-state counting window
	Timeout      time.Duration // open-state wait before probing
	MinRequests  uint32        // requests needed before the ratio is considered
	FailureRatio float64
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	if s.Timeout == 0 {
		s.Timeout = 2 * time.Minute
	}
	if s.MinRequests == 0 {
		s.MinRequests = 10
	}
	if s.FailureRatio == 0 {
		s.FailureRatio = 0.6
	}
	return s
}

// CircuitBreakerClient wraps an API so that an unreachable Emby server fails
// fast instead of holding every poll cycle until the HTTP timeout.
//
// ErrAlreadyDisabled and ErrNotFound are answers from a healthy server and do
// not count as failures.
type CircuitBreakerClient struct {
	client API
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

var _ API = (*CircuitBreakerClient)(nil)

// NewCircuitBreakerClient wraps client. Opens after a 60% failure rate over at
// least 10 requests, probes again after 2 minutes.
func NewCircuitBreakerClient(client API, settings BreakerSettings) *CircuitBreakerClient {
	const name = "emby-api"
	s := settings.withDefaults()

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= s.FailureRatio {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit")
				return true
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAlreadyDisabled) || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := stateToString(from), stateToString(to)
			logging.Info().Str("breaker", name).Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &CircuitBreakerClient{client: client, cb: cb, name: name}
}

// State exposes the breaker state for health reporting.
func (c *CircuitBreakerClient) State() string {
	return stateToString(c.cb.State())
}

// execute runs fn through the breaker and records the outcome.
func execute[T any](c *CircuitBreakerClient, fn func() (T, error)) (T, error) {
	var zero T
	result, err := c.cb.Execute(func() (any, error) {
		return fn()
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(c.name, "rejected").Inc()
		logging.Warn().Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
		return zero, err
	case err != nil && !errors.Is(err, ErrAlreadyDisabled) && !errors.Is(err, ErrNotFound):
		metrics.CircuitBreakerRequests.WithLabelValues(c.name, "failure").Inc()
		metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(c.name).Set(float64(c.cb.Counts().ConsecutiveFailures))
		return zero, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(c.name, "success").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(c.name).Set(0)
	if err != nil {
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}

func (c *CircuitBreakerClient) Ping(ctx context.Context) error {
	_, err := execute(c, func() (struct{}, error) {
		return struct{}{}, c.client.Ping(ctx)
	})
	return err
}

func (c *CircuitBreakerClient) GetSessions(ctx context.Context) ([]models.EmbySession, error) {
	return execute(c, func() ([]models.EmbySession, error) {
		return c.client.GetSessions(ctx)
	})
}

func (c *CircuitBreakerClient) GetActiveSessions(ctx context.Context) ([]models.EmbySession, error) {
	return execute(c, func() ([]models.EmbySession, error) {
		return c.client.GetActiveSessions(ctx)
	})
}

func (c *CircuitBreakerClient) GetUser(ctx context.Context, userID string) (*models.EmbyUser, error) {
	return execute(c, func() (*models.EmbyUser, error) {
		return c.client.GetUser(ctx, userID)
	})
}

func (c *CircuitBreakerClient) DisableUser(ctx context.Context, userID string) error {
	_, err := execute(c, func() (struct{}, error) {
		return struct{}{}, c.client.DisableUser(ctx, userID)
	})
	return err
}

func (c *CircuitBreakerClient) EnableUser(ctx context.Context, userID string) error {
	_, err := execute(c, func() (struct{}, error) {
		return struct{}{}, c.client.EnableUser(ctx, userID)
	})
	return err
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
