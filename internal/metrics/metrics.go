// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

// Package metrics declares the Prometheus collectors exposed at /metrics.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll loop
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_poll_cycles_total",
			Help: "Poll cycles by result",
		},
		[]string{"result"}, // ok, fetch_error, timeout
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionguard_poll_cycle_duration_seconds",
			Help:    "Duration of a complete poll cycle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	LastPollTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionguard_last_poll_timestamp_seconds",
			Help: "Unix time of the last successful poll cycle",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionguard_active_sessions",
			Help: "Active playback sessions seen in the last poll",
		},
	)

	TrackedAccounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessionguard_tracked_accounts",
			Help: "Accounts held by the tracker, by state",
		},
		[]string{"state"},
	)

	// Policy and actions
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_alerts_total",
			Help: "Alert events by outcome",
		},
		[]string{"result"}, // recorded, persist_error
	)

	DisablesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_disables_total",
			Help: "Disable attempts by result",
		},
		[]string{"result"}, // success, already_disabled, failure
	)

	WhitelistSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionguard_whitelist_skips_total",
			Help: "Threshold crossings ignored because the account is whitelisted",
		},
	)

	// Geolocation
	GeoLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_geo_lookups_total",
			Help: "Geolocation lookups by provider and result",
		},
		[]string{"provider", "result"}, // result: success, error, timeout
	)

	GeoLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionguard_geo_lookup_duration_seconds",
			Help:    "Geolocation provider latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	GeoCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionguard_geo_cache_hits_total",
			Help: "Geolocation cache hits",
		},
	)

	GeoCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionguard_geo_cache_misses_total",
			Help: "Geolocation cache misses",
		},
	)

	// Store
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// Notifications
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_notifications_total",
			Help: "Alert notifications by notifier and result",
		},
		[]string{"notifier", "result"},
	)

	// HTTP API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_consecutive_failures",
			Help: "Current number of consecutive failures",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// RecordPollCycle records the outcome and duration of one poll cycle.
func RecordPollCycle(result string, duration time.Duration, sessions int) {
	PollCyclesTotal.WithLabelValues(result).Inc()
	PollCycleDuration.Observe(duration.Seconds())
	if result == "ok" {
		ActiveSessions.Set(float64(sessions))
		LastPollTimestamp.SetToCurrentTime()
	}
}

// RecordDBQuery records a store query and its failure, if any.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordGeoLookup records one provider call. Deadline errors are reported as
// timeouts so they can be told apart from provider failures.
func RecordGeoLookup(provider string, duration time.Duration, err error) {
	GeoLookupDuration.WithLabelValues(provider).Observe(duration.Seconds())
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		result = "timeout"
	default:
		result = "error"
	}
	GeoLookupsTotal.WithLabelValues(provider, result).Inc()
}

// RecordNotification records one notifier delivery.
func RecordNotification(notifier string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	NotificationsTotal.WithLabelValues(notifier, result).Inc()
}

// RecordAPIRequest records a handled API request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetTrackedAccounts replaces the per-state account gauges.
func SetTrackedAccounts(byState map[string]int) {
	TrackedAccounts.Reset()
	for state, n := range byState {
		TrackedAccounts.WithLabelValues(state).Set(float64(n))
	}
}

// isTimeout matches net.Error style timeouts.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
