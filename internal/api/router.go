// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

// Package api serves the admin HTTP API with the chi router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the route tree.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /api/v1/accounts
//	GET  /api/v1/accounts/{account}/sessions
//	POST /api/v1/accounts/{account}/reset?enable=&clear_disabled=
//	GET  /api/v1/alerts?limit=&offset=&account=&since=
//	GET  /api/v1/events (WebSocket)
func NewRouter(h *Handler, mw *Middleware) http.Handler {
	if mw == nil {
		mw = NewMiddleware(nil)
	}

	r := chi.NewRouter()
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.RateLimit())
		r.Use(PrometheusMetrics)
		r.Use(mw.Authenticate())

		r.Get("/accounts", h.ListAccounts)
		r.Get("/accounts/{account}/sessions", h.ListAccountSessions)
		r.Post("/accounts/{account}/reset", h.ResetAccount)
		r.Get("/alerts", h.ListAlerts)
		r.Get("/events", h.Events)
	})

	return r
}
