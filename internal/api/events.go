// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package api

import (
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/tomtom215/sessionguard/internal/logging"
	ws "github.com/tomtom215/sessionguard/internal/websocket"
)

// EnableEvents serves the live event stream from hub. Browser connections
// must come from one of allowedOrigins ("*" allows any).
func (h *Handler) EnableEvents(hub *ws.Hub, allowedOrigins []string) {
	h.hub = hub
	h.allowedOrigins = allowedOrigins
}

func (h *Handler) getUpgrader() gorillaws.Upgrader {
	return gorillaws.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates browser origins. Requests without an Origin
// header come from non-browser clients, which already passed bearer auth.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// Events upgrades the connection and streams alerts and cycle results.
//
//	GET /api/v1/events
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "event stream unavailable", nil)
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logging.Ctx(r.Context()).Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn)
	select {
	case h.hub.Register <- client:
		client.Start()
	case <-time.After(5 * time.Second):
		logging.Ctx(r.Context()).Warn().Msg("WebSocket hub not running, closing connection")
		_ = conn.Close()
	}
}
