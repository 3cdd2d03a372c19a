// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/sessionguard/internal/detection"
	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/models"
	"github.com/tomtom215/sessionguard/internal/monitor"
	ws "github.com/tomtom215/sessionguard/internal/websocket"
)

// Monitor is the poll loop as seen by the API.
type Monitor interface {
	Status() monitor.Status
	Accounts() []detection.AccountState
	RequestReset(ctx context.Context, req monitor.ResetRequest) (monitor.ResetResult, error)
}

// Store is the read side of the session store.
type Store interface {
	ListAlerts(ctx context.Context, filter detection.AlertFilter) ([]detection.Alert, error)
	CountAlerts(ctx context.Context, filter detection.AlertFilter) (int, error)
	ListSessions(ctx context.Context, account string, limit int) ([]detection.Session, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the admin API.
type Handler struct {
	monitor      Monitor
	store        Store
	db           Pinger
	startTime    time.Time
	resetTimeout time.Duration

	hub            *ws.Hub
	allowedOrigins []string
}

// NewHandler creates a Handler. db may be nil.
func NewHandler(m Monitor, store Store, db Pinger) *Handler {
	return &Handler{
		monitor:      m,
		store:        store,
		db:           db,
		startTime:    time.Now(),
		resetTimeout: 30 * time.Second,
	}
}

// HealthStatus is the body of /healthz.
type HealthStatus struct {
	Status            string     `json:"status"`
	DatabaseConnected bool       `json:"database_connected"`
	LastCycle         *time.Time `json:"last_cycle,omitempty"`
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	LastResult        string     `json:"last_result,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	Uptime            float64    `json:"uptime_seconds"`
}

// Healthz reports liveness and the last poll cycle. It answers 503 only when
// the database is unreachable; a failing media server shows up as degraded.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:            "healthy",
		DatabaseConnected: h.db == nil || h.db.Ping(r.Context()) == nil,
		Uptime:            time.Since(h.startTime).Seconds(),
	}

	if h.monitor != nil {
		st := h.monitor.Status()
		if !st.LastCycle.IsZero() {
			health.LastCycle = &st.LastCycle
		}
		if !st.LastSuccess.IsZero() {
			health.LastSuccess = &st.LastSuccess
		}
		health.LastResult = st.Result
		health.LastError = st.Error
		if st.Result != "" && st.Result != detection.CycleOK {
			health.Status = "degraded"
		}
	}

	status := http.StatusOK
	if !health.DatabaseConnected {
		health.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, &models.APIResponse{
		Status:   "success",
		Data:     health,
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
	})
}

// ListAccounts handles GET /api/v1/accounts. ?state= filters by state.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.monitor.Accounts()

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := accounts[:0]
		for _, a := range accounts {
			if string(a.State) == state {
				filtered = append(filtered, a)
			}
		}
		accounts = filtered
	}

	total := len(accounts)
	respondData(w, accounts, models.Metadata{Total: &total})
}

// SessionsRequest holds the parameters of GET /accounts/{account}/sessions.
type SessionsRequest struct {
	Account string `json:"account" validate:"required,max=256"`
	Limit   int    `json:"limit" validate:"gte=1,lte=1000"`
}

// accountParam returns the unescaped {account} path segment.
func accountParam(r *http.Request) string {
	raw := chi.URLParam(r, "account")
	if v, err := url.PathUnescape(raw); err == nil {
		raw = v
	}
	return strings.TrimSpace(raw)
}

// ListAccountSessions handles GET /api/v1/accounts/{account}/sessions.
func (h *Handler) ListAccountSessions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := SessionsRequest{
		Account: accountParam(r),
		Limit:   getIntParam(r, "limit", 100),
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondValidationError(w, apiErr)
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), req.Account, req.Limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to fetch sessions", err)
		return
	}

	total := len(sessions)
	respondData(w, sessions, models.Metadata{
		Total:       &total,
		QueryTimeMS: time.Since(start).Milliseconds(),
	})
}

// AlertsRequest holds the parameters of GET /api/v1/alerts.
type AlertsRequest struct {
	Limit   int    `json:"limit" validate:"gte=1,lte=1000"`
	Offset  int    `json:"offset" validate:"gte=0"`
	Account string `json:"account" validate:"omitempty,max=256"`
	Since   string `json:"since" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

func (req *AlertsRequest) filter() detection.AlertFilter {
	f := detection.AlertFilter{
		Account: req.Account,
		Limit:   req.Limit,
		Offset:  req.Offset,
	}
	if req.Since != "" {
		if t, err := time.Parse(time.RFC3339, req.Since); err == nil {
			f.Since = &t
		}
	}
	return f
}

// ListAlerts handles GET /api/v1/alerts?limit&offset&account&since.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	req := AlertsRequest{
		Limit:   getIntParam(r, "limit", 100),
		Offset:  getIntParam(r, "offset", 0),
		Account: q.Get("account"),
		Since:   q.Get("since"),
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondValidationError(w, apiErr)
		return
	}

	filter := req.filter()
	alerts, err := h.store.ListAlerts(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to fetch alerts", err)
		return
	}
	total, err := h.store.CountAlerts(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to count alerts", err)
		return
	}

	respondData(w, alerts, models.Metadata{
		Total:       &total,
		QueryTimeMS: time.Since(start).Milliseconds(),
	})
}

// ResetAccount handles POST /api/v1/accounts/{account}/reset. The reset is
// queued to the poll loop and the response waits for it to be applied.
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if account == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "account is required", nil)
		return
	}

	enable, err := getBoolParam(r, "enable")
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	clearDisabled, err := getBoolParam(r, "clear_disabled")
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.resetTimeout)
	defer cancel()

	res, err := h.monitor.RequestReset(ctx, monitor.ResetRequest{
		Username:      account,
		ClearDisabled: clearDisabled,
		Enable:        enable,
	})
	switch {
	case err == nil:
	case errors.Is(err, monitor.ErrUnknownUser):
		respondError(w, http.StatusNotFound, "UNKNOWN_USER", "Account has no known Emby user id", nil)
		return
	case errors.Is(err, monitor.ErrEnableUnavailable):
		respondError(w, http.StatusNotImplemented, "ENABLE_UNAVAILABLE", "Account enable is not available", nil)
		return
	case errors.Is(err, monitor.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, "MONITOR_STOPPED", "Poll loop is not running", err)
		return
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "TIMEOUT", "Reset was not applied in time", err)
		return
	default:
		// The tracker reset happened; only the Emby call failed.
		respondError(w, http.StatusBadGateway, "ENABLE_FAILED", "Account was reset but could not be enabled in Emby", err)
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("account", sanitizeLogValue(account)).
		Bool("enable", enable).
		Bool("clear_disabled", clearDisabled).
		Msg("Admin reset applied")

	respondData(w, res, models.Metadata{})
}
