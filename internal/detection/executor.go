// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/sessionguard/internal/emby"
	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/metrics"
)

// ActionStore persists what the executor does.
type ActionStore interface {
	SaveAlert(ctx context.Context, alert *Alert) error
	RecordAction(ctx context.Context, action *AccountAction) error
}

// AccountDisabler revokes access to an account. emby.API satisfies it.
type AccountDisabler interface {
	DisableUser(ctx context.Context, userID string) error
}

// ExecutionResult reports both phases of an execution separately: the
// alert can be recorded while the disable fails, and the other way round.
type ExecutionResult struct {
	Decision Decision

	AlertRecorded bool
	Alert         *Alert
	AlertErr      error

	DisableAttempted bool
	DisableErr       error
}

// DisableSucceeded is true when a disable was attempted and the account is
// now disabled on the server.
func (r ExecutionResult) DisableSucceeded() bool {
	return r.DisableAttempted && r.DisableErr == nil
}

// Err joins both phase errors.
func (r ExecutionResult) Err() error {
	return errors.Join(r.AlertErr, r.DisableErr)
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithNotifiers sets the alert fan-out targets.
func WithNotifiers(notifiers ...Notifier) ExecutorOption {
	return func(e *Executor) { e.notifiers = append(e.notifiers, notifiers...) }
}

// WithClock overrides the alert timestamp source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithNotifyTimeout bounds each notifier delivery.
func WithNotifyTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.notifyTimeout = d }
}

// Executor carries out policy decisions.
type Executor struct {
	store         ActionStore
	disabler      AccountDisabler
	notifiers     []Notifier
	now           func() time.Time
	notifyTimeout time.Duration

	wg sync.WaitGroup
}

// NewExecutor creates an executor. disabler may be nil when auto-disable is
// off; any disable decision then fails with ErrDisableFailed.
func NewExecutor(store ActionStore, disabler AccountDisabler, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:         store,
		disabler:      disabler,
		now:           time.Now,
		notifyTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute carries out decision for account. It never panics on partial
// failure; both phases are reported in the result.
func (e *Executor) Execute(ctx context.Context, decision Decision, account AccountRef, evidence Evidence) ExecutionResult {
	res := ExecutionResult{Decision: decision}

	switch decision {
	case DecisionNone:
		return res

	case DecisionAlert, DecisionAlertAndDisable:
		alert := e.buildAlert(account, evidence, decision == DecisionAlertAndDisable)
		e.recordAlert(ctx, alert, &res)

		if decision == DecisionAlertAndDisable {
			e.disable(ctx, account, &res)
			// the stored alert is never updated; readers derive this from the action log
			alert.Disabled = res.DisableSucceeded()
		}

		if res.AlertRecorded {
			e.notify(ctx, alert)
		}

	case DecisionRetryDisable:
		e.disable(ctx, account, &res)
	}

	return res
}

func (e *Executor) recordAlert(ctx context.Context, alert *Alert, res *ExecutionResult) {
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		res.AlertErr = fmt.Errorf("%w: save alert for %s: %w", ErrPersist, alert.Username, err)
		metrics.AlertsTotal.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Error().Err(err).Str("account", alert.Username).Msg("Failed to record alert")
		return
	}

	res.AlertRecorded = true
	res.Alert = alert
	metrics.AlertsTotal.WithLabelValues("recorded").Inc()
	logging.Ctx(ctx).Warn().
		Str("account", alert.Username).
		Strs("ips", alert.IPs).
		Str("location", alert.Location).
		Str("alert_uuid", alert.UUID).
		Msg("Account sharing detected")
}

func (e *Executor) disable(ctx context.Context, account AccountRef, res *ExecutionResult) {
	res.DisableAttempted = true

	var err error
	detail := "disabled"
	switch {
	case e.disabler == nil:
		err = errors.New("no media server client configured")
	case account.UserID == "":
		err = errors.New("missing user id")
	default:
		err = e.disabler.DisableUser(ctx, account.UserID)
	}
	if errors.Is(err, emby.ErrAlreadyDisabled) {
		err = nil
		detail = "already disabled"
	}

	action := &AccountAction{
		Username:  account.Username,
		UserID:    account.UserID,
		Action:    ActionDisable,
		Success:   err == nil,
		Detail:    detail,
		CreatedAt: e.now().UTC(),
	}

	if err != nil {
		res.DisableErr = fmt.Errorf("%w: %s: %w", ErrDisableFailed, account.Username, err)
		action.Detail = err.Error()
		metrics.DisablesTotal.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Error().Err(err).Str("account", account.Username).Msg("Failed to disable account, will retry")
	} else {
		metrics.DisablesTotal.WithLabelValues("success").Inc()
		logging.Ctx(ctx).Warn().Str("account", account.Username).Str("detail", detail).Msg("Account disabled")
	}

	if rerr := e.store.RecordAction(ctx, action); rerr != nil {
		logging.Ctx(ctx).Error().Err(rerr).Str("account", account.Username).Msg("Failed to record account action")
	}
}

// notify fans the alert out without blocking the cycle. Deliveries outlive
// the cycle context but not notifyTimeout.
func (e *Executor) notify(ctx context.Context, alert *Alert) {
	if len(e.notifiers) == 0 {
		return
	}
	snapshot := *alert
	base := context.WithoutCancel(ctx)

	for _, n := range e.notifiers {
		if !n.Enabled() {
			continue
		}
		e.wg.Add(1)
		go func(n Notifier) {
			defer e.wg.Done()
			nctx, cancel := context.WithTimeout(base, e.notifyTimeout)
			defer cancel()

			err := n.Send(nctx, &snapshot)
			metrics.RecordNotification(n.Name(), err)
			if err != nil {
				logging.Ctx(base).Warn().Err(err).Str("notifier", n.Name()).Str("account", snapshot.Username).Msg("Alert notification failed")
			}
		}(n)
	}
}

// Wait blocks until in-flight notifications finish.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) buildAlert(account AccountRef, evidence Evidence, autoDisable bool) *Alert {
	ips := append([]string(nil), evidence.IPs...)
	alert := &Alert{
		UUID:         uuid.NewString(),
		Username:     account.Username,
		UserID:       account.UserID,
		IPs:          ips,
		IPCount:      len(ips),
		Location:     joinLocations(ips, evidence.Locations),
		AutoDisable:  autoDisable,
		CreatedAt:    e.now().UTC(),
		SessionCount: len(evidence.Sessions),
	}

	if s, ok := latestSession(evidence.Sessions); ok {
		alert.Device = s.Device
		alert.Client = s.Client
	}

	alert.Message = fmt.Sprintf("Account %s streamed from %d distinct IP addresses: %s",
		account.Username, len(ips), strings.Join(ips, ", "))
	return alert
}

// joinLocations lists distinct known locations in evidence order.
func joinLocations(ips []string, locations map[string]string) string {
	var parts []string
	seen := make(map[string]struct{})
	for _, ip := range ips {
		loc := locations[ip]
		if loc == "" {
			continue
		}
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		parts = append(parts, loc)
	}
	return strings.Join(parts, "; ")
}

func latestSession(sessions []Session) (Session, bool) {
	if len(sessions) == 0 {
		return Session{}, false
	}
	latest := sessions[0]
	for _, s := range sessions[1:] {
		if s.ObservedAt.After(latest.ObservedAt) {
			latest = s
		}
	}
	return latest, true
}
