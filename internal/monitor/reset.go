// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/sessionguard/internal/detection"
	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/metrics"
)

var (
	// ErrUnknownUser is returned when an enable is requested for an account
	// whose media server id is not known.
	ErrUnknownUser = errors.New("unknown user id")

	// ErrEnableUnavailable is returned when no enabler is configured.
	ErrEnableUnavailable = errors.New("account enable not available")

	// ErrStopped is returned for resets queued after the loop stopped.
	ErrStopped = errors.New("monitor stopped")
)

// ResetRequest asks the loop to start a new epoch for an account.
type ResetRequest struct {
	Username string
	UserID   string

	// ClearDisabled also drops the sticky Disabled state.
	ClearDisabled bool

	// Enable re-enables the media server user. It implies ClearDisabled.
	Enable bool
}

// ResetResult reports what a reset changed.
type ResetResult struct {
	Tracked bool                   `json:"tracked"`
	Enabled bool                   `json:"enabled"`
	State   detection.AccountState `json:"state"`
	Err     error                  `json:"-"`
}

type resetRequest struct {
	ResetRequest
	reply chan ResetResult
}

// RequestReset queues req for the loop and waits for it to be applied. The
// queue is only drained by RunWithContext; once the loop has exited, requests
// fail with ErrStopped.
func (m *Monitor) RequestReset(ctx context.Context, req ResetRequest) (ResetResult, error) {
	stopped := m.stoppedChan()
	select {
	case <-stopped:
		return ResetResult{}, ErrStopped
	default:
	}

	r := resetRequest{ResetRequest: req, reply: make(chan ResetResult, 1)}
	select {
	case m.resets <- r:
	case <-stopped:
		return ResetResult{}, ErrStopped
	case <-ctx.Done():
		return ResetResult{}, ctx.Err()
	}

	select {
	case res := <-r.reply:
		return res, res.Err
	case <-stopped:
		return ResetResult{}, ErrStopped
	case <-ctx.Done():
		return ResetResult{}, ctx.Err()
	}
}

func (m *Monitor) stoppedChan() chan struct{} {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.stopped
}

// markRunning reopens the queue when the loop is restarted. Requests left
// over from the previous run were already answered with ErrStopped.
func (m *Monitor) markRunning() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	select {
	case <-m.stopped:
		m.drainResets(errors.New("poll loop restarted"))
		m.stopped = make(chan struct{})
	default:
	}
}

func (m *Monitor) markStopped() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
}

// applyReset runs on the loop goroutine.
func (m *Monitor) applyReset(ctx context.Context, req ResetRequest) ResetResult {
	log := logging.Ctx(ctx).With().Str("account", req.Username).Logger()
	clearDisabled := req.ClearDisabled || req.Enable

	userID := req.UserID
	if prev, ok := m.deps.Tracker.Get(req.Username); ok && userID == "" {
		userID = prev.Account.UserID
	}

	res := ResetResult{Tracked: m.deps.Tracker.Reset(req.Username, clearDisabled)}
	action := detection.ActionReset
	if clearDisabled {
		action = detection.ActionResetDisabled
	}
	m.recordAction(ctx, req.Username, userID, action, nil)

	if req.Enable {
		res.Err = m.enable(ctx, userID)
		m.recordAction(ctx, req.Username, userID, detection.ActionEnable, res.Err)
		res.Enabled = res.Err == nil
	}

	if st, ok := m.deps.Tracker.Get(req.Username); ok {
		res.State = st
	} else {
		res.State = detection.AccountState{
			Account: detection.AccountRef{Username: req.Username, UserID: userID},
			State:   detection.StateNormal,
		}
	}
	metrics.SetTrackedAccounts(m.deps.Tracker.CountByState())

	log.Info().
		Bool("tracked", res.Tracked).
		Bool("clear_disabled", clearDisabled).
		Bool("enabled", res.Enabled).
		Err(res.Err).
		Msg("Account reset")
	return res
}

func (m *Monitor) enable(ctx context.Context, userID string) error {
	if m.deps.Enabler == nil {
		return ErrEnableUnavailable
	}
	if userID == "" {
		return ErrUnknownUser
	}
	if err := m.deps.Enabler.EnableUser(ctx, userID); err != nil {
		return fmt.Errorf("enable user %s: %w", userID, err)
	}
	return nil
}

func (m *Monitor) recordAction(ctx context.Context, username, userID, action string, actErr error) {
	a := &detection.AccountAction{
		Username:  username,
		UserID:    userID,
		Action:    action,
		Success:   actErr == nil,
		CreatedAt: m.deps.Now(),
	}
	if actErr != nil {
		a.Detail = actErr.Error()
	}
	if err := m.deps.Store.RecordAction(ctx, a); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("account", username).Str("action", action).Msg("Failed to record account action")
	}
}

// drainResets fails every queued reset once the loop has stopped.
func (m *Monitor) drainResets(cause error) {
	for {
		select {
		case r := <-m.resets:
			r.reply <- ResetResult{Err: fmt.Errorf("%w: %w", ErrStopped, cause)}
		default:
			return
		}
	}
}
