// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"errors"
	"time"
)

var (
	// ErrPersist wraps store failures. They affect one account for one cycle.
	ErrPersist = errors.New("detection: persistence failure")

	// ErrDisableFailed wraps a failed disable call. The account is retried on
	// the next cycle.
	ErrDisableFailed = errors.New("detection: disable failed")
)

// State is the coarse status of an account.
type State string

const (
	// StateNormal: fewer distinct IPs than the threshold.
	StateNormal State = "normal"

	// StateSuspicious: threshold reached and the account has not been disabled.
	StateSuspicious State = "suspicious"

	// StateDisabled is sticky across epochs until an administrator clears it.
	StateDisabled State = "disabled"

	// StateDisablePending: alert recorded, disable failed, retry due.
	StateDisablePending State = "disable_pending"
)

// AccountRef identifies an Emby account. Username is the identity; UserID is
// what the Emby policy endpoint needs.
type AccountRef struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
}

// AccountState is a point-in-time copy of one tracked account.
type AccountState struct {
	Account AccountRef `json:"account"`
	State   State      `json:"state"`

	// Evidence holds distinct IPs of the current epoch in first-seen order.
	Evidence []string `json:"evidence"`

	// Alerted is true once an alert has been recorded in this epoch.
	Alerted bool `json:"alerted"`

	EpochStart  time.Time `json:"epoch_start"`
	LastSeen    time.Time `json:"last_seen"`
	AbsentSince time.Time `json:"absent_since"`
}

// Decision is the outcome of the policy for one account in one cycle.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionAlert
	DecisionAlertAndDisable
	DecisionRetryDisable
)

func (d Decision) String() string {
	switch d {
	case DecisionAlert:
		return "alert"
	case DecisionAlertAndDisable:
		return "alert_and_disable"
	case DecisionRetryDisable:
		return "retry_disable"
	default:
		return "none"
	}
}

// Session is one observed playback session, as persisted.
type Session struct {
	ID         int64     `json:"id"`
	CycleID    int64     `json:"cycle_id"`
	Account    string    `json:"account"`
	UserID     string    `json:"user_id"`
	IP         string    `json:"ip"`
	SessionID  string    `json:"session_id,omitempty"`
	Device     string    `json:"device,omitempty"`
	Client     string    `json:"client,omitempty"`
	Media      string    `json:"media,omitempty"`
	Location   string    `json:"location,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Evidence is what the executor needs to describe an alert.
type Evidence struct {
	// IPs are the distinct addresses of the epoch, first-seen order.
	IPs []string

	// Locations maps IP to a display location. Missing entries are unknown.
	Locations map[string]string

	// Sessions are this cycle's sessions for the account.
	Sessions []Session
}

// Alert is an immutable record of an account crossing the threshold.
// Disabled is derived from the action log when alerts are read.
type Alert struct {
	ID          int64     `json:"id"`
	UUID        string    `json:"uuid"`
	Username    string    `json:"username"`
	UserID      string    `json:"user_id"`
	IPs         []string  `json:"ips"`
	IPCount     int       `json:"ip_count"`
	Location    string    `json:"location,omitempty"`
	Message     string    `json:"message"`
	AutoDisable bool      `json:"auto_disable"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`

	// Session details carried to notifiers only.
	Device       string `json:"device,omitempty"`
	Client       string `json:"client,omitempty"`
	SessionCount int    `json:"session_count,omitempty"`
}

// Action names stored in account_actions.
const (
	ActionDisable       = "disable"
	ActionEnable        = "enable"
	ActionReset         = "reset"
	ActionResetDisabled = "reset_clear_disabled"
)

// AccountAction is an audit row for a change made to an account.
type AccountAction struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Account string
	Since   *time.Time
	Limit   int
	Offset  int
}

// PollCycle is one run of the poll loop.
type PollCycle struct {
	ID           int64     `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	SessionCount int       `json:"session_count"`
	AccountCount int       `json:"account_count"`
	Status       string    `json:"status"`
}

// Poll cycle statuses.
const (
	CycleRunning    = "running"
	CycleOK         = "ok"
	CycleFetchError = "fetch_error"
)
