// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Threshold separates Normal from Suspicious. Values below 1 mean 1.
	Threshold int

	// ResetGrace delays the end of an epoch until the account has been absent
	// this long. Zero ends it on the first poll without sessions.
	ResetGrace time.Duration
}

type account struct {
	ref         AccountRef
	state       State
	ips         []string
	seen        map[string]struct{}
	alerted     bool
	epochStart  time.Time
	lastSeen    time.Time
	absentSince time.Time
}

func (a *account) snapshot() AccountState {
	return AccountState{
		Account:     a.ref,
		State:       a.state,
		Evidence:    slices.Clone(a.ips),
		Alerted:     a.alerted,
		EpochStart:  a.epochStart,
		LastSeen:    a.lastSeen,
		AbsentSince: a.absentSince,
	}
}

// Tracker holds the distinct-IP evidence of every account with sessions in
// the current epoch, and of every account in a sticky state.
//
// All mutating methods are called from the poll loop. Snapshot is safe to
// call from other goroutines.
type Tracker struct {
	cfg TrackerConfig

	mu       sync.RWMutex
	accounts map[string]*account
}

// NewTracker creates an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.ResetGrace < 0 {
		cfg.ResetGrace = 0
	}
	return &Tracker{
		cfg:      cfg,
		accounts: make(map[string]*account),
	}
}

// Observe merges the IPs seen for ref in one poll and returns the resulting
// state. An empty ips ends the epoch (subject to ResetGrace): evidence and
// the alerted flag are cleared and the state returns to Normal, except that
// Disabled stays Disabled. A pending disable retry ends with its epoch.
func (t *Tracker) Observe(ref AccountRef, ips []string, at time.Time) AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.accounts[ref.Username]
	if !ok {
		if len(ips) == 0 {
			return AccountState{Account: ref, State: StateNormal}
		}
		a = &account{ref: ref, state: StateNormal, seen: make(map[string]struct{})}
		t.accounts[ref.Username] = a
	}
	if ref.UserID != "" {
		a.ref.UserID = ref.UserID
	}

	if len(ips) == 0 {
		t.observeAbsent(a, at)
		snap := a.snapshot()
		if a.state == StateNormal && len(a.ips) == 0 {
			delete(t.accounts, ref.Username)
		}
		return snap
	}

	a.absentSince = time.Time{}
	if a.epochStart.IsZero() {
		a.epochStart = at
	}
	a.lastSeen = at
	for _, ip := range ips {
		if ip == "" {
			continue
		}
		if _, dup := a.seen[ip]; dup {
			continue
		}
		a.seen[ip] = struct{}{}
		a.ips = append(a.ips, ip)
	}
	t.refreshState(a)
	return a.snapshot()
}

func (t *Tracker) observeAbsent(a *account, at time.Time) {
	if a.absentSince.IsZero() {
		a.absentSince = at
	}
	if at.Sub(a.absentSince) < t.cfg.ResetGrace {
		return
	}

	a.ips = nil
	a.seen = make(map[string]struct{})
	a.epochStart = time.Time{}
	a.alerted = false
	if a.state != StateDisabled {
		a.state = StateNormal
	}
}

// refreshState derives Normal or Suspicious from the evidence size. Sticky
// states are left alone.
func (t *Tracker) refreshState(a *account) {
	if a.state == StateDisabled || a.state == StateDisablePending {
		return
	}
	if len(a.ips) >= t.cfg.Threshold {
		a.state = StateSuspicious
	} else {
		a.state = StateNormal
	}
}

// Apply folds an execution result into the account state: a recorded alert
// sets the alerted flag, a disable attempt moves the account to Disabled or
// DisablePending.
func (t *Tracker) Apply(username string, res ExecutionResult) AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.accounts[username]
	if !ok {
		return AccountState{Account: AccountRef{Username: username}, State: StateNormal}
	}

	if res.AlertRecorded {
		a.alerted = true
	}
	if res.DisableAttempted {
		if res.DisableSucceeded() {
			a.state = StateDisabled
		} else {
			a.state = StateDisablePending
		}
	}
	return a.snapshot()
}

// Reset starts a new epoch for username. Disabled is kept unless
// clearDisabled is set; a pending retry is always dropped. It reports whether
// the account was tracked.
func (t *Tracker) Reset(username string, clearDisabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.accounts[username]
	if !ok {
		return false
	}

	a.ips = nil
	a.seen = make(map[string]struct{})
	a.alerted = false
	a.epochStart = time.Time{}
	a.absentSince = time.Time{}
	if a.state != StateDisabled || clearDisabled {
		a.state = StateNormal
	}
	if a.state == StateNormal {
		delete(t.accounts, username)
	}
	return true
}

// Restore replaces tracker contents with states rebuilt from the store.
func (t *Tracker) Restore(states []AccountState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accounts = make(map[string]*account, len(states))
	for _, s := range states {
		a := &account{
			ref:         s.Account,
			state:       s.State,
			seen:        make(map[string]struct{}, len(s.Evidence)),
			alerted:     s.Alerted,
			epochStart:  s.EpochStart,
			lastSeen:    s.LastSeen,
			absentSince: s.AbsentSince,
		}
		for _, ip := range s.Evidence {
			if _, dup := a.seen[ip]; dup {
				continue
			}
			a.seen[ip] = struct{}{}
			a.ips = append(a.ips, ip)
		}
		if a.state == "" {
			a.state = StateNormal
		}
		t.refreshState(a)
		t.accounts[s.Account.Username] = a
	}
}

// Get returns the state of one account.
func (t *Tracker) Get(username string) (AccountState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.accounts[username]
	if !ok {
		return AccountState{}, false
	}
	return a.snapshot(), true
}

// Tracked lists the accounts currently held, sorted by username.
func (t *Tracker) Tracked() []AccountRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	refs := make([]AccountRef, 0, len(t.accounts))
	for _, a := range t.accounts {
		refs = append(refs, a.ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Username < refs[j].Username })
	return refs
}

// Snapshot copies every tracked account, sorted by username.
func (t *Tracker) Snapshot() []AccountState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]AccountState, 0, len(t.accounts))
	for _, a := range t.accounts {
		out = append(out, a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.Username < out[j].Account.Username })
	return out
}

// CountByState returns the number of tracked accounts per state.
func (t *Tracker) CountByState() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := map[string]int{
		string(StateNormal):         0,
		string(StateSuspicious):     0,
		string(StateDisabled):       0,
		string(StateDisablePending): 0,
	}
	for _, a := range t.accounts {
		counts[string(a.state)]++
	}
	return counts
}
