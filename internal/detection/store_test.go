// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"context"
	"database/sql"
	"slices"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// setupTestStore creates a DuckDBStore over a private in-memory database.
func setupTestStore(t *testing.T) *DuckDBStore {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("failed to open duckdb: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewDuckDBStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return store
}

// recordCycle stores one completed poll cycle with the given sessions, keyed
// by account.
func recordCycle(t *testing.T, s *DuckDBStore, at time.Time, byAccount map[string][]string) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := s.BeginCycle(ctx, at)
	if err != nil {
		t.Fatalf("BeginCycle() error = %v", err)
	}
	total := 0
	for account, ips := range byAccount {
		var sessions []Session
		for _, ip := range ips {
			sessions = append(sessions, Session{
				CycleID: id, Account: account, UserID: "u-" + account, IP: ip, ObservedAt: at,
			})
		}
		if err := s.SaveSessions(ctx, sessions); err != nil {
			t.Fatalf("SaveSessions() error = %v", err)
		}
		total += len(sessions)
	}
	if err := s.FinishCycle(ctx, PollCycle{
		ID: id, FinishedAt: at.Add(time.Second), SessionCount: total,
		AccountCount: len(byAccount), Status: CycleOK,
	}); err != nil {
		t.Fatalf("FinishCycle() error = %v", err)
	}
	return id
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() error = %v", err)
	}
}

func TestStoreAlerts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"bob", "alice", "bob"} {
		a := &Alert{
			UUID:      "uuid-" + string(rune('a'+i)),
			Username:  name,
			UserID:    "u-" + name,
			IPs:       []string{"1.1.1.1", "2.2.2.2"},
			IPCount:   2,
			Message:   "shared",
			CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}
		if err := s.SaveAlert(ctx, a); err != nil {
			t.Fatalf("SaveAlert() error = %v", err)
		}
		if a.ID == 0 {
			t.Fatal("SaveAlert() did not set ID")
		}
		if i == 0 {
			if err := s.RecordAction(ctx, &AccountAction{
				Username: name, UserID: a.UserID, Action: ActionDisable, Success: true, CreatedAt: a.CreatedAt,
			}); err != nil {
				t.Fatalf("RecordAction() error = %v", err)
			}
		}
	}

	all, err := s.ListAlerts(ctx, AlertFilter{})
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(all) != 3 || all[0].UUID != "uuid-c" {
		t.Fatalf("ListAlerts() = %d alerts, first %q; want newest first", len(all), all[0].UUID)
	}
	if got := all[2]; !got.Disabled || !slices.Equal(got.IPs, []string{"1.1.1.1", "2.2.2.2"}) || got.UserID != "u-bob" {
		t.Errorf("round-tripped alert = %+v", got)
	}

	since := t0.Add(30 * time.Minute)
	tests := []struct {
		name   string
		filter AlertFilter
		want   int
	}{
		{"by account", AlertFilter{Account: "bob"}, 2},
		{"since", AlertFilter{Since: &since}, 2},
		{"account and since", AlertFilter{Account: "bob", Since: &since}, 1},
		{"limit", AlertFilter{Limit: 1}, 1},
		{"offset", AlertFilter{Offset: 2}, 1},
		{"unknown account", AlertFilter{Account: "nobody"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListAlerts(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListAlerts() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("ListAlerts() = %d alerts, want %d", len(got), tt.want)
			}
		})
	}

	n, err := s.CountAlerts(ctx, AlertFilter{Account: "bob", Limit: 1})
	if err != nil || n != 2 {
		t.Errorf("CountAlerts() = %d, %v; want 2 ignoring limit", n, err)
	}
}

func TestStoreSessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	recordCycle(t, s, t0, map[string][]string{"bob": {"1.1.1.1"}, "alice": {"9.9.9.9"}})
	recordCycle(t, s, t0.Add(10*time.Second), map[string][]string{"bob": {"1.1.1.1", "2.2.2.2"}})

	got, err := s.ListSessions(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListSessions() = %d sessions, want 3", len(got))
	}
	if !got[0].ObservedAt.After(got[2].ObservedAt) {
		t.Error("sessions not newest first")
	}
	if got[0].UserID != "u-bob" || got[0].ID == 0 || got[0].CycleID == 0 {
		t.Errorf("session = %+v", got[0])
	}

	limited, _ := s.ListSessions(ctx, "bob", 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}

	last, err := s.LastCycle(ctx)
	if err != nil || last == nil {
		t.Fatalf("LastCycle() = %v, %v", last, err)
	}
	if last.Status != CycleOK || last.SessionCount != 2 || last.FinishedAt.IsZero() {
		t.Errorf("LastCycle() = %+v", last)
	}
}

func TestLastCycleEmpty(t *testing.T) {
	s := setupTestStore(t)
	c, err := s.LastCycle(context.Background())
	if err != nil || c != nil {
		t.Errorf("LastCycle() = %v, %v; want nil, nil", c, err)
	}
}

func TestLoadStateEmpty(t *testing.T) {
	s := setupTestStore(t)
	states, err := s.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if len(states) != 0 {
		t.Errorf("LoadState() = %v, want empty", states)
	}
}

func TestLoadStateRebuildsEvidenceSinceLastGap(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	recordCycle(t, s, tick(0), map[string][]string{"bob": {"0.0.0.1"}, "carol": {"7.7.7.7"}})
	recordCycle(t, s, tick(1), map[string][]string{"carol": {"7.7.7.7"}}) // gap for bob
	recordCycle(t, s, tick(2), map[string][]string{"bob": {"1.1.1.1"}, "carol": {"7.7.7.7"}})
	recordCycle(t, s, tick(3), map[string][]string{"bob": {"2.2.2.2", "1.1.1.1"}})

	// A failed fetch after the last real cycle does not end anyone's epoch.
	id, _ := s.BeginCycle(ctx, tick(4))
	_ = s.FinishCycle(ctx, PollCycle{ID: id, FinishedAt: tick(4), Status: CycleFetchError})

	if err := s.SaveAlert(ctx, &Alert{
		UUID: "a1", Username: "bob", UserID: "u-bob", IPs: []string{"1.1.1.1", "2.2.2.2"},
		IPCount: 2, Message: "m", CreatedAt: tick(3),
	}); err != nil {
		t.Fatal(err)
	}

	states, err := s.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("LoadState() = %+v, want only bob (carol was absent from the latest cycle)", states)
	}
	b := states[0]
	if b.Account.Username != "bob" || b.Account.UserID != "u-bob" {
		t.Errorf("account = %+v", b.Account)
	}
	if !slices.Equal(b.Evidence, []string{"1.1.1.1", "2.2.2.2"}) {
		t.Errorf("Evidence = %v, want IPs since the gap", b.Evidence)
	}
	if !b.EpochStart.Equal(tick(2)) || !b.LastSeen.Equal(tick(3)) {
		t.Errorf("EpochStart/LastSeen = %v/%v", b.EpochStart, b.LastSeen)
	}
	if !b.Alerted {
		t.Error("alert in the current epoch not restored")
	}
}

func TestLoadStateOldAlertDoesNotCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.SaveAlert(ctx, &Alert{UUID: "old", Username: "bob", IPs: []string{"x"}, IPCount: 1, Message: "m", CreatedAt: tick(0)}); err != nil {
		t.Fatal(err)
	}
	recordCycle(t, s, tick(1), map[string][]string{"alice": {"5.5.5.5"}})
	recordCycle(t, s, tick(2), map[string][]string{"bob": {"1.1.1.1"}})

	states, err := s.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Alerted {
		t.Errorf("LoadState() = %+v, want bob not alerted", states)
	}
}

func TestStoreAlertDisabledFromActions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	saveAlert := func(uuid string, at time.Time) {
		t.Helper()
		if err := s.SaveAlert(ctx, &Alert{
			UUID: uuid, Username: "bob", UserID: "u-bob", IPs: []string{"1.1.1.1", "2.2.2.2"},
			IPCount: 2, Message: "shared", AutoDisable: true, CreatedAt: at,
		}); err != nil {
			t.Fatalf("SaveAlert() error = %v", err)
		}
	}
	disable := func(at time.Time, ok bool) {
		t.Helper()
		if err := s.RecordAction(ctx, &AccountAction{
			Username: "bob", UserID: "u-bob", Action: ActionDisable, Success: ok, CreatedAt: at,
		}); err != nil {
			t.Fatalf("RecordAction() error = %v", err)
		}
	}

	// first alert: failed disable, then a successful retry
	saveAlert("first", tick(0))
	disable(tick(0), false)
	disable(tick(1), true)
	// second alert: every disable attempt fails
	saveAlert("second", tick(5))
	disable(tick(5), false)

	alerts, err := s.ListAlerts(ctx, AlertFilter{Account: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool)
	for _, a := range alerts {
		got[a.UUID] = a.Disabled
	}
	if !got["first"] || got["second"] {
		t.Errorf("disabled = %v, want first only", got)
	}
}

func TestLoadStateStickyStates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	actions := []AccountAction{
		{Username: "dave", UserID: "u-dave", Action: ActionDisable, Success: true},
		{Username: "erin", UserID: "u-erin", Action: ActionDisable, Success: false},
		{Username: "frank", UserID: "u-frank", Action: ActionDisable, Success: true},
		{Username: "frank", UserID: "u-frank", Action: ActionEnable, Success: true},
		{Username: "gina", UserID: "u-gina", Action: ActionDisable, Success: false},
		{Username: "gina", UserID: "u-gina", Action: ActionReset, Success: true},
		{Username: "hank", UserID: "u-hank", Action: ActionDisable, Success: true},
		{Username: "hank", UserID: "u-hank", Action: ActionReset, Success: true},
		{Username: "ivy", UserID: "u-ivy", Action: ActionDisable, Success: true},
		{Username: "ivy", UserID: "u-ivy", Action: ActionResetDisabled, Success: true},
	}
	for i := range actions {
		actions[i].CreatedAt = tick(i)
		if err := s.RecordAction(ctx, &actions[i]); err != nil {
			t.Fatalf("RecordAction() error = %v", err)
		}
	}

	states, err := s.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]AccountState)
	for _, st := range states {
		got[st.Account.Username] = st
	}

	// erin's failed disable belongs to an epoch that has ended
	want := map[string]State{
		"dave": StateDisabled,
		"hank": StateDisabled,
	}
	if len(got) != len(want) {
		t.Fatalf("LoadState() = %+v, want %v", states, want)
	}
	for name, st := range want {
		if got[name].State != st {
			t.Errorf("%s state = %s, want %s", name, got[name].State, st)
		}
		if got[name].Account.UserID != "u-"+name {
			t.Errorf("%s user id = %q", name, got[name].Account.UserID)
		}
	}
}

func TestLoadStateDisablePending(t *testing.T) {
	tests := []struct {
		name        string
		later       []map[string][]string
		wantState   State
		wantAlerted bool
	}{
		{"same epoch", nil, StateDisablePending, true},
		{"epoch continues", []map[string][]string{{"erin": {"3.3.3.3"}}}, StateDisablePending, true},
		{"new epoch after gap", []map[string][]string{{}, {"erin": {"3.3.3.3"}}}, StateNormal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()

			recordCycle(t, s, tick(0), map[string][]string{"erin": {"1.1.1.1", "2.2.2.2"}})
			if err := s.RecordAction(ctx, &AccountAction{
				Username: "erin", UserID: "u-erin", Action: ActionDisable, Success: false, CreatedAt: tick(0),
			}); err != nil {
				t.Fatal(err)
			}
			for i, byAccount := range tt.later {
				recordCycle(t, s, tick(i+1), byAccount)
			}

			states, err := s.LoadState(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(states) != 1 {
				t.Fatalf("LoadState() = %+v, want erin only", states)
			}
			if st := states[0]; st.State != tt.wantState || st.Alerted != tt.wantAlerted {
				t.Errorf("erin = %s alerted=%v, want %s alerted=%v", st.State, st.Alerted, tt.wantState, tt.wantAlerted)
			}
		})
	}
}

func TestLoadStatePendingDroppedWhenAbsent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	recordCycle(t, s, tick(0), map[string][]string{"erin": {"1.1.1.1", "2.2.2.2"}})
	if err := s.RecordAction(ctx, &AccountAction{
		Username: "erin", UserID: "u-erin", Action: ActionDisable, Success: false, CreatedAt: tick(0),
	}); err != nil {
		t.Fatal(err)
	}
	recordCycle(t, s, tick(1), map[string][]string{"frank": {"9.9.9.9"}})

	states, err := s.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range states {
		if st.Account.Username == "erin" {
			t.Errorf("erin restored as %s after the epoch ended", st.State)
		}
	}
}

func TestLoadStateIntoTracker(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	recordCycle(t, s, tick(0), map[string][]string{"bob": {"1.1.1.1", "2.2.2.2"}})
	if err := s.RecordAction(ctx, &AccountAction{Username: "bob", UserID: "u-bob", Action: ActionDisable, Success: true, CreatedAt: tick(0)}); err != nil {
		t.Fatal(err)
	}

	states, err := s.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTracker(TrackerConfig{Threshold: 2})
	tr.Restore(states)

	st, ok := tr.Get("bob")
	if !ok || st.State != StateDisabled || len(st.Evidence) != 2 {
		t.Fatalf("restored bob = %+v", st)
	}
	p := NewPolicy(PolicyConfig{Threshold: 2, AutoDisable: true}, nil, true)
	if d := p.Evaluate(st); d != DecisionAlertAndDisable {
		// no alert row exists for this epoch, so the restart re-alerts
		t.Errorf("Evaluate() = %s", d)
	}
}

func TestFoldAction(t *testing.T) {
	tests := []struct {
		current State
		action  string
		success bool
		want    State
	}{
		{"", ActionDisable, true, StateDisabled},
		{"", ActionDisable, false, StateDisablePending},
		{StateDisabled, ActionDisable, false, StateDisabled},
		{StateDisabled, ActionEnable, true, StateNormal},
		{StateDisabled, ActionEnable, false, StateDisabled},
		{StateDisabled, ActionReset, true, StateDisabled},
		{StateDisablePending, ActionReset, true, StateNormal},
		{StateDisabled, ActionResetDisabled, true, StateNormal},
		{StateDisablePending, "unknown", true, StateDisablePending},
	}
	for _, tt := range tests {
		if got := foldAction(tt.current, tt.action, tt.success); got != tt.want {
			t.Errorf("foldAction(%q, %q, %v) = %q, want %q", tt.current, tt.action, tt.success, got, tt.want)
		}
	}
}
