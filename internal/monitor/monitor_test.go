// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package monitor

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionguard/internal/config"
	"github.com/tomtom215/sessionguard/internal/detection"
	"github.com/tomtom215/sessionguard/internal/emby"
	"github.com/tomtom215/sessionguard/internal/geo"
	"github.com/tomtom215/sessionguard/internal/models"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

// fakeEmby serves the session and user policy endpoints.
type fakeEmby struct {
	mu            sync.Mutex
	sessions      []map[string]any
	policies      map[string]map[string]any
	names         map[string]string
	policyPosts   int
	failSessions  bool
	failPolicyFor int
}

func newFakeEmby(t *testing.T) (*fakeEmby, *httptest.Server) {
	t.Helper()
	f := &fakeEmby{
		policies: make(map[string]map[string]any),
		names:    make(map[string]string),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeEmby) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/emby")
	switch {
	case path == "/Sessions":
		if f.failSessions {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(f.sessions)

	case strings.HasSuffix(path, "/Policy") && r.Method == http.MethodPost:
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/Users/"), "/Policy")
		f.policyPosts++
		if f.failPolicyFor > 0 {
			f.failPolicyFor--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var policy map[string]any
		if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.policies[id] = policy
		w.WriteHeader(http.StatusNoContent)

	case strings.HasPrefix(path, "/Users/"):
		id := strings.TrimPrefix(path, "/Users/")
		name, ok := f.names[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Id": id, "Name": name, "Policy": f.policies[id]})

	default:
		http.NotFound(w, r)
	}
}

// setPoll replaces the active sessions. Keys are usernames, user ids are
// "u-" + username.
func (f *fakeEmby) setPoll(byUser map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessions = nil
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	slices.Sort(users)
	for _, u := range users {
		id := "u-" + u
		if _, ok := f.names[id]; !ok {
			f.names[id] = u
			f.policies[id] = map[string]any{"IsAdministrator": u == "admin", "IsDisabled": false, "EnableRemoteAccess": true}
		}
		for i, ip := range byUser[u] {
			f.sessions = append(f.sessions, map[string]any{
				"Id":             u + "-" + ip,
				"UserId":         id,
				"UserName":       u,
				"Client":         "Emby Web",
				"DeviceName":     "device-" + string(rune('a'+i)),
				"RemoteEndPoint": ip + ":50000",
				"NowPlayingItem": map[string]any{"Id": "m1", "Name": "Heat", "Type": "Movie"},
			})
		}
	}
}

func (f *fakeEmby) disabled(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := f.policies[id]["IsDisabled"].(bool)
	return v
}

func (f *fakeEmby) posts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policyPosts
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harnessOptions struct {
	threshold   int
	autoDisable bool
	whitelist   []string
	locator     Locator
	events      CycleListener
	disabled    bool
	interval    time.Duration

	// store failures injected in front of the DuckDB store
	failSaveFor string
	failBegin   bool
}

// failingStore fails selected writes and passes the rest to the DuckDB store.
type failingStore struct {
	*detection.DuckDBStore
	saveFor string
	begin   bool
}

func (s *failingStore) BeginCycle(ctx context.Context, startedAt time.Time) (int64, error) {
	if s.begin {
		return 0, errors.New("disk full")
	}
	return s.DuckDBStore.BeginCycle(ctx, startedAt)
}

func (s *failingStore) SaveSessions(ctx context.Context, sessions []detection.Session) error {
	if len(sessions) > 0 && sessions[0].Account == s.saveFor {
		return errors.New("disk full")
	}
	return s.DuckDBStore.SaveSessions(ctx, sessions)
}

type harness struct {
	emby    *fakeEmby
	store   *detection.DuckDBStore
	tracker *detection.Tracker
	monitor *Monitor
	clock   *clock
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	fake, srv := newFakeEmby(t)
	client := emby.NewClient(&config.EmbyConfig{URL: srv.URL, APIKey: "k", Timeout: 5 * time.Second})

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("failed to open duckdb: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store := detection.NewDuckDBStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	clk := &clock{now: t0}
	tracker := detection.NewTracker(detection.TrackerConfig{Threshold: opts.threshold})
	policy := detection.NewPolicy(detection.PolicyConfig{Threshold: opts.threshold, AutoDisable: opts.autoDisable}, opts.whitelist, true)
	executor := detection.NewExecutor(store, client, detection.WithClock(clk.Now))

	interval := opts.interval
	if interval == 0 {
		interval = time.Hour
	}

	var loopStore Store = store
	if opts.failSaveFor != "" || opts.failBegin {
		loopStore = &failingStore{DuckDBStore: store, saveFor: opts.failSaveFor, begin: opts.failBegin}
	}

	m := New(Deps{
		Source:   client,
		Store:    loopStore,
		Tracker:  tracker,
		Policy:   policy,
		Executor: executor,
		Locator:  opts.locator,
		Enabler:  client,
		Events:   opts.events,
		Now:      clk.Now,
	}, Config{Interval: interval, CycleTimeout: 5 * time.Second, DetectionEnabled: !opts.disabled})

	return &harness{emby: fake, store: store, tracker: tracker, monitor: m, clock: clk}
}

func (h *harness) cycle(t *testing.T, byUser map[string][]string) Report {
	t.Helper()
	h.emby.setPoll(byUser)
	report, err := h.monitor.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	h.clock.Advance(10 * time.Second)
	return report
}

func (h *harness) alerts(t *testing.T, account string) []detection.Alert {
	t.Helper()
	alerts, err := h.store.ListAlerts(context.Background(), detection.AlertFilter{Account: account})
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	return alerts
}

func TestScenarioBob(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true})

	r1 := h.cycle(t, map[string][]string{"bob": {"203.0.113.1"}})
	if len(r1.Results) != 0 {
		t.Fatalf("poll 1 results = %v, want none", r1.Results)
	}

	r2 := h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})
	res, ok := r2.Results["bob"]
	if !ok {
		t.Fatal("poll 2: expected a decision for bob")
	}
	if res.Decision != detection.DecisionAlertAndDisable || !res.AlertRecorded || !res.DisableSucceeded() {
		t.Errorf("poll 2 result = %+v", res)
	}
	if !h.emby.disabled("u-bob") {
		t.Error("bob should be disabled in Emby")
	}

	r3 := h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})
	if len(r3.Results) != 0 {
		t.Errorf("poll 3 results = %v, want none", r3.Results)
	}

	alerts := h.alerts(t, "bob")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if !alerts[0].Disabled || alerts[0].IPCount != 2 {
		t.Errorf("alert = %+v", alerts[0])
	}
	if got := h.emby.posts(); got != 1 {
		t.Errorf("policy posts = %d, want 1", got)
	}

	st, _ := h.tracker.Get("bob")
	if st.State != detection.StateDisabled {
		t.Errorf("state = %s, want disabled", st.State)
	}
}

func TestScenarioWhitelistedAdmin(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true, whitelist: []string{"Admin"}})

	polls := []map[string][]string{
		{"admin": {"203.0.113.1"}},
		{"admin": {"203.0.113.1", "203.0.113.2"}},
		{"admin": {"203.0.113.3", "198.51.100.4", "198.51.100.5"}},
	}
	for i, p := range polls {
		if r := h.cycle(t, p); len(r.Results) != 0 {
			t.Fatalf("poll %d results = %v, want none", i+1, r.Results)
		}
	}

	if n := len(h.alerts(t, "admin")); n != 0 {
		t.Errorf("alerts = %d, want 0", n)
	}
	if h.emby.posts() != 0 || h.emby.disabled("u-admin") {
		t.Error("admin must never be disabled")
	}
	st, ok := h.tracker.Get("admin")
	if !ok || len(st.Evidence) != 5 {
		t.Errorf("admin evidence = %v, want 5 IPs still tracked", st.Evidence)
	}
}

// slowProvider never answers before the lookup deadline.
type slowProvider struct{}

func (slowProvider) Name() string    { return "slow" }
func (slowProvider) Available() bool { return true }
func (slowProvider) Lookup(ctx context.Context, _ string) (*geo.Location, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGeoTimeoutDoesNotBlockActions(t *testing.T) {
	resolver := geo.NewResolver([]geo.Provider{slowProvider{}}, geo.Options{
		Timeout:       50 * time.Millisecond,
		RetryAttempts: 1,
	})
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true, locator: resolver})

	h.cycle(t, map[string][]string{"bob": {"203.0.113.1"}})

	start := time.Now()
	r2 := h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cycle took %v, geolocation should be bounded", elapsed)
	}

	res := r2.Results["bob"]
	if !res.AlertRecorded || !res.DisableSucceeded() {
		t.Fatalf("result = %+v, want alert and disable", res)
	}
	alerts := h.alerts(t, "bob")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Location != "" {
		t.Errorf("alert location = %q, want empty", alerts[0].Location)
	}
}

// staticLocator answers from a fixed table.
type staticLocator map[string]*geo.Location

func (s staticLocator) ResolveAll(_ context.Context, ips []string) map[string]*geo.Location {
	out := make(map[string]*geo.Location)
	for _, ip := range ips {
		if loc, ok := s[ip]; ok {
			out[ip] = loc
		}
	}
	return out
}

func TestLocationsAnnotateSessionsAndAlerts(t *testing.T) {
	loc := staticLocator{
		"203.0.113.1": {City: "Berlin", Country: "Germany"},
		"203.0.113.2": {City: "Lyon", Country: "France"},
	}
	h := newHarness(t, harnessOptions{threshold: 2, locator: loc})

	h.cycle(t, map[string][]string{"carol": {"203.0.113.1", "203.0.113.2", "198.51.100.9"}})

	sessions, err := h.store.ListSessions(context.Background(), "carol", 10)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	got := make(map[string]string)
	for _, s := range sessions {
		got[s.IP] = s.Location
	}
	want := map[string]string{"203.0.113.1": "Berlin, Germany", "203.0.113.2": "Lyon, France", "198.51.100.9": ""}
	for ip, w := range want {
		if got[ip] != w {
			t.Errorf("location[%s] = %q, want %q", ip, got[ip], w)
		}
	}

	alerts := h.alerts(t, "carol")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Disabled {
		t.Error("alert-only policy must not disable")
	}
	if !strings.Contains(alerts[0].Location, "Berlin, Germany") {
		t.Errorf("alert location = %q", alerts[0].Location)
	}
}

func TestFetchFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 3, autoDisable: true})

	h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})
	before, _ := h.tracker.Get("bob")

	h.emby.mu.Lock()
	h.emby.failSessions = true
	h.emby.mu.Unlock()

	_, err := h.monitor.RunCycle(context.Background())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("RunCycle() error = %v, want ErrFetch", err)
	}
	after, _ := h.tracker.Get("bob")
	if !slices.Equal(before.Evidence, after.Evidence) || before.State != after.State {
		t.Errorf("state changed on fetch failure: %+v -> %+v", before, after)
	}
	if st := h.monitor.Status(); st.Result != detection.CycleFetchError || st.Error == "" {
		t.Errorf("status = %+v", st)
	}

	last, err := h.store.LastCycle(context.Background())
	if err != nil || last == nil || last.Status != detection.CycleFetchError {
		t.Errorf("LastCycle() = %+v, %v", last, err)
	}
}

type recordingListener struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *recordingListener) CycleCompleted(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func TestCycleListenerSeesEveryCycle(t *testing.T) {
	events := &recordingListener{}
	h := newHarness(t, harnessOptions{threshold: 3, events: events})

	h.cycle(t, map[string][]string{"bob": {"203.0.113.1"}})

	h.emby.mu.Lock()
	h.emby.failSessions = true
	h.emby.mu.Unlock()
	_, _ = h.monitor.RunCycle(context.Background())

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.statuses) != 2 {
		t.Fatalf("listener saw %d cycles, want 2", len(events.statuses))
	}
	if got := events.statuses[0]; got.Result != detection.CycleOK || got.SessionCount != 1 {
		t.Errorf("first status = %+v", got)
	}
	if got := events.statuses[1]; got.Result != detection.CycleFetchError {
		t.Errorf("second status = %+v", got)
	}
}

func TestAbsentAccountStartsNewEpoch(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 3, autoDisable: true})

	h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})
	h.cycle(t, map[string][]string{"alice": {"198.51.100.1"}})
	if _, ok := h.tracker.Get("bob"); ok {
		t.Fatal("bob should be dropped after a poll without sessions")
	}

	r := h.cycle(t, map[string][]string{"bob": {"203.0.113.3"}})
	if len(r.Results) != 0 {
		t.Errorf("results = %v, want none after new epoch", r.Results)
	}
	st, _ := h.tracker.Get("bob")
	if !slices.Equal(st.Evidence, []string{"203.0.113.3"}) {
		t.Errorf("evidence = %v", st.Evidence)
	}
}

func TestDisableRetriedNextCycle(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true})
	h.emby.mu.Lock()
	h.emby.failPolicyFor = 1
	h.emby.mu.Unlock()

	r1 := h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})
	res := r1.Results["bob"]
	if !res.AlertRecorded || res.DisableSucceeded() {
		t.Fatalf("poll 1 result = %+v, want recorded alert and failed disable", res)
	}
	if st, _ := h.tracker.Get("bob"); st.State != detection.StateDisablePending {
		t.Fatalf("state = %s, want disable_pending", st.State)
	}

	r2 := h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})
	res = r2.Results["bob"]
	if res.Decision != detection.DecisionRetryDisable || !res.DisableSucceeded() || res.AlertRecorded {
		t.Errorf("poll 2 result = %+v, want a successful retry without a new alert", res)
	}
	if n := len(h.alerts(t, "bob")); n != 1 {
		t.Errorf("alerts = %d, want 1", n)
	}
	if !h.emby.disabled("u-bob") {
		t.Error("bob should be disabled after the retry")
	}
	if alerts := h.alerts(t, "bob"); len(alerts) != 1 || !alerts[0].Disabled {
		t.Errorf("alert should report the retried disable: %+v", alerts)
	}
}

func TestPendingDisableEndsWithEpoch(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true})
	h.emby.mu.Lock()
	h.emby.failPolicyFor = 100
	h.emby.mu.Unlock()

	r1 := h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})
	if res := r1.Results["bob"]; !res.AlertRecorded || res.DisableSucceeded() {
		t.Fatalf("poll 1 result = %+v, want recorded alert and failed disable", res)
	}

	for i := 2; i <= 3; i++ {
		r := h.cycle(t, map[string][]string{"alice": {"198.51.100.1"}})
		if res, ok := r.Results["bob"]; ok {
			t.Errorf("poll %d: bob absent but decided %s", i, res.Decision)
		}
	}
	if _, ok := h.tracker.Get("bob"); ok {
		t.Error("bob still tracked after the epoch ended")
	}
	if got := h.emby.posts(); got != 1 {
		t.Errorf("policy posts = %d, want 1 (no retry after the epoch ended)", got)
	}

	r4 := h.cycle(t, map[string][]string{"bob": {"192.0.2.3", "192.0.2.4"}})
	if res := r4.Results["bob"]; res.Decision != detection.DecisionAlertAndDisable || !res.AlertRecorded {
		t.Errorf("poll 4 result = %+v, want a fresh alert for the new epoch", res)
	}
	if n := len(h.alerts(t, "bob")); n != 2 {
		t.Errorf("alerts = %d, want one per epoch", n)
	}
}

func TestSessionPersistFailureDoesNotStopCycle(t *testing.T) {
	tests := []struct {
		name string
		opts harnessOptions
	}{
		{"sessions of one account", harnessOptions{threshold: 2, autoDisable: true, failSaveFor: "alice"}},
		{"cycle row", harnessOptions{threshold: 2, autoDisable: true, failBegin: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			h.emby.setPoll(map[string][]string{
				"alice": {"198.51.100.1", "198.51.100.2"},
				"bob":   {"203.0.113.1", "203.0.113.2"},
			})

			report, err := h.monitor.RunCycle(context.Background())
			if err != nil {
				t.Fatalf("RunCycle() error = %v, want nil", err)
			}
			for _, name := range []string{"alice", "bob"} {
				res := report.Results[name]
				if res.Decision != detection.DecisionAlertAndDisable || !res.AlertRecorded || !res.DisableSucceeded() {
					t.Errorf("%s result = %+v", name, res)
				}
				if !h.emby.disabled("u-" + name) {
					t.Errorf("%s should be disabled in Emby", name)
				}
			}
			if st := h.monitor.Status(); st.Result != detection.CycleOK {
				t.Errorf("status = %+v, want ok", st)
			}
		})
	}
}

func TestDetectionDisabledRecordsOnly(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true, disabled: true})

	r := h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2", "203.0.113.3"}})
	if len(r.Results) != 0 || r.SessionCount != 3 || r.AccountCount != 1 {
		t.Errorf("report = %+v", r)
	}
	if n := len(h.alerts(t, "")); n != 0 {
		t.Errorf("alerts = %d, want 0", n)
	}
	sessions, err := h.store.ListSessions(context.Background(), "bob", 10)
	if err != nil || len(sessions) != 3 {
		t.Errorf("ListSessions() = %d sessions, %v", len(sessions), err)
	}
}

func TestRequestResetEnablesUser(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true})
	h.emby.setPoll(map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.monitor.RunWithContext(ctx) }()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()

	// The first poll runs before any queued reset, so bob is disabled by now.
	res, err := h.monitor.RequestReset(reqCtx, ResetRequest{Username: "bob", Enable: true})
	if err != nil {
		t.Fatalf("RequestReset() error = %v", err)
	}
	if !res.Tracked || !res.Enabled || res.State.State != detection.StateNormal {
		t.Errorf("result = %+v", res)
	}
	if h.emby.disabled("u-bob") {
		t.Error("bob should be enabled again")
	}
	if _, ok := h.tracker.Get("bob"); ok {
		t.Error("bob should no longer be tracked")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithContext() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	states, err := h.store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	for _, st := range states {
		if st.Account.Username == "bob" && st.State == detection.StateDisabled {
			t.Error("reset and enable should clear the persisted disabled state")
		}
	}
}

func TestRequestResetAfterStop(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true})
	h.emby.setPoll(map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.monitor.RunWithContext(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	start := time.Now()
	_, err := h.monitor.RequestReset(reqCtx, ResetRequest{Username: "bob"})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("RequestReset() error = %v, want ErrStopped", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RequestReset() took %v after the loop stopped", elapsed)
	}

	// A restarted loop serves resets again.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { done <- h.monitor.RunWithContext(ctx2) }()
	for {
		_, err = h.monitor.RequestReset(reqCtx, ResetRequest{Username: "bob"})
		if !errors.Is(err, ErrStopped) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Errorf("RequestReset() on restarted loop error = %v", err)
	}
}

func TestApplyResetKeepsDisabled(t *testing.T) {
	h := newHarness(t, harnessOptions{threshold: 2, autoDisable: true})
	h.cycle(t, map[string][]string{"bob": {"203.0.113.1", "203.0.113.2"}})

	res := h.monitor.applyReset(context.Background(), ResetRequest{Username: "bob"})
	if res.Err != nil || !res.Tracked || res.Enabled {
		t.Fatalf("result = %+v", res)
	}
	st, ok := h.tracker.Get("bob")
	if !ok || st.State != detection.StateDisabled || len(st.Evidence) != 0 || st.Alerted {
		t.Errorf("state after plain reset = %+v", st)
	}

	res = h.monitor.applyReset(context.Background(), ResetRequest{Username: "nobody", Enable: true})
	if !errors.Is(res.Err, ErrUnknownUser) || res.Tracked {
		t.Errorf("unknown account result = %+v", res)
	}
}

func TestGroupSessions(t *testing.T) {
	active := &models.EmbyNowPlayingItem{Name: "Heat"}
	sessions := []models.EmbySession{
		{ID: "1", UserName: "zed", UserID: "u-z", RemoteEndPoint: "203.0.113.1:4000", NowPlayingItem: active},
		{ID: "2", UserName: "amy", UserID: "u-a", RemoteEndPoint: "[2001:db8::1]:8096", NowPlayingItem: active},
		{ID: "3", UserName: "amy", UserID: "u-a", RemoteEndPoint: "2001:db8::1", NowPlayingItem: active},
		{ID: "4", UserName: "", UserID: "u-x", RemoteEndPoint: "203.0.113.9", NowPlayingItem: active},
		{ID: "5", UserName: "amy", UserID: "u-a", RemoteEndPoint: "", NowPlayingItem: active},
	}

	groups := groupSessions(sessions)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].ref.Username != "amy" || groups[1].ref.Username != "zed" {
		t.Errorf("order = %s, %s", groups[0].ref.Username, groups[1].ref.Username)
	}
	if !slices.Equal(groups[0].ips, []string{"2001:db8::1"}) || len(groups[0].sessions) != 2 {
		t.Errorf("amy = %v, %d sessions", groups[0].ips, len(groups[0].sessions))
	}
	if !slices.Equal(groups[1].ips, []string{"203.0.113.1"}) {
		t.Errorf("zed ips = %v", groups[1].ips)
	}
}
