// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

/*
Package monitor runs the poll loop.

Each cycle fetches the active Emby sessions, groups them by account, resolves
locations, persists the sessions, feeds the tracker and hands any policy
decision to the executor. Cycles run one at a time on a single goroutine;
administrative resets are queued on a channel and applied between cycles so
that tracker state only changes on that goroutine.
*/
package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/sessionguard/internal/config"
	"github.com/tomtom215/sessionguard/internal/detection"
	"github.com/tomtom215/sessionguard/internal/geo"
	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/metrics"
	"github.com/tomtom215/sessionguard/internal/models"
)

// ErrFetch wraps a failed session query. The cycle is abandoned without
// touching account state.
var ErrFetch = errors.New("session fetch failed")

// SessionSource lists the sessions currently playing on the media server.
type SessionSource interface {
	GetActiveSessions(ctx context.Context) ([]models.EmbySession, error)
}

// Locator annotates IPs with locations. Unresolved IPs are left out.
type Locator interface {
	ResolveAll(ctx context.Context, ips []string) map[string]*geo.Location
}

// Store is the part of the session store the loop writes to.
type Store interface {
	BeginCycle(ctx context.Context, startedAt time.Time) (int64, error)
	FinishCycle(ctx context.Context, cycle detection.PollCycle) error
	SaveSessions(ctx context.Context, sessions []detection.Session) error
	RecordAction(ctx context.Context, action *detection.AccountAction) error
}

// Executor carries out policy decisions.
type Executor interface {
	Execute(ctx context.Context, decision detection.Decision, account detection.AccountRef, evidence detection.Evidence) detection.ExecutionResult
}

// AccountEnabler re-enables a disabled media server user.
type AccountEnabler interface {
	EnableUser(ctx context.Context, userID string) error
}

// CycleListener is told about every finished cycle, failed ones included.
type CycleListener interface {
	CycleCompleted(status Status)
}

// Config controls the loop.
type Config struct {
	Interval     time.Duration
	CycleTimeout time.Duration

	// DetectionEnabled=false records sessions without evaluating the policy.
	DetectionEnabled bool
}

// ConfigFrom builds a loop Config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Interval:         cfg.Monitor.PollInterval,
		CycleTimeout:     cfg.Monitor.EffectiveCycleTimeout(),
		DetectionEnabled: cfg.Detection.Enabled,
	}
}

// Deps are the collaborators of a Monitor. Locator, Enabler and Events may
// be nil.
type Deps struct {
	Source   SessionSource
	Store    Store
	Tracker  *detection.Tracker
	Policy   *detection.Policy
	Executor Executor
	Locator  Locator
	Enabler  AccountEnabler
	Events   CycleListener
	Now      func() time.Time
}

// Status describes the most recent cycle.
type Status struct {
	LastCycle    time.Time     `json:"last_cycle"`
	LastSuccess  time.Time     `json:"last_success"`
	Duration     time.Duration `json:"duration"`
	Result       string        `json:"result"`
	Error        string        `json:"error,omitempty"`
	SessionCount int           `json:"session_count"`
	AccountCount int           `json:"account_count"`
}

// Report summarises one cycle.
type Report struct {
	CycleID      int64
	SessionCount int
	AccountCount int

	// Results holds the execution result of every account that got a
	// decision other than None.
	Results map[string]detection.ExecutionResult
}

// Monitor is the poll loop.
type Monitor struct {
	deps Deps
	cfg  Config

	resets chan resetRequest

	// stopped is closed while no loop is running after one has exited.
	runMu   sync.Mutex
	stopped chan struct{}

	mu     sync.RWMutex
	status Status
}

// New creates a Monitor.
func New(deps Deps, cfg Config) *Monitor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 3 * cfg.Interval
	}
	return &Monitor{
		deps:    deps,
		cfg:     cfg,
		resets:  make(chan resetRequest, 16),
		stopped: make(chan struct{}),
	}
}

// Status returns a copy of the last cycle status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Accounts returns a snapshot of every tracked account.
func (m *Monitor) Accounts() []detection.AccountState {
	return m.deps.Tracker.Snapshot()
}

// RunWithContext polls immediately, then on every interval until ctx is
// cancelled. Resets queued with RequestReset are applied between cycles.
func (m *Monitor) RunWithContext(ctx context.Context) error {
	logging.Info().
		Dur("interval", m.cfg.Interval).
		Dur("cycle_timeout", m.cfg.CycleTimeout).
		Bool("detection", m.cfg.DetectionEnabled).
		Msg("Starting poll loop")

	m.markRunning()
	m.poll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.markStopped()
			m.drainResets(ctx.Err())
			logging.Info().Msg("Poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			m.poll(ctx)
		case req := <-m.resets:
			req.reply <- m.applyReset(ctx, req.ResetRequest)
		}
	}
}

// poll runs one cycle and logs its outcome.
func (m *Monitor) poll(ctx context.Context) {
	if _, err := m.RunCycle(ctx); err != nil {
		logging.Warn().Err(err).Msg("Poll cycle failed")
	}
}

// RunCycle executes one poll cycle. Only a fetch failure is returned as an
// error; per-account persistence and action failures are logged and carried
// in the report results.
func (m *Monitor) RunCycle(parent context.Context) (Report, error) {
	ctx := logging.ContextWithNewCorrelationID(parent)
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CycleTimeout)
	defer cancel()

	log := logging.Ctx(ctx)
	start := m.deps.Now()
	report := Report{Results: make(map[string]detection.ExecutionResult)}

	sessions, err := m.deps.Source.GetActiveSessions(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrFetch, err)
		m.recordFetchFailure(ctx, start, err)
		return report, err
	}

	groups := groupSessions(sessions)
	report.SessionCount = len(sessions)
	report.AccountCount = len(groups)

	locations := m.locate(ctx, groups)

	cycleID, err := m.deps.Store.BeginCycle(ctx, start)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record poll cycle")
	}
	report.CycleID = cycleID

	present := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		present[g.ref.Username] = struct{}{}
		records := g.records(cycleID, start, locations)
		if err := m.deps.Store.SaveSessions(ctx, records); err != nil {
			log.Warn().Err(err).Str("account", g.ref.Username).Msg("Failed to persist sessions")
		}

		state := m.deps.Tracker.Observe(g.ref, g.ips, start)
		m.evaluate(ctx, state, detection.Evidence{
			IPs:       state.Evidence,
			Locations: locations,
			Sessions:  records,
		}, &report)
	}

	for _, ref := range m.deps.Tracker.Tracked() {
		if _, ok := present[ref.Username]; ok {
			continue
		}
		state := m.deps.Tracker.Observe(ref, nil, start)
		m.evaluate(ctx, state, detection.Evidence{IPs: state.Evidence, Locations: locations}, &report)
	}

	finished := m.deps.Now()
	if cycleID != 0 {
		if err := m.deps.Store.FinishCycle(ctx, detection.PollCycle{
			ID:           cycleID,
			StartedAt:    start,
			FinishedAt:   finished,
			SessionCount: report.SessionCount,
			AccountCount: report.AccountCount,
			Status:       detection.CycleOK,
		}); err != nil {
			log.Warn().Err(err).Int64("cycle_id", cycleID).Msg("Failed to finish poll cycle")
		}
	}

	duration := finished.Sub(start)
	metrics.RecordPollCycle(detection.CycleOK, duration, report.SessionCount)
	metrics.SetTrackedAccounts(m.deps.Tracker.CountByState())

	m.mu.Lock()
	m.status = Status{
		LastCycle:    start,
		LastSuccess:  start,
		Duration:     duration,
		Result:       detection.CycleOK,
		SessionCount: report.SessionCount,
		AccountCount: report.AccountCount,
	}
	m.mu.Unlock()
	m.publishStatus()

	log.Debug().
		Int64("cycle_id", cycleID).
		Int("sessions", report.SessionCount).
		Int("accounts", report.AccountCount).
		Int("actions", len(report.Results)).
		Dur("duration", duration).
		Msg("Poll cycle complete")

	return report, nil
}

// evaluate runs the policy for one account and applies the executor result.
func (m *Monitor) evaluate(ctx context.Context, state detection.AccountState, evidence detection.Evidence, report *Report) {
	if !m.cfg.DetectionEnabled || m.deps.Policy == nil || m.deps.Executor == nil {
		return
	}

	decision := m.deps.Policy.Evaluate(state)
	if decision == detection.DecisionNone {
		if m.deps.Policy.Whitelisted(state.Account.Username) &&
			!state.Alerted && len(state.Evidence) >= m.deps.Policy.Config().Threshold {
			metrics.WhitelistSkips.Inc()
		}
		return
	}

	logging.Ctx(ctx).Info().
		Str("account", state.Account.Username).
		Str("decision", decision.String()).
		Int("ip_count", len(state.Evidence)).
		Strs("ips", state.Evidence).
		Msg("Policy decision")

	res := m.deps.Executor.Execute(ctx, decision, state.Account, evidence)
	m.deps.Tracker.Apply(state.Account.Username, res)
	report.Results[state.Account.Username] = res

	if err := res.Err(); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("account", state.Account.Username).Msg("Action incomplete, will retry")
	}
}

// locate resolves every distinct IP of the snapshot. A nil Locator or a
// failed lookup leaves the map without that entry.
func (m *Monitor) locate(ctx context.Context, groups []*accountGroup) map[string]string {
	out := make(map[string]string)
	if m.deps.Locator == nil {
		return out
	}

	var ips []string
	for _, g := range groups {
		ips = append(ips, g.ips...)
	}
	if len(ips) == 0 {
		return out
	}

	for ip, loc := range m.deps.Locator.ResolveAll(ctx, ips) {
		if loc == nil {
			continue
		}
		if s := loc.String(); s != "" {
			out[ip] = s
		}
	}
	return out
}

// recordFetchFailure notes a failed cycle. Account state is left untouched.
func (m *Monitor) recordFetchFailure(ctx context.Context, start time.Time, err error) {
	finished := m.deps.Now()
	result := detection.CycleFetchError
	if errors.Is(err, context.DeadlineExceeded) {
		result = "timeout"
	}
	metrics.RecordPollCycle(result, finished.Sub(start), 0)

	// The store context is detached so a timed out cycle still leaves a row.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	id, berr := m.deps.Store.BeginCycle(storeCtx, start)
	if berr == nil {
		berr = m.deps.Store.FinishCycle(storeCtx, detection.PollCycle{
			ID:         id,
			StartedAt:  start,
			FinishedAt: finished,
			Status:     detection.CycleFetchError,
		})
	}
	if berr != nil {
		logging.Ctx(ctx).Debug().Err(berr).Msg("Failed to record failed poll cycle")
	}

	m.mu.Lock()
	m.status.LastCycle = start
	m.status.Duration = finished.Sub(start)
	m.status.Result = result
	m.status.Error = err.Error()
	m.mu.Unlock()
	m.publishStatus()
}

func (m *Monitor) publishStatus() {
	if m.deps.Events != nil {
		m.deps.Events.CycleCompleted(m.Status())
	}
}

// accountGroup is one account's slice of a session snapshot.
type accountGroup struct {
	ref      detection.AccountRef
	ips      []string
	sessions []models.EmbySession
}

func (g *accountGroup) records(cycleID int64, at time.Time, locations map[string]string) []detection.Session {
	out := make([]detection.Session, 0, len(g.sessions))
	for i := range g.sessions {
		s := &g.sessions[i]
		ip := s.GetIPAddress()
		out = append(out, detection.Session{
			CycleID:    cycleID,
			Account:    g.ref.Username,
			UserID:     s.UserID,
			IP:         ip,
			SessionID:  s.ID,
			Device:     s.DeviceName,
			Client:     s.Client,
			Media:      s.MediaTitle(),
			Location:   locations[ip],
			ObservedAt: at,
		})
	}
	return out
}

// groupSessions groups sessions by username, sorted by username. Sessions
// without a user or an address carry no evidence and are skipped.
func groupSessions(sessions []models.EmbySession) []*accountGroup {
	byName := make(map[string]*accountGroup)
	for i := range sessions {
		s := sessions[i]
		ip := s.GetIPAddress()
		if s.UserName == "" || ip == "" {
			logging.Debug().Str("session_id", s.ID).Msg("Skipping session without user or address")
			continue
		}
		g, ok := byName[s.UserName]
		if !ok {
			g = &accountGroup{ref: detection.AccountRef{Username: s.UserName, UserID: s.UserID}}
			byName[s.UserName] = g
		}
		if g.ref.UserID == "" {
			g.ref.UserID = s.UserID
		}
		if !slices.Contains(g.ips, ip) {
			g.ips = append(g.ips, ip)
		}
		g.sessions = append(g.sessions, s)
	}

	out := make([]*accountGroup, 0, len(byName))
	for _, g := range byName {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *accountGroup) int {
		return strings.Compare(a.ref.Username, b.ref.Username)
	})
	return out
}
