// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionguard/internal/database"
	"github.com/tomtom215/sessionguard/internal/database/query"
	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/metrics"
)

// DuckDBStore is the session store: poll cycles, observed sessions, alerts
// and account actions.
type DuckDBStore struct {
	db *sql.DB
}

var _ ActionStore = (*DuckDBStore)(nil)

// NewDuckDBStore creates a store over an open DuckDB pool.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// InitSchema creates sequences, tables and indexes if they don't exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS poll_cycles_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS sessions_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS alerts_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS account_actions_id_seq`,

		`CREATE TABLE IF NOT EXISTS poll_cycles (
			id BIGINT PRIMARY KEY DEFAULT nextval('poll_cycles_id_seq'),
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			session_count INTEGER DEFAULT 0,
			account_count INTEGER DEFAULT 0,
			status TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id BIGINT PRIMARY KEY DEFAULT nextval('sessions_id_seq'),
			cycle_id BIGINT NOT NULL,
			account TEXT NOT NULL,
			user_id TEXT,
			ip TEXT NOT NULL,
			session_id TEXT,
			device TEXT,
			client TEXT,
			media TEXT,
			location TEXT,
			observed_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGINT PRIMARY KEY DEFAULT nextval('alerts_id_seq'),
			alert_uuid TEXT NOT NULL UNIQUE,
			account TEXT NOT NULL,
			user_id TEXT,
			ip_set JSON NOT NULL,
			ip_count INTEGER NOT NULL,
			location TEXT,
			message TEXT NOT NULL,
			auto_disable BOOLEAN DEFAULT false,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS account_actions (
			id BIGINT PRIMARY KEY DEFAULT nextval('account_actions_id_seq'),
			account TEXT NOT NULL,
			user_id TEXT,
			action TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			detail TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions(account)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_cycle ON sessions(cycle_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_account ON alerts(account)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_account ON account_actions(account)`,
	}

	for _, stmt := range queries {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

func (s *DuckDBStore) observe(operation, table string, start time.Time, err error) {
	metrics.RecordDBQuery(operation, table, time.Since(start), err)
}

// BeginCycle inserts a running poll cycle and returns its id.
func (s *DuckDBStore) BeginCycle(ctx context.Context, startedAt time.Time) (id int64, err error) {
	defer func(start time.Time) { s.observe("insert", "poll_cycles", start, err) }(time.Now())

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO poll_cycles (started_at, status) VALUES (?, ?) RETURNING id`,
		startedAt.UTC(), CycleRunning,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: begin cycle: %w", ErrPersist, err)
	}
	return id, nil
}

// FinishCycle closes a poll cycle with its counts and final status.
func (s *DuckDBStore) FinishCycle(ctx context.Context, cycle PollCycle) (err error) {
	defer func(start time.Time) { s.observe("update", "poll_cycles", start, err) }(time.Now())

	_, err = s.db.ExecContext(ctx,
		`UPDATE poll_cycles SET finished_at = ?, session_count = ?, account_count = ?, status = ? WHERE id = ?`,
		cycle.FinishedAt.UTC(), cycle.SessionCount, cycle.AccountCount, cycle.Status, cycle.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: finish cycle %d: %w", ErrPersist, cycle.ID, err)
	}
	return nil
}

// SaveSessions writes one account's sessions for a cycle in a single
// transaction.
func (s *DuckDBStore) SaveSessions(ctx context.Context, sessions []Session) (err error) {
	if len(sessions) == 0 {
		return nil
	}
	defer func(start time.Time) { s.observe("insert", "sessions", start, err) }(time.Now())

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO sessions
			(cycle_id, account, user_id, ip, session_id, device, client, media, location, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for i := range sessions {
			sess := &sessions[i]
			if err := stmt.QueryRowContext(ctx,
				sess.CycleID, sess.Account, sess.UserID, sess.IP, sess.SessionID,
				sess.Device, sess.Client, sess.Media, sess.Location, sess.ObservedAt.UTC(),
			).Scan(&sess.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save sessions: %w", ErrPersist, err)
	}
	return nil
}

// SaveAlert inserts an alert and sets its id. Alerts are append-only.
func (s *DuckDBStore) SaveAlert(ctx context.Context, alert *Alert) (err error) {
	defer func(start time.Time) { s.observe("insert", "alerts", start, err) }(time.Now())

	ipSet, err := json.Marshal(alert.IPs)
	if err != nil {
		return fmt.Errorf("marshal ip set: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `INSERT INTO alerts
		(alert_uuid, account, user_id, ip_set, ip_count, location, message, auto_disable, created_at)
		VALUES (?, ?, ?, CAST(? AS JSON), ?, ?, ?, ?, ?)
		RETURNING id`,
		alert.UUID, alert.Username, alert.UserID, string(ipSet), alert.IPCount,
		alert.Location, alert.Message, alert.AutoDisable, alert.CreatedAt.UTC(),
	).Scan(&alert.ID)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// RecordAction appends to the account action log.
func (s *DuckDBStore) RecordAction(ctx context.Context, action *AccountAction) (err error) {
	defer func(start time.Time) { s.observe("insert", "account_actions", start, err) }(time.Now())

	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO account_actions
		(account, user_id, action, success, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		action.Username, action.UserID, action.Action, action.Success, action.Detail, action.CreatedAt.UTC(),
	).Scan(&action.ID)
	if err != nil {
		return fmt.Errorf("%w: record action: %w", ErrPersist, err)
	}
	return nil
}

// ListAlerts returns alerts newest first. Limit defaults to 100.
func (s *DuckDBStore) ListAlerts(ctx context.Context, filter AlertFilter) (alerts []Alert, err error) {
	defer func(start time.Time) { s.observe("select", "alerts", start, err) }(time.Now())

	stmt, args := buildAlertQuery(filter)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			a        Alert
			userID   sql.NullString
			location sql.NullString
			ipSet    string
		)
		if err := rows.Scan(&a.ID, &a.UUID, &a.Username, &userID, &ipSet, &a.IPCount,
			&location, &a.Message, &a.AutoDisable, &a.Disabled, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.UserID = userID.String
		a.Location = location.String
		if err := json.Unmarshal([]byte(ipSet), &a.IPs); err != nil {
			return nil, fmt.Errorf("decode ip set of alert %d: %w", a.ID, err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountAlerts counts alerts matching the filter, ignoring paging.
func (s *DuckDBStore) CountAlerts(ctx context.Context, filter AlertFilter) (int, error) {
	where, args := alertWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM alerts`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func alertWhere(filter AlertFilter) (string, []any) {
	return query.NewWhereBuilder().
		AddEquals("account", filter.Account).
		AddSince("created_at", filter.Since).
		BuildWithPrefix()
}

// buildAlertQuery selects alerts with their disable outcome: an alert counts
// as disabled when a successful disable of its account was logged before the
// account's next alert.
func buildAlertQuery(filter AlertFilter) (string, []any) {
	where, filterArgs := alertWhere(filter)
	stmt := `SELECT a.id, a.alert_uuid, a.account, a.user_id, CAST(a.ip_set AS VARCHAR), a.ip_count,
		a.location, a.message, a.auto_disable,
		EXISTS (SELECT 1 FROM account_actions x
			WHERE x.account = a.account AND x.action = ? AND x.success
			  AND x.created_at >= a.created_at
			  AND (a.next_at IS NULL OR x.created_at < a.next_at)) AS disabled,
		a.created_at
		FROM (SELECT *, lead(created_at) OVER (PARTITION BY account ORDER BY created_at, id) AS next_at
			FROM alerts) a` + where + ` ORDER BY created_at DESC, id DESC`
	args := append([]any{ActionDisable}, filterArgs...)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		stmt += " OFFSET ?"
		args = append(args, filter.Offset)
	}
	return stmt, args
}

// ListSessions returns an account's most recent sessions, newest first.
func (s *DuckDBStore) ListSessions(ctx context.Context, account string, limit int) (sessions []Session, err error) {
	defer func(start time.Time) { s.observe("select", "sessions", start, err) }(time.Now())

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, cycle_id, account,
		COALESCE(user_id, ''), ip, COALESCE(session_id, ''), COALESCE(device, ''),
		COALESCE(client, ''), COALESCE(media, ''), COALESCE(location, ''), observed_at
		FROM sessions WHERE account = ?
		ORDER BY observed_at DESC, id DESC LIMIT ?`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CycleID, &sess.Account, &sess.UserID, &sess.IP,
			&sess.SessionID, &sess.Device, &sess.Client, &sess.Media, &sess.Location, &sess.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// LastCycle returns the most recent poll cycle, or nil when none exist.
func (s *DuckDBStore) LastCycle(ctx context.Context) (*PollCycle, error) {
	var (
		c        PollCycle
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, started_at, finished_at, session_count, account_count, status
		FROM poll_cycles ORDER BY id DESC LIMIT 1`).
		Scan(&c.ID, &c.StartedAt, &finished, &c.SessionCount, &c.AccountCount, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last cycle: %w", err)
	}
	c.FinishedAt = finished.Time
	return &c, nil
}

// LoadState rebuilds tracker state after a restart.
//
// An account is active when its latest session belongs to the latest
// recorded cycle. Its evidence is every IP seen after the last completed
// cycle that did not include it. Disabled and DisablePending come from
// replaying the action log; DisablePending only survives while the epoch
// that failed to disable is still running.
func (s *DuckDBStore) LoadState(ctx context.Context) ([]AccountState, error) {
	sticky, err := s.replayActions(ctx)
	if err != nil {
		return nil, err
	}

	active, err := s.activeAccounts(ctx)
	if err != nil {
		return nil, err
	}

	states := make(map[string]*AccountState)
	for _, ref := range active {
		st, err := s.loadEvidence(ctx, ref)
		if err != nil {
			return nil, err
		}
		if sv, ok := sticky[ref.Username]; ok {
			if st.Account.UserID == "" {
				st.Account.UserID = sv.Account.UserID
			}
			switch {
			case sv.State == StateDisabled:
				st.State = StateDisabled
			case !st.EpochStart.IsZero() && !sv.since.Before(st.EpochStart):
				st.State = StateDisablePending
				st.Alerted = true
			}
		}
		states[ref.Username] = st
	}
	for name, sv := range sticky {
		if _, ok := states[name]; ok || sv.State != StateDisabled {
			continue
		}
		st := sv.AccountState
		states[name] = &st
	}

	out := make([]AccountState, 0, len(states))
	for _, st := range states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.Username < out[j].Account.Username })

	logging.Info().Int("accounts", len(out)).Int("sticky", len(sticky)).Msg("Rebuilt account state from store")
	return out, nil
}

func (s *DuckDBStore) activeAccounts(ctx context.Context) ([]AccountRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH latest AS (
			SELECT max(id) AS id FROM poll_cycles WHERE status <> ?
		), last_seen AS (
			SELECT account, max(cycle_id) AS cycle_id FROM sessions GROUP BY account
		)
		SELECT ls.account FROM last_seen ls, latest
		WHERE ls.cycle_id = latest.id
		ORDER BY ls.account`, CycleFetchError)
	if err != nil {
		return nil, fmt.Errorf("failed to query active accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []AccountRef
	for rows.Next() {
		var ref AccountRef
		if err := rows.Scan(&ref.Username); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *DuckDBStore) loadEvidence(ctx context.Context, ref AccountRef) (*AccountState, error) {
	var gap int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(max(c.id), 0) FROM poll_cycles c
		WHERE c.status = ?
		  AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.cycle_id = c.id AND s.account = ?)`,
		CycleOK, ref.Username).Scan(&gap); err != nil {
		return nil, fmt.Errorf("failed to find epoch start for %s: %w", ref.Username, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, min(observed_at) AS first_seen, max(observed_at) AS last_seen,
			arg_max(COALESCE(user_id, ''), id) AS user_id
		FROM sessions WHERE account = ? AND cycle_id > ?
		GROUP BY ip ORDER BY first_seen, ip`, ref.Username, gap)
	if err != nil {
		return nil, fmt.Errorf("failed to load evidence for %s: %w", ref.Username, err)
	}
	defer func() { _ = rows.Close() }()

	st := &AccountState{Account: ref, State: StateNormal}
	for rows.Next() {
		var (
			ip          string
			first, last time.Time
			userID      string
		)
		if err := rows.Scan(&ip, &first, &last, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		st.Evidence = append(st.Evidence, ip)
		if st.EpochStart.IsZero() || first.Before(st.EpochStart) {
			st.EpochStart = first
		}
		if last.After(st.LastSeen) {
			st.LastSeen = last
			if userID != "" {
				st.Account.UserID = userID
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !st.EpochStart.IsZero() {
		var alerts int
		if err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM alerts WHERE account = ? AND created_at >= ?`,
			ref.Username, st.EpochStart).Scan(&alerts); err != nil {
			return nil, fmt.Errorf("failed to count alerts for %s: %w", ref.Username, err)
		}
		st.Alerted = alerts > 0
	}
	return st, nil
}

// stickyState is the outcome of replaying one account's action log. since
// is when the account entered State.
type stickyState struct {
	AccountState
	since time.Time
}

// replayActions folds the action log into the sticky state of each account.
func (s *DuckDBStore) replayActions(ctx context.Context) (map[string]stickyState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account, COALESCE(user_id, ''), action, success, created_at
		FROM account_actions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := make(map[string]State)
	since := make(map[string]time.Time)
	users := make(map[string]string)
	for rows.Next() {
		var (
			account, userID, action string
			success                 bool
			at                      time.Time
		)
		if err := rows.Scan(&account, &userID, &action, &success, &at); err != nil {
			return nil, fmt.Errorf("failed to scan account action: %w", err)
		}
		if userID != "" {
			users[account] = userID
		}
		next := foldAction(states[account], action, success)
		if next != states[account] || next == StateDisablePending {
			since[account] = at
		}
		states[account] = next
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]stickyState)
	for account, st := range states {
		if st != StateDisabled && st != StateDisablePending {
			continue
		}
		out[account] = stickyState{
			AccountState: AccountState{
				Account: AccountRef{Username: account, UserID: users[account]},
				State:   st,
			},
			since: since[account],
		}
	}
	return out, nil
}

func foldAction(current State, action string, success bool) State {
	switch action {
	case ActionDisable:
		if success {
			return StateDisabled
		}
		if current == StateDisabled {
			return current
		}
		return StateDisablePending
	case ActionEnable:
		if success {
			return StateNormal
		}
	case ActionResetDisabled:
		return StateNormal
	case ActionReset:
		if current == StateDisablePending {
			return StateNormal
		}
	}
	return current
}
