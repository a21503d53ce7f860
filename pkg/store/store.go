// Package store persists agent runs, activity traces, redacted transcripts,
// OAuth tokens, and planning sessions to an embedded SQLite database. Writes
// go through a busy-retry wrapper so transient lock contention from the
// driver's internal threads never loses data silently.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/autopilot-sh/autopilot/pkg/sanitize"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Busy-retry tuning.
const (
	busyMaxAttempts = 5
	busyBaseDelay   = 50 * time.Millisecond
	busyMaxDelay    = 2 * time.Second
)

// Store is the embedded persistence layer. A single connection serializes
// all access, which keeps SQLITE_BUSY rare; the busy-retry covers the rest.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema. The layout is a compatibility contract:
// existing columns are frozen, new columns arrive as additive ALTERs whose
// duplicate-column failures are swallowed.
func (s *Store) migrate(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			issue_title TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			cost REAL,
			duration_ms INTEGER,
			num_turns INTEGER,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_run_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			type TEXT NOT NULL,
			summary TEXT NOT NULL,
			detail TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_log (
			agent_run_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			service TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			expires_at INTEGER,
			token_type TEXT,
			scope TEXT,
			actor TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS planning_sessions (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			summary TEXT,
			tickets_created INTEGER,
			cost REAL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Additive migrations; duplicate-column errors are expected on every
	// start after the first.
	alters := []string{
		"ALTER TABLE agent_runs ADD COLUMN linear_issue_id TEXT",
		"ALTER TABLE agent_runs ADD COLUMN session_id TEXT",
		"ALTER TABLE agent_runs ADD COLUMN reviewed_at INTEGER",
		"ALTER TABLE agent_runs ADD COLUMN exit_reason TEXT",
		"ALTER TABLE agent_runs ADD COLUMN run_type TEXT",
		"ALTER TABLE activity_logs ADD COLUMN is_subagent INTEGER DEFAULT 0",
		"ALTER TABLE oauth_tokens ADD COLUMN updated_at INTEGER DEFAULT 0",
	}
	for _, ddl := range alters {
		_, _ = s.db.ExecContext(ctx, ddl)
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_agent_runs_finished_at ON agent_runs(finished_at)",
		"CREATE INDEX IF NOT EXISTS idx_activity_logs_agent_run_id ON activity_logs(agent_run_id)",
	}
	for _, ddl := range indices {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// isBusy reports whether err is a transient SQLite lock error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		// SQLITE_BUSY (5) and SQLITE_LOCKED (6).
		if c := coded.Code(); c == 5 || c == 6 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// withBusyRetry runs fn, retrying busy/locked errors up to 5 times with an
// exponential 50ms schedule capped at 2s. On exhaustion the full offending
// payload is rendered and logged (sanitized) before the error propagates,
// so no write is lost silently. payload is lazy so the happy path never
// pays for the rendering.
func (s *Store) withBusyRetry(op string, payload func() string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = busyBaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.3
	policy.MaxInterval = busyMaxDelay
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if err := fn(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithMaxRetries(policy, busyMaxAttempts-1))
	if err != nil {
		slog.Error("Store write failed after retries",
			"op", op,
			"payload", sanitize.Message(payload()),
			"error", sanitize.Message(err.Error()))
	}
	return err
}

// jsonPayload renders a record for the busy-retry exhaustion log.
func jsonPayload(v any) func() string {
	return func() string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%+v", v)
		}
		return string(b)
	}
}

// nowMs returns the current time in epoch milliseconds.
func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// nullIfEmpty maps "" to NULL so unset optional fields round-trip as absent.
func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
