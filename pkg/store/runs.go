package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/autopilot-sh/autopilot/pkg/models"
	"github.com/autopilot-sh/autopilot/pkg/sanitize"
)

// InsertAgentRun writes one run record with insert-or-replace semantics.
// The error field is sanitized before it touches the database.
func (s *Store) InsertAgentRun(ctx context.Context, run models.AgentRun) error {
	return s.withBusyRetry("insert_agent_run", jsonPayload(run), func() error {
		var reviewedAt any
		if run.ReviewedAtMs != nil {
			reviewedAt = *run.ReviewedAtMs
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO agent_runs
				(id, issue_id, issue_title, status, started_at, finished_at,
				 cost, duration_ms, num_turns, error,
				 linear_issue_id, session_id, reviewed_at, exit_reason, run_type)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.IssueID, run.IssueTitle, string(run.Status),
			run.StartedAtMs, run.FinishedAtMs,
			run.CostUSD, run.DurationMs, run.NumTurns,
			nullIfEmpty(sanitize.Message(run.Error)),
			nullIfEmpty(run.LinearIssueID), nullIfEmpty(run.SessionID),
			reviewedAt, nullIfEmpty(string(run.ExitReason)), nullIfEmpty(string(run.RunType)))
		return err
	})
}

// InsertActivityLogs writes a run's activity trace in one transaction.
func (s *Store) InsertActivityLogs(ctx context.Context, runID string, activities []models.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	payload := jsonPayload(map[string]any{"run": runID, "activities": activities})
	return s.withBusyRetry("insert_activity_logs", payload, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activity_logs (agent_run_id, timestamp, type, summary, detail, is_subagent)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, a := range activities {
			if _, err := stmt.ExecContext(ctx, runID, a.TimestampMs, string(a.Type),
				a.Summary, nullIfEmpty(a.Detail), boolToInt(a.IsSubagent)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetActivityLogs returns a run's activities in ascending timestamp order.
func (s *Store) GetActivityLogs(ctx context.Context, runID string) ([]models.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, type, summary, COALESCE(detail, ''), COALESCE(is_subagent, 0)
		FROM activity_logs WHERE agent_run_id = ?
		ORDER BY timestamp ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var activities []models.Activity
	for rows.Next() {
		var a models.Activity
		var typ string
		var sub int
		if err := rows.Scan(&a.TimestampMs, &typ, &a.Summary, &a.Detail, &sub); err != nil {
			return nil, err
		}
		a.Type = models.ActivityType(typ)
		a.IsSubagent = sub != 0
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// SaveTranscript stores the sanitized conversation blob for one run.
// Written once at completion; insert-or-replace keeps re-runs idempotent.
func (s *Store) SaveTranscript(ctx context.Context, runID, blob string) error {
	sanitized := sanitize.Message(blob)
	payload := func() string { return "run " + runID + " transcript: " + sanitized }
	return s.withBusyRetry("save_transcript", payload, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO conversation_log (agent_run_id, content, created_at)
			VALUES (?, ?, ?)`, runID, sanitized, s.nowMs())
		return err
	})
}

// GetRecentRuns returns runs newest-first by finish time.
func (s *Store) GetRecentRuns(ctx context.Context, limit int) ([]models.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, runSelect+`
		ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// GetUnreviewedRuns returns terminal runs not yet reviewed, oldest first.
func (s *Store) GetUnreviewedRuns(ctx context.Context, limit int) ([]models.AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, runSelect+`
		WHERE reviewed_at IS NULL AND status IN ('completed', 'failed', 'timed_out')
		ORDER BY finished_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unreviewed runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// GetRunWithTranscript returns a run row and its transcript blob (nil when
// no transcript was stored). Fails if the run is unknown.
func (s *Store) GetRunWithTranscript(ctx context.Context, id string) (models.AgentRun, *string, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+` WHERE id = ?`, id)
	if err != nil {
		return models.AgentRun{}, nil, fmt.Errorf("query run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs, err := scanRuns(rows)
	if err != nil {
		return models.AgentRun{}, nil, err
	}
	if len(runs) == 0 {
		return models.AgentRun{}, nil, fmt.Errorf("run %s not found", id)
	}

	var blob sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT content FROM conversation_log WHERE agent_run_id = ?`, id).Scan(&blob)
	if err != nil && err != sql.ErrNoRows {
		return models.AgentRun{}, nil, fmt.Errorf("query transcript: %w", err)
	}
	if blob.Valid {
		return runs[0], &blob.String, nil
	}
	return runs[0], nil, nil
}

// MarkRunsReviewed stamps reviewed_at on the given runs in one transaction.
// An empty id list is a no-op.
func (s *Store) MarkRunsReviewed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.nowMs()
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	return s.withBusyRetry("mark_runs_reviewed", jsonPayload(ids), func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_runs SET reviewed_at = ? WHERE id IN (`+quotePlaceholders(len(ids))+`)`,
			args...); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SavePlanningSession records one planning pass.
func (s *Store) SavePlanningSession(ctx context.Context, p models.PlanningSession) error {
	return s.withBusyRetry("save_planning_session", jsonPayload(p), func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO planning_sessions (id, created_at, summary, tickets_created, cost)
			VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.CreatedAtMs, p.Summary, p.TicketsCreated, p.CostUSD)
		return err
	})
}

// GetRecentPlanningSessions returns planning passes newest-first.
func (s *Store) GetRecentPlanningSessions(ctx context.Context, limit int) ([]models.PlanningSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, COALESCE(summary, ''), COALESCE(tickets_created, 0), COALESCE(cost, 0)
		FROM planning_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query planning sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.PlanningSession
	for rows.Next() {
		var p models.PlanningSession
		if err := rows.Scan(&p.ID, &p.CreatedAtMs, &p.Summary, &p.TicketsCreated, &p.CostUSD); err != nil {
			return nil, err
		}
		sessions = append(sessions, p)
	}
	return sessions, rows.Err()
}

const runSelect = `
	SELECT id, issue_id, issue_title, status, started_at, finished_at,
	       COALESCE(cost, 0), COALESCE(duration_ms, 0), COALESCE(num_turns, 0),
	       COALESCE(error, ''), COALESCE(linear_issue_id, ''), COALESCE(session_id, ''),
	       reviewed_at, COALESCE(exit_reason, ''), COALESCE(run_type, '')
	FROM agent_runs`

// scanRuns maps rows from runSelect into run records.
func scanRuns(rows *sql.Rows) ([]models.AgentRun, error) {
	var runs []models.AgentRun
	for rows.Next() {
		var r models.AgentRun
		var status, exitReason, runType string
		var reviewedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.IssueID, &r.IssueTitle, &status,
			&r.StartedAtMs, &r.FinishedAtMs, &r.CostUSD, &r.DurationMs, &r.NumTurns,
			&r.Error, &r.LinearIssueID, &r.SessionID,
			&reviewedAt, &exitReason, &runType); err != nil {
			return nil, err
		}
		r.Status = models.RunStatus(status)
		r.ExitReason = models.ExitReason(exitReason)
		r.RunType = models.RunType(runType)
		if reviewedAt.Valid {
			r.ReviewedAtMs = &reviewedAt.Int64
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// quotePlaceholders builds a "?, ?, ?" list of n placeholders.
func quotePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
