package store

import (
	"context"
	"fmt"
	"time"
)

// Analytics aggregates run outcomes and spend.
type Analytics struct {
	TotalRuns     int     `json:"total_runs"`
	CompletedRuns int     `json:"completed_runs"`
	SuccessRate   float64 `json:"success_rate"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// CostPoint is one bucket of a cost trend.
type CostPoint struct {
	Bucket  string  `json:"bucket"`
	CostUSD float64 `json:"cost_usd"`
}

// StatusCost is aggregate spend for one terminal status.
type StatusCost struct {
	Status  string  `json:"status"`
	CostUSD float64 `json:"cost_usd"`
}

// FailureCount groups failed runs by exit reason.
type FailureCount struct {
	ExitReason string `json:"exit_reason"`
	Count      int    `json:"count"`
}

// FailurePoint is one day of the failure trend.
type FailurePoint struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// RepeatFailure is a ticket that failed repeatedly, with its latest error.
type RepeatFailure struct {
	IssueID   string `json:"issue_id"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error"`
}

// GetAnalytics returns lifetime totals across all runs.
func (s *Store) GetAnalytics(ctx context.Context) (Analytics, error) {
	return s.analytics(ctx, 0)
}

// GetTodayAnalytics returns totals restricted to the current UTC day.
func (s *Store) GetTodayAnalytics(ctx context.Context) (Analytics, error) {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.analytics(ctx, dayStart.UnixMilli())
}

func (s *Store) analytics(ctx context.Context, sinceMs int64) (Analytics, error) {
	var a Analytics
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(cost), 0),
		       COALESCE(AVG(duration_ms), 0)
		FROM agent_runs WHERE finished_at >= ?`, sinceMs).
		Scan(&a.TotalRuns, &a.CompletedRuns, &a.TotalCostUSD, &a.AvgDurationMs)
	if err != nil {
		return Analytics{}, fmt.Errorf("query analytics: %w", err)
	}
	if a.TotalRuns > 0 {
		a.SuccessRate = float64(a.CompletedRuns) / float64(a.TotalRuns)
	}
	return a, nil
}

// GetDailyCostTrend returns per-day spend for the trailing window.
func (s *Store) GetDailyCostTrend(ctx context.Context, days int) ([]CostPoint, error) {
	if days <= 0 {
		days = 30
	}
	return s.costTrend(ctx, `date(finished_at / 1000, 'unixepoch')`, s.cutoffMs(days))
}

// GetWeeklyCostTrend returns per-ISO-week spend for the trailing window.
func (s *Store) GetWeeklyCostTrend(ctx context.Context, weeks int) ([]CostPoint, error) {
	if weeks <= 0 {
		weeks = 12
	}
	return s.costTrend(ctx, `strftime('%Y-W%W', finished_at / 1000, 'unixepoch')`, s.cutoffMs(weeks*7))
}

func (s *Store) costTrend(ctx context.Context, bucketExpr string, sinceMs int64) ([]CostPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bucketExpr+` AS bucket, COALESCE(SUM(cost), 0)
		FROM agent_runs WHERE finished_at >= ?
		GROUP BY bucket ORDER BY bucket ASC`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("query cost trend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []CostPoint
	for rows.Next() {
		var p CostPoint
		if err := rows.Scan(&p.Bucket, &p.CostUSD); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// GetCostByStatus groups spend by terminal status over the trailing window.
func (s *Store) GetCostByStatus(ctx context.Context, days int) ([]StatusCost, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COALESCE(SUM(cost), 0)
		FROM agent_runs WHERE finished_at >= ?
		GROUP BY status ORDER BY status ASC`, s.cutoffMs(days))
	if err != nil {
		return nil, fmt.Errorf("query cost by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var costs []StatusCost
	for rows.Next() {
		var c StatusCost
		if err := rows.Scan(&c.Status, &c.CostUSD); err != nil {
			return nil, err
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

// GetFailuresByType groups non-completed runs by exit reason.
func (s *Store) GetFailuresByType(ctx context.Context, days int) ([]FailureCount, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(exit_reason, 'error'), COUNT(*)
		FROM agent_runs
		WHERE status IN ('failed', 'timed_out') AND finished_at >= ?
		GROUP BY exit_reason ORDER BY COUNT(*) DESC`, s.cutoffMs(days))
	if err != nil {
		return nil, fmt.Errorf("query failures by type: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []FailureCount
	for rows.Next() {
		var f FailureCount
		if err := rows.Scan(&f.ExitReason, &f.Count); err != nil {
			return nil, err
		}
		counts = append(counts, f)
	}
	return counts, rows.Err()
}

// GetFailureTrend returns failures per day over the trailing window.
func (s *Store) GetFailureTrend(ctx context.Context, days int) ([]FailurePoint, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(finished_at / 1000, 'unixepoch') AS day, COUNT(*)
		FROM agent_runs
		WHERE status IN ('failed', 'timed_out') AND finished_at >= ?
		GROUP BY day ORDER BY day ASC`, s.cutoffMs(days))
	if err != nil {
		return nil, fmt.Errorf("query failure trend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []FailurePoint
	for rows.Next() {
		var p FailurePoint
		if err := rows.Scan(&p.Day, &p.Count); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// GetRepeatFailures lists tickets that failed at least minFailures times in
// the window, joined with the most recent error per ticket.
func (s *Store) GetRepeatFailures(ctx context.Context, minFailures, days int) ([]RepeatFailure, error) {
	if minFailures <= 0 {
		minFailures = 2
	}
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.issue_id, COUNT(*) AS failures,
		       COALESCE((SELECT error FROM agent_runs latest
		                 WHERE latest.issue_id = r.issue_id
		                   AND latest.status IN ('failed', 'timed_out')
		                 ORDER BY latest.finished_at DESC LIMIT 1), '')
		FROM agent_runs r
		WHERE r.status IN ('failed', 'timed_out') AND r.finished_at >= ?
		GROUP BY r.issue_id
		HAVING failures >= ?
		ORDER BY failures DESC, r.issue_id ASC`, s.cutoffMs(days), minFailures)
	if err != nil {
		return nil, fmt.Errorf("query repeat failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repeats []RepeatFailure
	for rows.Next() {
		var r RepeatFailure
		if err := rows.Scan(&r.IssueID, &r.Failures, &r.LastError); err != nil {
			return nil, err
		}
		repeats = append(repeats, r)
	}
	return repeats, rows.Err()
}

// cutoffMs returns the epoch-ms timestamp days ago.
func (s *Store) cutoffMs(days int) int64 {
	return s.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
}
