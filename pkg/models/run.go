// Package models holds the shared domain types passed between the
// orchestrator's components.
package models

// RunStatus is the terminal (or live) status of an agent run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// RunType distinguishes why an agent was spawned.
type RunType string

// Run types.
const (
	RunTypeExecutor     RunType = "executor"
	RunTypeFixer        RunType = "fixer"
	RunTypeReview       RunType = "review"
	RunTypePlanning     RunType = "planning"
	RunTypeProjectOwner RunType = "project-owner"
)

// ExitReason explains how an agent run ended.
type ExitReason string

// Exit reasons.
const (
	ExitSuccess    ExitReason = "success"
	ExitTimeout    ExitReason = "timeout"
	ExitInactivity ExitReason = "inactivity"
	ExitError      ExitReason = "error"
	ExitAborted    ExitReason = "aborted"
)

// ActivityType classifies one activity entry.
type ActivityType string

// Activity types.
const (
	ActivityToolUse ActivityType = "tool_use"
	ActivityText    ActivityType = "text"
	ActivityResult  ActivityType = "result"
	ActivityError   ActivityType = "error"
	ActivityStatus  ActivityType = "status"
)

// MaxActivitySummaryLen bounds every activity summary.
const MaxActivitySummaryLen = 200

// Activity is one entry in an agent's activity trace.
type Activity struct {
	TimestampMs int64        `json:"timestamp_ms"`
	Type        ActivityType `json:"type"`
	Summary     string       `json:"summary"`
	Detail      string       `json:"detail,omitempty"`
	IsSubagent  bool         `json:"is_subagent,omitempty"`
}

// AgentRun is a persisted run record. Live agents carry the same fields
// minus FinishedAtMs/ReviewedAtMs.
type AgentRun struct {
	ID            string     `json:"id"`
	IssueID       string     `json:"issue_id"`
	IssueTitle    string     `json:"issue_title"`
	LinearIssueID string     `json:"linear_issue_id,omitempty"`
	Status        RunStatus  `json:"status"`
	StartedAtMs   int64      `json:"started_at_ms"`
	FinishedAtMs  int64      `json:"finished_at_ms"`
	CostUSD       float64    `json:"cost_usd,omitempty"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
	NumTurns      int        `json:"num_turns,omitempty"`
	Error         string     `json:"error,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	ExitReason    ExitReason `json:"exit_reason,omitempty"`
	RunType       RunType    `json:"run_type,omitempty"`
	ReviewedAtMs  *int64     `json:"reviewed_at_ms,omitempty"`
}

// OAuthToken is a stored credential row for one external service.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Actor        string `json:"actor,omitempty"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

// QueueSnapshot summarizes the last executor poll.
type QueueSnapshot struct {
	ReadyCount      int   `json:"ready_count"`
	InProgressCount int   `json:"in_progress_count"`
	LastCheckedAtMs int64 `json:"last_checked_at_ms"`
}

// PlanningSession records one planning pass.
type PlanningSession struct {
	ID             string  `json:"id"`
	CreatedAtMs    int64   `json:"created_at_ms"`
	Summary        string  `json:"summary"`
	TicketsCreated int     `json:"tickets_created"`
	CostUSD        float64 `json:"cost_usd"`
}
