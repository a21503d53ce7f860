// Package state is the single in-process owner of all mutable orchestrator
// state: live agents, run history, queue counters, failure counters, and the
// spend log. Every mutation goes through one mutex; persistence is
// best-effort and never corrupts the in-memory view.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autopilot-sh/autopilot/pkg/models"
	"github.com/autopilot-sh/autopilot/pkg/retry"
	"github.com/autopilot-sh/autopilot/pkg/store"
)

// Caps on in-memory collections.
const (
	maxActivitiesPerAgent = 200
	maxHistoryEntries     = 50
	maxFailureEntries     = 1000
	spendWindow           = 32 * 24 * time.Hour
)

// LiveAgent is one running agent and its bounded activity trace.
type LiveAgent struct {
	ID             string            `json:"id"`
	TicketID       string            `json:"ticket_id"`
	TicketTitle    string            `json:"ticket_title"`
	TrackerIssueID string            `json:"tracker_issue_id,omitempty"`
	RunType        models.RunType    `json:"run_type"`
	StartedAtMs    int64             `json:"started_at_ms"`
	Activities     []models.Activity `json:"activities"`
}

// CompleteMeta carries the terminal details of a finished run.
type CompleteMeta struct {
	CostUSD    float64
	DurationMs int64
	NumTurns   int
	Error      string
	SessionID  string
	ExitReason models.ExitReason
}

// PlanningStatus summarizes the planning pass.
type PlanningStatus struct {
	Running     bool   `json:"running"`
	LastRunAtMs int64  `json:"last_run_at_ms"`
	Summary     string `json:"summary,omitempty"`
}

// ReviewerStatus summarizes the review pass.
type ReviewerStatus struct {
	Running      bool  `json:"running"`
	LastRunAtMs  int64 `json:"last_run_at_ms"`
	PendingRuns  int   `json:"pending_runs"`
	ReviewedRuns int   `json:"reviewed_runs"`
}

// BudgetConfig is the spend policy the budget check evaluates.
type BudgetConfig struct {
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	WarnAtPercent   float64
}

// Snapshot is the read-only JSON view served by the status endpoint.
type Snapshot struct {
	Agents          []LiveAgent                            `json:"agents"`
	History         []models.AgentRun                      `json:"history"`
	Queue           models.QueueSnapshot                   `json:"queue"`
	Paused          bool                                   `json:"paused"`
	Planning        PlanningStatus                         `json:"planning"`
	Reviewer        ReviewerStatus                         `json:"reviewer"`
	DailySpendUSD   float64                                `json:"daily_spend_usd"`
	MonthlySpendUSD float64                                `json:"monthly_spend_usd"`
	APIHealth       map[retry.Service]retry.BreakerState   `json:"api_health"`
}

type spendEntry struct {
	at   time.Time
	cost float64
}

// AppState owns the orchestrator's mutable state.
type AppState struct {
	mu          sync.Mutex
	agents      map[string]*LiveAgent
	history     []models.AgentRun
	controllers map[string]context.CancelFunc
	paused      bool
	maxParallel int
	queue       models.QueueSnapshot
	planning    PlanningStatus
	reviewer    ReviewerStatus

	failures     map[string]int
	failureOrder []string

	spend []spendEntry

	store    *store.Store
	breakers *retry.Registry
	now      func() time.Time
}

// New creates an AppState with the given slot count and breaker registry.
func New(maxParallel int, breakers *retry.Registry) *AppState {
	return &AppState{
		agents:      make(map[string]*LiveAgent),
		controllers: make(map[string]context.CancelFunc),
		failures:    make(map[string]int),
		maxParallel: maxParallel,
		breakers:    breakers,
		now:         time.Now,
	}
}

// AttachStore wires the persistence layer in after construction. A nil store
// keeps everything in memory only.
func (s *AppState) AttachStore(st *store.Store) {
	s.mu.Lock()
	s.store = st
	s.mu.Unlock()
}

// AddAgent registers a new live agent.
func (s *AppState) AddAgent(id, ticketID, ticketTitle, trackerIssueID string, runType models.RunType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[id] = &LiveAgent{
		ID:             id,
		TicketID:       ticketID,
		TicketTitle:    ticketTitle,
		TrackerIssueID: trackerIssueID,
		RunType:        runType,
		StartedAtMs:    s.now().UnixMilli(),
	}
}

// AddActivity appends one activity to a live agent's trace. Unknown agent
// ids are ignored; the trace keeps only the most recent 200 entries.
func (s *AppState) AddActivity(id string, a models.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return
	}
	agent.Activities = append(agent.Activities, a)
	if n := len(agent.Activities); n > maxActivitiesPerAgent {
		agent.Activities = agent.Activities[n-maxActivitiesPerAgent:]
	}
}

// CompleteAgent moves an agent out of the live set, records history, and
// persists the run. Persistence failures are logged and otherwise ignored:
// the in-memory history entry is already in place when they happen.
func (s *AppState) CompleteAgent(ctx context.Context, id string, status models.RunStatus, meta CompleteMeta, transcript string) {
	s.mu.Lock()
	agent, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.agents, id)
	delete(s.controllers, id)

	run := models.AgentRun{
		ID:            id,
		IssueID:       agent.TicketID,
		IssueTitle:    agent.TicketTitle,
		LinearIssueID: agent.TrackerIssueID,
		Status:        status,
		StartedAtMs:   agent.StartedAtMs,
		FinishedAtMs:  s.now().UnixMilli(),
		CostUSD:       meta.CostUSD,
		DurationMs:    meta.DurationMs,
		NumTurns:      meta.NumTurns,
		Error:         meta.Error,
		SessionID:     meta.SessionID,
		ExitReason:    meta.ExitReason,
		RunType:       agent.RunType,
	}
	s.history = append([]models.AgentRun{run}, s.history...)
	if len(s.history) > maxHistoryEntries {
		s.history = s.history[:maxHistoryEntries]
	}
	if meta.CostUSD > 0 {
		s.addSpendLocked(meta.CostUSD)
	}
	activities := append([]models.Activity(nil), agent.Activities...)
	st := s.store
	s.mu.Unlock()

	if st == nil {
		return
	}
	if err := st.InsertAgentRun(ctx, run); err != nil {
		slog.Error("Failed to persist run", "run", id, "error", err)
	}
	if err := st.InsertActivityLogs(ctx, id, activities); err != nil {
		slog.Error("Failed to persist activities", "run", id, "error", err)
	}
	if transcript != "" {
		if err := st.SaveTranscript(ctx, id, transcript); err != nil {
			slog.Error("Failed to persist transcript", "run", id, "error", err)
		}
	}
}

// RegisterController stores an agent's cancellation hook.
func (s *AppState) RegisterController(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.controllers[id] = cancel
	s.mu.Unlock()
}

// CancelAgent aborts the agent if its id is known.
func (s *AppState) CancelAgent(id string) {
	s.mu.Lock()
	cancel, ok := s.controllers[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// RunningCount returns the number of live agents.
func (s *AppState) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// HasLiveTicket reports whether any live agent works on the ticket.
func (s *AppState) HasLiveTicket(ticketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.TicketID == ticketID {
			return true
		}
	}
	return false
}

// HasLiveFixer reports whether a fixer is already running for the ticket.
func (s *AppState) HasLiveFixer(ticketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.TicketID == ticketID && a.RunType == models.RunTypeFixer {
			return true
		}
	}
	return false
}

// LiveCloneNames returns the clone directory names of all live agents, used
// by the periodic sweep to spare active clones.
func (s *AppState) LiveCloneNames(nameFor func(ticketID string) string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[string]bool, len(s.agents))
	for _, a := range s.agents {
		names[nameFor(a.TicketID)] = true
	}
	return names
}

// UpdateQueue records the last poll's queue counters.
func (s *AppState) UpdateQueue(ready, inProgress int) {
	s.mu.Lock()
	s.queue = models.QueueSnapshot{
		ReadyCount:      ready,
		InProgressCount: inProgress,
		LastCheckedAtMs: s.now().UnixMilli(),
	}
	s.mu.Unlock()
}

// SetPlanning replaces the planning status.
func (s *AppState) SetPlanning(p PlanningStatus) {
	s.mu.Lock()
	s.planning = p
	s.mu.Unlock()
}

// SetReviewer replaces the reviewer status.
func (s *AppState) SetReviewer(r ReviewerStatus) {
	s.mu.Lock()
	s.reviewer = r
	s.mu.Unlock()
}

// TogglePause flips the pause flag and returns the new value.
func (s *AppState) TogglePause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = !s.paused
	return s.paused
}

// IsPaused reports the pause flag.
func (s *AppState) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// IncrementIssueFailures bumps a ticket's failure counter and returns the
// new count. The map holds at most 1000 tickets; the oldest insertion is
// evicted first.
func (s *AppState) IncrementIssueFailures(ticketID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[ticketID]; !ok {
		if len(s.failureOrder) >= maxFailureEntries {
			oldest := s.failureOrder[0]
			s.failureOrder = s.failureOrder[1:]
			delete(s.failures, oldest)
		}
		s.failureOrder = append(s.failureOrder, ticketID)
	}
	s.failures[ticketID]++
	return s.failures[ticketID]
}

// GetIssueFailureCount returns a ticket's failure counter.
func (s *AppState) GetIssueFailureCount(ticketID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[ticketID]
}

// ClearIssueFailures drops a ticket's failure counter.
func (s *AppState) ClearIssueFailures(ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[ticketID]; !ok {
		return
	}
	delete(s.failures, ticketID)
	for i, id := range s.failureOrder {
		if id == ticketID {
			s.failureOrder = append(s.failureOrder[:i], s.failureOrder[i+1:]...)
			break
		}
	}
}

// AddSpend records one run's cost in the rolling spend log.
func (s *AppState) AddSpend(costUSD float64) {
	s.mu.Lock()
	s.addSpendLocked(costUSD)
	s.mu.Unlock()
}

func (s *AppState) addSpendLocked(costUSD float64) {
	now := s.now()
	s.spend = append(s.spend, spendEntry{at: now, cost: costUSD})
	cutoff := now.Add(-spendWindow)
	keep := s.spend[:0]
	for _, e := range s.spend {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	s.spend = keep
}

// DailySpend sums spend for the current UTC calendar day.
func (s *AppState) DailySpend() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spendSinceLocked(dayStart(s.now()))
}

// MonthlySpend sums spend for the current UTC calendar month.
func (s *AppState) MonthlySpend() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spendSinceLocked(monthStart(s.now()))
}

func (s *AppState) spendSinceLocked(since time.Time) float64 {
	var total float64
	for _, e := range s.spend {
		if !e.at.Before(since) {
			total += e.cost
		}
	}
	return total
}

// CheckBudget reports whether spawning more agents is allowed under the
// budget. A zero limit disables that check.
func (s *AppState) CheckBudget(cfg BudgetConfig) (ok bool, reason string) {
	if cfg.DailyLimitUSD > 0 {
		if daily := s.DailySpend(); daily >= cfg.DailyLimitUSD {
			return false, fmt.Sprintf("daily budget reached ($%.2f of $%.2f)", daily, cfg.DailyLimitUSD)
		}
	}
	if cfg.MonthlyLimitUSD > 0 {
		if monthly := s.MonthlySpend(); monthly >= cfg.MonthlyLimitUSD {
			return false, fmt.Sprintf("monthly budget reached ($%.2f of $%.2f)", monthly, cfg.MonthlyLimitUSD)
		}
	}
	return true, ""
}

// BudgetWarning returns a warning line once spend crosses the configured
// percentage of a limit but has not yet reached it. Empty when quiet.
func (s *AppState) BudgetWarning(cfg BudgetConfig) string {
	if cfg.WarnAtPercent <= 0 {
		return ""
	}
	if cfg.DailyLimitUSD > 0 {
		daily := s.DailySpend()
		threshold := cfg.DailyLimitUSD * cfg.WarnAtPercent / 100
		if daily >= threshold && daily < cfg.DailyLimitUSD {
			return fmt.Sprintf("daily spend $%.2f is past %.0f%% of the $%.2f limit",
				daily, cfg.WarnAtPercent, cfg.DailyLimitUSD)
		}
	}
	if cfg.MonthlyLimitUSD > 0 {
		monthly := s.MonthlySpend()
		threshold := cfg.MonthlyLimitUSD * cfg.WarnAtPercent / 100
		if monthly >= threshold && monthly < cfg.MonthlyLimitUSD {
			return fmt.Sprintf("monthly spend $%.2f is past %.0f%% of the $%.2f limit",
				monthly, cfg.WarnAtPercent, cfg.MonthlyLimitUSD)
		}
	}
	return ""
}

// MaxParallel returns the configured slot count.
func (s *AppState) MaxParallel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxParallel
}

// Snapshot renders the full state for the status endpoint.
func (s *AppState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]LiveAgent, 0, len(s.agents))
	for _, a := range s.agents {
		copied := *a
		copied.Activities = append([]models.Activity(nil), a.Activities...)
		agents = append(agents, copied)
	}
	snap := Snapshot{
		Agents:          agents,
		History:         append([]models.AgentRun(nil), s.history...),
		Queue:           s.queue,
		Paused:          s.paused,
		Planning:        s.planning,
		Reviewer:        s.reviewer,
		DailySpendUSD:   s.spendSinceLocked(dayStart(s.now())),
		MonthlySpendUSD: s.spendSinceLocked(monthStart(s.now())),
	}
	if s.breakers != nil {
		snap.APIHealth = s.breakers.Health()
	}
	return snap
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
