// Package executor picks ready tickets and drives one agent run per ticket:
// tracker transition in, bounded agent run, tracker transition out.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autopilot-sh/autopilot/pkg/agent"
	"github.com/autopilot-sh/autopilot/pkg/models"
	"github.com/autopilot-sh/autopilot/pkg/retry"
	"github.com/autopilot-sh/autopilot/pkg/sanitize"
	"github.com/autopilot-sh/autopilot/pkg/sandbox"
	"github.com/autopilot-sh/autopilot/pkg/state"
	"github.com/autopilot-sh/autopilot/pkg/tracker"
)

// Options is the executor's slice of the configuration.
type Options struct {
	MaxRetries int
	Timeout    time.Duration
	Inactivity time.Duration
	Model      string
	Budget     state.BudgetConfig
}

// Executor fills free agent slots with ready tickets.
type Executor struct {
	Tracker  tracker.Client
	Runner   *agent.Runner
	State    *state.AppState
	Breakers *retry.Registry
	StateIDs tracker.StateIDs
	Opts     Options
	// PromptFn builds the agent prompt for one ticket. Defaults to
	// DefaultPrompt.
	PromptFn func(t tracker.Ticket) string

	newID func() string

	// active guards against double dispatch when FillSlots re-enters
	// before a prior call's runs have registered in state.
	activeMu sync.Mutex
	active   map[string]bool
}

// New wires an executor.
func New(tr tracker.Client, runner *agent.Runner, st *state.AppState, breakers *retry.Registry, ids tracker.StateIDs, opts Options) *Executor {
	return &Executor{
		Tracker:  tr,
		Runner:   runner,
		State:    st,
		Breakers: breakers,
		StateIDs: ids,
		Opts:     opts,
		PromptFn: DefaultPrompt,
		newID:    uuid.NewString,
		active:   make(map[string]bool),
	}
}

// DefaultPrompt is the standard executor prompt for one ticket.
func DefaultPrompt(t tracker.Ticket) string {
	return fmt.Sprintf(
		"Work on ticket %s: %s\n\n"+
			"Implement the change, run the tests, commit on the current branch, "+
			"push, and open a pull request that references %s.",
		t.Identifier, t.Title, t.Identifier)
}

// FillSlots dispatches agents for ready tickets up to the free slot count.
// It returns one completion channel per dispatched ticket; each carries true
// when the run ended with the ticket in review.
func (e *Executor) FillSlots(ctx context.Context) []<-chan bool {
	if e.State.IsPaused() {
		return nil
	}
	if ok, reason := e.State.CheckBudget(e.Opts.Budget); !ok {
		slog.Warn("Budget exhausted, skipping dispatch", "reason", reason)
		return nil
	}
	if warn := e.State.BudgetWarning(e.Opts.Budget); warn != "" {
		slog.Warn("Budget warning", "detail", warn)
	}

	available := e.State.MaxParallel() - e.State.RunningCount()
	if available <= 0 {
		return nil
	}

	tickets, err := retry.Do(ctx, e.Breakers, "getReadyIssues", func(ctx context.Context) ([]tracker.Ticket, error) {
		return e.Tracker.ReadyTickets(ctx, 50)
	}, retry.WithService(retry.ServiceTracker))
	if err != nil {
		slog.Error("Failed to fetch ready tickets", "error", sanitize.Message(err.Error()))
		return nil
	}
	e.State.UpdateQueue(len(tickets), e.State.RunningCount())

	var done []<-chan bool
	for _, t := range tickets {
		if len(done) >= available {
			break
		}
		if !e.claim(t.ID) {
			continue
		}
		if e.State.HasLiveTicket(t.Identifier) {
			e.release(t.ID)
			continue
		}
		t := t
		ch := make(chan bool, 1)
		done = append(done, ch)
		go func() {
			defer e.release(t.ID)
			ch <- e.ExecuteIssue(ctx, t)
		}()
	}
	return done
}

// ExecuteIssue runs one ticket end to end and returns whether it reached
// review.
func (e *Executor) ExecuteIssue(ctx context.Context, t tracker.Ticket) bool {
	if err := e.moveTicket(ctx, t, e.StateIDs.InProgress, "moveToInProgress"); err != nil {
		if tracker.IsFatal(err) {
			slog.Error("Ticket transition rejected", "ticket", t.Identifier, "error", sanitize.Message(err.Error()))
		} else {
			slog.Error("Ticket transition failed", "ticket", t.Identifier, "error", sanitize.Message(err.Error()))
		}
		return false
	}

	id := e.newID()
	e.State.AddAgent(id, t.Identifier, t.Title, t.ID, models.RunTypeExecutor)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.State.RegisterController(id, cancel)

	res := e.Runner.Run(runCtx, agent.RunOptions{
		Prompt:     e.PromptFn(t),
		CloneName:  sandbox.CloneName(t.Identifier),
		Model:      e.Opts.Model,
		Timeout:    e.Opts.Timeout,
		Inactivity: e.Opts.Inactivity,
		OnActivity: func(a models.Activity) { e.State.AddActivity(id, a) },
	})

	status := classify(res)
	e.State.CompleteAgent(ctx, id, status, state.CompleteMeta{
		CostUSD:    res.CostUSD,
		DurationMs: res.DurationMs,
		NumTurns:   res.NumTurns,
		Error:      res.Error,
		SessionID:  res.SessionID,
		ExitReason: res.ExitReason,
	}, agent.Transcript(res.Messages))

	if status == models.RunStatusCompleted {
		if err := e.moveTicket(ctx, t, e.StateIDs.InReview, "moveToInReview"); err != nil {
			slog.Error("Failed to move ticket to review", "ticket", t.Identifier, "error", sanitize.Message(err.Error()))
		}
		e.State.ClearIssueFailures(t.Identifier)
		return true
	}

	count := e.State.IncrementIssueFailures(t.Identifier)
	if count < e.Opts.MaxRetries {
		slog.Warn("Agent run failed, ticket returns to ready",
			"ticket", t.Identifier, "failures", count, "error", sanitize.Message(res.Error))
		if err := e.moveTicket(ctx, t, e.StateIDs.Ready, "moveToReady"); err != nil {
			slog.Error("Failed to requeue ticket", "ticket", t.Identifier, "error", sanitize.Message(err.Error()))
		}
		return false
	}

	slog.Error("Agent run failed repeatedly, blocking ticket",
		"ticket", t.Identifier, "failures", count, "error", sanitize.Message(res.Error))
	if err := e.moveTicket(ctx, t, e.StateIDs.Blocked, "moveToBlocked"); err != nil {
		slog.Error("Failed to block ticket", "ticket", t.Identifier, "error", sanitize.Message(err.Error()))
	}
	comment := fmt.Sprintf("Autopilot blocked this ticket after %d failed attempt(s). Last error: %s",
		count, sanitize.Message(res.Error))
	if _, err := retry.Do(ctx, e.Breakers, "postComment", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.Tracker.Comment(ctx, t.ID, comment)
	}, retry.WithService(retry.ServiceTracker)); err != nil {
		slog.Error("Failed to post blocking comment", "ticket", t.Identifier, "error", sanitize.Message(err.Error()))
	}
	return false
}

func (e *Executor) moveTicket(ctx context.Context, t tracker.Ticket, stateID, label string) error {
	_, err := retry.Do(ctx, e.Breakers, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.Tracker.MoveTicket(ctx, t.ID, stateID)
	}, retry.WithService(retry.ServiceTracker), retry.WithShouldRetry(func(err error) bool {
		return !tracker.IsFatal(err) && retry.Transient(err)
	}))
	return err
}

// classify maps a run result onto a terminal run status.
func classify(res agent.RunResult) models.RunStatus {
	switch {
	case res.ExitReason == models.ExitTimeout || res.ExitReason == models.ExitInactivity:
		return models.RunStatusTimedOut
	case res.Error != "":
		return models.RunStatusFailed
	default:
		return models.RunStatusCompleted
	}
}

// claim marks a ticket as in-flight; false means it already was.
func (e *Executor) claim(ticketID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active[ticketID] {
		return false
	}
	e.active[ticketID] = true
	return true
}

func (e *Executor) release(ticketID string) {
	e.activeMu.Lock()
	delete(e.active, ticketID)
	e.activeMu.Unlock()
}
