// Package monitor watches open pull requests for in-review tickets: merged
// PRs close their tickets, failed CI spawns a fixer agent on the PR branch,
// green PRs optionally get auto-merge.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autopilot-sh/autopilot/pkg/agent"
	"github.com/autopilot-sh/autopilot/pkg/githost"
	"github.com/autopilot-sh/autopilot/pkg/models"
	"github.com/autopilot-sh/autopilot/pkg/retry"
	"github.com/autopilot-sh/autopilot/pkg/sanitize"
	"github.com/autopilot-sh/autopilot/pkg/sandbox"
	"github.com/autopilot-sh/autopilot/pkg/state"
	"github.com/autopilot-sh/autopilot/pkg/tracker"
)

// Options is the monitor's slice of the configuration.
type Options struct {
	FixerTimeout    time.Duration
	Inactivity      time.Duration
	Model           string
	Automerge       bool
	MaxFixerRetries int
}

// Monitor drives the PR-watching pass.
type Monitor struct {
	Tracker  tracker.Client
	Host     githost.Client
	Runner   *agent.Runner
	State    *state.AppState
	Breakers *retry.Registry
	StateIDs tracker.StateIDs
	Opts     Options
	// FixerPromptFn builds the fixer prompt. Defaults to DefaultFixerPrompt.
	FixerPromptFn func(t tracker.Ticket, branch string, failing []string) string

	newID func() string

	// handled remembers review cycles that already got a fixer, so a red
	// check suite spawns at most one fixer until the PR sees a new push.
	handledMu sync.Mutex
	handled   map[string]bool

	// automerged remembers PRs whose auto-merge was already enabled.
	automerged map[string]bool
}

// New wires a monitor.
func New(tr tracker.Client, host githost.Client, runner *agent.Runner, st *state.AppState, breakers *retry.Registry, ids tracker.StateIDs, opts Options) *Monitor {
	return &Monitor{
		Tracker:       tr,
		Host:          host,
		Runner:        runner,
		State:         st,
		Breakers:      breakers,
		StateIDs:      ids,
		Opts:          opts,
		FixerPromptFn: DefaultFixerPrompt,
		newID:         uuid.NewString,
		handled:       make(map[string]bool),
		automerged:    make(map[string]bool),
	}
}

// DefaultFixerPrompt is the standard prompt for a CI-fixing run.
func DefaultFixerPrompt(t tracker.Ticket, branch string, failing []string) string {
	return fmt.Sprintf(
		"CI is failing on branch %s for ticket %s: %s\n\n"+
			"Failing checks: %s\n\n"+
			"Reproduce the failures locally, fix them, commit, and push to the same branch.",
		branch, t.Identifier, t.Title, strings.Join(failing, ", "))
}

// ResetHandledReviews clears the per-cycle fixer guard. Test hook.
func (m *Monitor) ResetHandledReviews() {
	m.handledMu.Lock()
	m.handled = make(map[string]bool)
	m.automerged = make(map[string]bool)
	m.handledMu.Unlock()
}

// CheckOpenPRs inspects every in-review ticket's PRs and returns one
// completion channel per spawned fixer.
func (m *Monitor) CheckOpenPRs(ctx context.Context, owner, repo string) []<-chan bool {
	tickets, err := retry.Do(ctx, m.Breakers, "getInReviewIssues", func(ctx context.Context) ([]tracker.Ticket, error) {
		return m.Tracker.TicketsInState(ctx, m.StateIDs.InReview)
	}, retry.WithService(retry.ServiceTracker))
	if err != nil {
		slog.Error("Failed to fetch in-review tickets", "error", sanitize.Message(err.Error()))
		return nil
	}

	var done []<-chan bool
	for _, t := range tickets {
		attachments, err := retry.Do(ctx, m.Breakers, "getAttachments", func(ctx context.Context) ([]string, error) {
			return m.Tracker.PRAttachments(ctx, t.ID)
		}, retry.WithService(retry.ServiceTracker))
		if err != nil {
			slog.Error("Failed to fetch PR attachments", "ticket", t.Identifier, "error", sanitize.Message(err.Error()))
			continue
		}
		for _, url := range attachments {
			prOwner, prRepo, number, err := githost.ParsePRURL(url)
			if err != nil {
				continue
			}
			if prOwner != owner || prRepo != repo {
				continue
			}
			if ch := m.checkPR(ctx, t, owner, repo, number); ch != nil {
				done = append(done, ch)
			}
		}
	}
	return done
}

// checkPR handles one ticket-PR pair. Non-nil return means a fixer was
// spawned.
func (m *Monitor) checkPR(ctx context.Context, t tracker.Ticket, owner, repo string, number int) <-chan bool {
	label := fmt.Sprintf("github.prStatus(%s/%s#%d)", owner, repo, number)
	status, err := retry.Do(ctx, m.Breakers, label, func(ctx context.Context) (githost.PRStatus, error) {
		return m.Host.PRStatus(ctx, owner, repo, number)
	}, retry.WithService(retry.ServiceCodeHost))
	if err != nil {
		slog.Error("Failed to fetch PR status", "ticket", t.Identifier, "pr", number, "error", sanitize.Message(err.Error()))
		return nil
	}

	if status.Merged {
		if err := m.moveTicket(ctx, t, m.StateIDs.Done, "moveToDone"); err != nil {
			slog.Error("Failed to close ticket", "ticket", t.Identifier, "error", sanitize.Message(err.Error()))
		}
		return nil
	}

	switch status.CIStatus {
	case githost.CIFailure:
		return m.maybeSpawnFixer(ctx, t, status)
	case githost.CISuccess:
		if m.Opts.Automerge {
			m.maybeAutomerge(ctx, owner, repo, number)
		}
	}
	return nil
}

func (m *Monitor) maybeSpawnFixer(ctx context.Context, t tracker.Ticket, status githost.PRStatus) <-chan bool {
	if m.State.HasLiveFixer(t.Identifier) {
		return nil
	}
	if count := m.State.GetIssueFailureCount("fixer:" + t.Identifier); m.Opts.MaxFixerRetries > 0 && count >= m.Opts.MaxFixerRetries {
		slog.Warn("Fixer attempts exhausted", "ticket", t.Identifier, "attempts", count)
		return nil
	}

	cycle := t.ID + "@" + status.ReviewCycleID
	m.handledMu.Lock()
	if m.handled[cycle] {
		m.handledMu.Unlock()
		return nil
	}
	m.handled[cycle] = true
	m.handledMu.Unlock()

	ch := make(chan bool, 1)
	go func() {
		ch <- m.runFixer(ctx, t, status)
	}()
	return ch
}

// runFixer executes one fixer agent on the PR branch. It performs no
// tracker transitions; pushing a commit lets CI re-run.
func (m *Monitor) runFixer(ctx context.Context, t tracker.Ticket, status githost.PRStatus) bool {
	id := m.newID()
	m.State.AddAgent(id, t.Identifier, t.Title, t.ID, models.RunTypeFixer)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.State.RegisterController(id, cancel)

	failing := make([]string, len(status.CIDetails))
	for i, name := range status.CIDetails {
		failing[i] = sanitize.Message(name)
	}
	res := m.Runner.Run(runCtx, agent.RunOptions{
		Prompt:     m.FixerPromptFn(t, status.Branch, failing),
		CloneName:  sandbox.CloneName("fix-" + t.Identifier),
		FromBranch: status.Branch,
		Model:      m.Opts.Model,
		Timeout:    m.Opts.FixerTimeout,
		Inactivity: m.Opts.Inactivity,
		OnActivity: func(a models.Activity) { m.State.AddActivity(id, a) },
	})

	runStatus := models.RunStatusCompleted
	switch {
	case res.ExitReason == models.ExitTimeout || res.ExitReason == models.ExitInactivity:
		runStatus = models.RunStatusTimedOut
	case res.Error != "":
		runStatus = models.RunStatusFailed
	}
	m.State.CompleteAgent(ctx, id, runStatus, state.CompleteMeta{
		CostUSD:    res.CostUSD,
		DurationMs: res.DurationMs,
		NumTurns:   res.NumTurns,
		Error:      res.Error,
		SessionID:  res.SessionID,
		ExitReason: res.ExitReason,
	}, agent.Transcript(res.Messages))

	if runStatus != models.RunStatusCompleted {
		m.State.IncrementIssueFailures("fixer:" + t.Identifier)
		return false
	}
	m.State.ClearIssueFailures("fixer:" + t.Identifier)
	return true
}

func (m *Monitor) maybeAutomerge(ctx context.Context, owner, repo string, number int) {
	key := fmt.Sprintf("%s/%s#%d", owner, repo, number)
	m.handledMu.Lock()
	if m.automerged[key] {
		m.handledMu.Unlock()
		return
	}
	m.automerged[key] = true
	m.handledMu.Unlock()

	label := fmt.Sprintf("github.enableAutoMerge(%s)", key)
	if _, err := retry.Do(ctx, m.Breakers, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.Host.EnableAutoMerge(ctx, owner, repo, number)
	}, retry.WithService(retry.ServiceCodeHost)); err != nil {
		slog.Error("Failed to enable auto-merge", "pr", key, "error", sanitize.Message(err.Error()))
	}
}

func (m *Monitor) moveTicket(ctx context.Context, t tracker.Ticket, stateID, label string) error {
	_, err := retry.Do(ctx, m.Breakers, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.Tracker.MoveTicket(ctx, t.ID, stateID)
	}, retry.WithService(retry.ServiceTracker))
	return err
}
