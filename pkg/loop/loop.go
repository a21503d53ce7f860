// Package loop drives the orchestrator: fill executor slots, check open
// PRs, sweep stale clones, and sleep until the next tick or webhook wake.
package loop

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopilot-sh/autopilot/pkg/sandbox"
	"github.com/autopilot-sh/autopilot/pkg/state"
	"github.com/autopilot-sh/autopilot/pkg/trigger"
)

// sweepEveryTicks is how often (in loop ticks) stale clones are swept.
const sweepEveryTicks = 10

// DefaultGrace bounds how long shutdown waits for in-flight agents.
const DefaultGrace = 2 * time.Minute

// SlotFiller dispatches ready tickets. Implemented by executor.Executor.
type SlotFiller interface {
	FillSlots(ctx context.Context) []<-chan bool
}

// PRChecker watches open PRs. Implemented by monitor.Monitor.
type PRChecker interface {
	CheckOpenPRs(ctx context.Context, owner, repo string) []<-chan bool
}

// Loop owns one orchestrator run.
type Loop struct {
	Executor SlotFiller
	Monitor  PRChecker // nil when no code-host repo is configured
	Clones   *sandbox.Manager
	State    *state.AppState
	Trigger  *trigger.Trigger
	Budget   state.BudgetConfig

	// Owner/Repo scope the monitor pass.
	Owner string
	Repo  string

	PollInterval time.Duration
	Grace        time.Duration

	// after is the tick timer, injectable for tests.
	after func(time.Duration) <-chan time.Time
}

// New wires a loop with default timing.
func New(exec SlotFiller, mon PRChecker, clones *sandbox.Manager, st *state.AppState, trig *trigger.Trigger) *Loop {
	return &Loop{
		Executor:     exec,
		Monitor:      mon,
		Clones:       clones,
		State:        st,
		Trigger:      trig,
		PollInterval: 5 * time.Minute,
		Grace:        DefaultGrace,
		after:        time.After,
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight agents with a
// grace period. Always returns ctx's cause.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("Main loop started", "poll_interval", l.PollInterval)

	var inflight []<-chan bool
	for tick := 0; ; tick++ {
		inflight = pruneResolved(inflight)

		inflight = append(inflight, l.Executor.FillSlots(ctx)...)
		if l.Monitor != nil && l.Owner != "" {
			inflight = append(inflight, l.Monitor.CheckOpenPRs(ctx, l.Owner, l.Repo)...)
		}
		if tick%sweepEveryTicks == 0 {
			l.Clones.Sweep(ctx, l.activeCloneNames())
		}
		if warn := l.State.BudgetWarning(l.Budget); warn != "" {
			slog.Warn("Budget warning", "reason", warn)
		}

		select {
		case <-ctx.Done():
			slog.Info("Main loop stopping", "in_flight", len(inflight))
			l.drain(inflight)
			return ctx.Err()
		case e := <-l.Trigger.Wait():
			slog.Info("Woken by webhook", "event", string(e))
		case <-l.after(l.PollInterval):
		}
	}
}

// activeCloneNames covers both executor clones (ap-<id>) and fixer clones
// (ap-fix-<id>) so the sweep never removes a live agent's working copy.
func (l *Loop) activeCloneNames() map[string]bool {
	active := l.State.LiveCloneNames(sandbox.CloneName)
	for name := range l.State.LiveCloneNames(func(id string) string {
		return sandbox.CloneName("fix-" + id)
	}) {
		active[name] = true
	}
	return active
}

// drain waits for completion channels, bounded by the grace period. Agents
// see the root cancellation and finish their own cleanup.
func (l *Loop) drain(inflight []<-chan bool) {
	if len(inflight) == 0 {
		return
	}
	g := new(errgroup.Group)
	for _, ch := range inflight {
		g.Go(func() error {
			<-ch
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	grace := l.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	select {
	case <-done:
		slog.Info("All in-flight agents finished")
	case <-time.After(grace):
		slog.Warn("Grace period expired with agents still running", "grace", grace)
	}
}

// pruneResolved drops channels that already delivered their result.
func pruneResolved(inflight []<-chan bool) []<-chan bool {
	kept := inflight[:0]
	for _, ch := range inflight {
		select {
		case <-ch:
		default:
			kept = append(kept, ch)
		}
	}
	return kept
}
