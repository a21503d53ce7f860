package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/autopilot-sh/autopilot/pkg/models"
	"github.com/autopilot-sh/autopilot/pkg/sandbox"
)

// Cancellation causes. The runner classifies its exit reason from whichever
// of these (or the parent's cause) tore the run context down.
var (
	errOverallTimeout    = errors.New("overall timeout")
	errInactivityTimeout = errors.New("inactivity timeout")
)

// RunOptions configures one agent run.
type RunOptions struct {
	Prompt     string
	WorkDir    string
	CloneName  string // when set, run inside a fresh clone of WorkDir
	FromBranch string // fixer mode: check out this branch instead of creating one
	Model      string
	MCPServers []string
	Plugins    []string
	Agents     []string
	Timeout    time.Duration // 0 disables
	Inactivity time.Duration // 0 disables
	OnActivity func(models.Activity)
	Stderr     io.Writer
}

// RunResult is the single terminal outcome of a run.
type RunResult struct {
	Result     string
	SessionID  string
	CostUSD    float64
	DurationMs int64
	NumTurns   int
	Error      string
	TimedOut   bool
	ExitReason models.ExitReason
	// Messages is the raw stream, kept for transcript persistence.
	Messages []Message
}

// Runner executes agent subprocesses inside sandbox clones, bounded by
// overall and inactivity timers.
type Runner struct {
	Clones *sandbox.Manager
	Gate   *SpawnGate
	Start  StartFn

	now func() time.Time
}

// NewRunner wires a runner with the default subprocess launcher.
func NewRunner(clones *sandbox.Manager, gate *SpawnGate) *Runner {
	return &Runner{Clones: clones, Gate: gate, Start: Start, now: time.Now}
}

// Run executes one agent to completion. It always reports exactly one
// terminal outcome and never returns a Go error: every failure mode is
// folded into the result's ExitReason and Error.
func (r *Runner) Run(ctx context.Context, opts RunOptions) RunResult {
	release, err := r.Gate.Acquire(ctx)
	if err != nil {
		return RunResult{ExitReason: models.ExitAborted, Error: "Aborted (shutdown)"}
	}
	defer release()

	cwd := opts.WorkDir
	if opts.CloneName != "" {
		clone, err := r.Clones.Create(ctx, opts.CloneName, opts.FromBranch)
		if err != nil {
			return RunResult{ExitReason: models.ExitError, Error: "clone setup: " + err.Error()}
		}
		cwd = clone.Path
		defer r.Clones.Remove(context.WithoutCancel(ctx), opts.CloneName, opts.FromBranch != "")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if opts.Timeout > 0 {
		t := time.AfterFunc(opts.Timeout, func() { cancel(errOverallTimeout) })
		defer t.Stop()
	}
	var inactivity *time.Timer
	if opts.Inactivity > 0 {
		inactivity = time.AfterFunc(opts.Inactivity, func() { cancel(errInactivityTimeout) })
		defer inactivity.Stop()
	}
	touch := func() {
		if inactivity != nil {
			inactivity.Reset(opts.Inactivity)
		}
	}

	msgCh := make(chan Message, 256)
	session, err := r.Start(runCtx, StartOptions{
		Prompt:     opts.Prompt,
		WorkDir:    cwd,
		Model:      opts.Model,
		MCPServers: opts.MCPServers,
		Plugins:    opts.Plugins,
		Agents:     opts.Agents,
		Stderr:     opts.Stderr,
	}, msgCh, nil)
	if err != nil {
		return RunResult{ExitReason: models.ExitError, Error: "agent start: " + err.Error()}
	}
	slog.Debug("Agent session started", "cwd", cwd, "env", describeEnv(buildEnv()))

	var res RunResult
	for msg := range msgCh {
		res.Messages = append(res.Messages, msg)
		p := Process(msg, cwd, r.now().UnixMilli())
		if p.SessionID != "" && res.SessionID == "" {
			res.SessionID = p.SessionID
			// The slot only guards the launch window; once the agent is
			// up, the next spawn may proceed.
			release()
		}
		for _, a := range p.Activities {
			if opts.OnActivity != nil {
				opts.OnActivity(a)
			}
		}
		if p.Success != nil {
			res.Result = p.Success.Result
			res.CostUSD = p.Success.CostUSD
			res.DurationMs = p.Success.DurationMs
			res.NumTurns = p.Success.NumTurns
		}
		if p.ErrorMessage != "" {
			res.Error = p.ErrorMessage
		}
		touch()
	}
	waitErr := session.Wait()

	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, errOverallTimeout):
		res.TimedOut = true
		res.ExitReason = models.ExitTimeout
		res.Error = "Timed out"
	case errors.Is(cause, errInactivityTimeout):
		res.ExitReason = models.ExitInactivity
		res.Error = "Inactivity timeout"
	case ctx.Err() != nil:
		res.ExitReason = models.ExitAborted
		res.Error = "Aborted (shutdown)"
	case res.Error != "":
		res.ExitReason = models.ExitError
	case waitErr != nil && res.Result == "":
		res.ExitReason = models.ExitError
		res.Error = waitErr.Error()
	default:
		res.ExitReason = models.ExitSuccess
	}
	return res
}
