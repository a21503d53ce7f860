// Autopilot orchestrator — picks ready tickets from the tracker, runs
// coding agents in isolated clones, advances ticket state, and watches
// open pull requests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autopilot-sh/autopilot/pkg/agent"
	"github.com/autopilot-sh/autopilot/pkg/cleanup"
	"github.com/autopilot-sh/autopilot/pkg/config"
	"github.com/autopilot-sh/autopilot/pkg/executor"
	"github.com/autopilot-sh/autopilot/pkg/githost"
	"github.com/autopilot-sh/autopilot/pkg/loop"
	"github.com/autopilot-sh/autopilot/pkg/monitor"
	"github.com/autopilot-sh/autopilot/pkg/retry"
	"github.com/autopilot-sh/autopilot/pkg/sandbox"
	"github.com/autopilot-sh/autopilot/pkg/state"
	"github.com/autopilot-sh/autopilot/pkg/store"
	"github.com/autopilot-sh/autopilot/pkg/tracker"
	"github.com/autopilot-sh/autopilot/pkg/trigger"
	"github.com/autopilot-sh/autopilot/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: autopilot <validate|start> <project-path>")
}

func run(args []string) int {
	if len(args) != 2 {
		usage()
		return 2
	}
	command, projectPath := args[0], args[1]

	// Load .env from the project directory
	envPath := filepath.Join(projectPath, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	switch command {
	case "validate":
		return runValidate(projectPath)
	case "start":
		return runStart(projectPath)
	default:
		usage()
		return 2
	}
}

// buildPreflight wires the reachability checks against the real tracker
// and code host.
func buildPreflight(cfg *config.Config, projectPath string, clones *sandbox.Manager, linear *tracker.LinearClient, host *githost.GitHubClient, owner, repo string) *loop.Preflight {
	pre := loop.NewPreflight(projectPath, clones)
	pre.RepoOverride = cfg.GitHub.Repo
	pre.TrackerPing = func(ctx context.Context) error {
		_, err := linear.ResolveStateIDs(ctx, stateNames(cfg))
		return err
	}
	if owner != "" {
		pre.HostPing = func(ctx context.Context) error {
			return host.Ping(ctx, owner, repo)
		}
	}
	return pre
}

func stateNames(cfg *config.Config) tracker.StateNames {
	s := cfg.Linear.States
	return tracker.StateNames{
		Triage: s.Triage, Ready: s.Ready, InProgress: s.InProgress,
		InReview: s.InReview, Done: s.Done, Blocked: s.Blocked,
	}
}

// resolveRepo returns "owner", "repo" from the config override or the
// project's origin remote. Both empty when no code host is configured.
func resolveRepo(ctx context.Context, cfg *config.Config, clones *sandbox.Manager, projectPath string) (string, string) {
	full := cfg.GitHub.Repo
	if full == "" {
		remote, err := clones.RunGit(ctx, projectPath, "remote", "get-url", "origin")
		if err != nil {
			return "", ""
		}
		full, err = githost.ParseRemote(remote)
		if err != nil {
			return "", ""
		}
	}
	owner, repo, ok := strings.Cut(full, "/")
	if !ok {
		return "", ""
	}
	return owner, repo
}

func runValidate(projectPath string) int {
	cfg, err := config.Initialize(projectPath)
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		return 1
	}

	ctx := context.Background()
	clones := sandbox.NewManager(projectPath)
	owner, repo := resolveRepo(ctx, cfg, clones, projectPath)
	linear := tracker.NewLinearClient(os.Getenv("LINEAR_API_KEY"), cfg.Linear.Team, cfg.Linear.Labels)
	host := githost.NewGitHubClient(os.Getenv("GITHUB_TOKEN"))

	pre := buildPreflight(cfg, projectPath, clones, linear, host, owner, repo)
	results := pre.Run(ctx)
	for _, r := range results {
		switch {
		case r.OK():
			slog.Info("Check passed", "check", r.Name)
		case r.Warning:
			slog.Warn("Check failed (non-blocking)", "check", r.Name, "error", r.Err)
		default:
			slog.Error("Check failed", "check", r.Name, "error", r.Err)
		}
	}
	if loop.Blocking(results) {
		slog.Error("Preflight failed")
		return 1
	}
	slog.Info("Preflight passed")
	return 0
}

func runStart(projectPath string) int {
	// 1. Initialize configuration
	cfg, err := config.Initialize(projectPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Preflight
	clones := sandbox.NewManager(projectPath)
	owner, repo := resolveRepo(ctx, cfg, clones, projectPath)
	linear := tracker.NewLinearClient(os.Getenv("LINEAR_API_KEY"), cfg.Linear.Team, cfg.Linear.Labels)
	host := githost.NewGitHubClient(os.Getenv("GITHUB_TOKEN"))

	pre := buildPreflight(cfg, projectPath, clones, linear, host, owner, repo)
	results := pre.Run(ctx)
	for _, r := range results {
		if !r.OK() {
			level := slog.LevelError
			if r.Warning {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "Preflight check failed", "check", r.Name, "error", r.Err)
		}
	}
	if loop.Blocking(results) {
		slog.Error("Preflight failed; not starting")
		return 1
	}

	// 3. Resolve workflow state ids once
	stateIDs, err := linear.ResolveStateIDs(ctx, stateNames(cfg))
	if err != nil {
		slog.Error("Failed to resolve workflow states", "error", err)
		return 1
	}
	slog.Info("Workflow states resolved", "team", cfg.Linear.Team)

	// 4. Open the store
	breakers := retry.NewRegistry()
	appState := state.New(cfg.Executor.Parallel, breakers)

	var st *store.Store
	var retention *cleanup.Service
	if cfg.Persistence.IsEnabled() {
		dbPath := cfg.Persistence.DBPath
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(projectPath, dbPath)
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			slog.Error("Failed to create store directory", "error", err)
			return 1
		}
		st, err = store.Open(ctx, dbPath)
		if err != nil {
			slog.Error("Failed to open store", "path", dbPath, "error", err)
			return 1
		}
		defer func() {
			if err := st.Close(); err != nil {
				slog.Error("Error closing store", "error", err)
			}
		}()
		appState.AttachStore(st)
		slog.Info("Store opened", "path", dbPath)

		if tok, err := st.GetOAuthToken(ctx, "linear"); err != nil {
			slog.Warn("Failed to load stored tracker token", "error", err)
		} else if tok != nil {
			slog.Info("Loaded stored tracker token", "actor", tok.Actor)
		}

		retention = cleanup.NewService(cleanup.Config{
			Retention: cfg.Persistence.Retention(),
			Interval:  12 * time.Hour,
		}, st)
		retention.Start(ctx)
		defer retention.Stop()
	}

	// 5. Agent runner
	gate := agent.NewSpawnGate()
	runner := agent.NewRunner(clones, gate)

	// 6. Executor and monitor
	budget := state.BudgetConfig{
		DailyLimitUSD:   cfg.Budget.DailyLimitUSD,
		MonthlyLimitUSD: cfg.Budget.MonthlyLimitUSD,
		WarnAtPercent:   cfg.Budget.WarnAtPercent,
	}
	exec := executor.New(linear, runner, appState, breakers, stateIDs, executor.Options{
		MaxRetries: cfg.Executor.MaxRetries,
		Timeout:    cfg.Executor.Timeout(),
		Inactivity: cfg.Executor.InactivityTimeout(),
		Model:      cfg.Executor.Model,
		Budget:     budget,
	})

	var mon *monitor.Monitor
	if owner != "" {
		mon = monitor.New(linear, host, runner, appState, breakers, stateIDs, monitor.Options{
			FixerTimeout:    cfg.Executor.FixerTimeout(),
			Inactivity:      cfg.Executor.InactivityTimeout(),
			Model:           cfg.Executor.Model,
			Automerge:       cfg.GitHub.Automerge,
			MaxFixerRetries: cfg.Executor.MaxFixerAttempts,
		})
		slog.Info("Monitor enabled", "repo", owner+"/"+repo)
	} else {
		slog.Info("No code-host repo configured; monitor disabled")
	}

	// 7. Webhook server
	trig := trigger.New()
	var webhooks *trigger.Server
	if cfg.Webhook.Enabled {
		webhooks = trigger.NewServer(trig, appState,
			os.Getenv("LINEAR_WEBHOOK_SECRET"), os.Getenv("GITHUB_WEBHOOK_SECRET"),
			cfg.Linear.States.Ready)
		go func() {
			slog.Info("Webhook server listening", "addr", cfg.Webhook.Addr)
			if err := webhooks.Start(cfg.Webhook.Addr); err != nil && err != http.ErrServerClosed {
				slog.Error("Webhook server error", "error", err)
			}
		}()
	}

	// 8. Main loop until shutdown signal
	l := loop.New(exec, monitorOrNil(mon), clones, appState, trig)
	l.Owner, l.Repo = owner, repo
	l.Budget = budget
	l.PollInterval = cfg.Executor.PollInterval()

	slog.Info("Autopilot started",
		"version", version.Full(),
		"project", projectPath,
		"parallel", cfg.Executor.Parallel,
		"poll_interval", l.PollInterval)

	err = l.Run(ctx)
	slog.Info("Main loop exited", "reason", err)

	// 9. Graceful shutdown
	if webhooks != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := webhooks.Stop(shutdownCtx); err != nil {
			slog.Error("Webhook server shutdown error", "error", err)
		}
	}
	slog.Info("Shutdown complete")
	return 0
}

// monitorOrNil keeps the loop's interface field a true nil when the
// monitor is disabled.
func monitorOrNil(m *monitor.Monitor) loop.PRChecker {
	if m == nil {
		return nil
	}
	return m
}
