package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/autopilot-sh/autopilot/pkg/githost"
	"github.com/autopilot-sh/autopilot/pkg/sandbox"
)

// CheckResult is one preflight check outcome.
type CheckResult struct {
	Name    string
	Err     error
	Warning bool // a failed warning check does not block startup
}

// OK reports whether the check passed.
func (r CheckResult) OK() bool { return r.Err == nil }

// Preflight verifies the environment before the orchestrator starts. Ping
// funcs left nil skip their check.
type Preflight struct {
	ProjectPath string
	Clones      *sandbox.Manager

	// TrackerPing and HostPing verify remote reachability, typically by
	// resolving workflow states and fetching the repo respectively.
	TrackerPing func(ctx context.Context) error
	HostPing    func(ctx context.Context) error

	// RepoOverride skips remote parsing when "owner/repo" is configured.
	RepoOverride string

	getenv func(string) string
}

// NewPreflight builds a preflight reading credentials from the environment.
func NewPreflight(projectPath string, clones *sandbox.Manager) *Preflight {
	return &Preflight{
		ProjectPath: projectPath,
		Clones:      clones,
		getenv:      os.Getenv,
	}
}

// Run executes every check and returns all results; callers decide whether
// warnings block.
func (p *Preflight) Run(ctx context.Context) []CheckResult {
	return []CheckResult{
		{Name: "tracker credentials", Err: p.checkEnvSet("LINEAR_API_KEY")},
		{Name: "code-host credentials", Err: p.checkEnvSet("GITHUB_TOKEN"), Warning: p.HostPing == nil},
		{Name: "agent credentials", Err: p.checkAnthropicAuth(), Warning: true},
		{Name: "git remote", Err: p.checkRemote(ctx)},
		{Name: "clone base writable", Err: p.checkCloneBase()},
		{Name: "tracker reachable", Err: p.ping(ctx, p.TrackerPing)},
		{Name: "code-host reachable", Err: p.ping(ctx, p.HostPing)},
	}
}

// Blocking reports whether any non-warning check failed.
func Blocking(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK() && !r.Warning {
			return true
		}
	}
	return false
}

func (p *Preflight) checkEnvSet(name string) error {
	if strings.TrimSpace(p.getenv(name)) == "" {
		return fmt.Errorf("%s is not set", name)
	}
	return nil
}

// checkAnthropicAuth warns only: the agent SDK may inherit auth from a
// subscription login instead of an API key.
func (p *Preflight) checkAnthropicAuth() error {
	if p.getenv("ANTHROPIC_API_KEY") != "" || p.getenv("ANTHROPIC_AUTH_TOKEN") != "" {
		return nil
	}
	return fmt.Errorf("neither ANTHROPIC_API_KEY nor ANTHROPIC_AUTH_TOKEN is set")
}

func (p *Preflight) checkRemote(ctx context.Context) error {
	if p.RepoOverride != "" {
		if strings.Count(p.RepoOverride, "/") != 1 {
			return fmt.Errorf("configured repo %q is not owner/repo", p.RepoOverride)
		}
		return nil
	}
	remote, err := p.Clones.RunGit(ctx, p.ProjectPath, "remote", "get-url", "origin")
	if err != nil {
		return fmt.Errorf("read origin remote: %w", err)
	}
	if _, err := githost.ParseRemote(remote); err != nil {
		return err
	}
	return nil
}

func (p *Preflight) checkCloneBase() error {
	dir := p.Clones.ClonesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create clone base: %w", err)
	}
	probe := filepath.Join(dir, ".preflight")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("clone base not writable: %w", err)
	}
	return os.Remove(probe)
}

func (p *Preflight) ping(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}
