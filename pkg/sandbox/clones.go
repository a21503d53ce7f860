// Package sandbox manages isolated git clones for agent runs. Each agent
// works in `<project>/.claude/clones/ap-<name>`; the `ap-` prefix marks
// directories the sweeper may remove, so clones a human created by hand are
// never touched.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ClonePrefix marks orchestrator-owned clone directories.
const ClonePrefix = "ap-"

// legacyBranchPrefix is the branch naming used by the old worktree layout.
// Clones still check out such a branch when it exists on the remote so
// in-flight work survives the layout migration.
const legacyBranchPrefix = "worktree-"

// taskBranchPrefix is the branch naming for fresh agent runs.
const taskBranchPrefix = "autopilot-"

// Clone describes a created working directory.
type Clone struct {
	Path   string
	Branch string
}

// Manager creates, identifies, and sweeps agent clones for one project.
type Manager struct {
	// ProjectPath is the root of the parent git repository.
	ProjectPath string
	// UserName and UserEmail, when set, become the clone's local identity.
	UserName  string
	UserEmail string
	// GitTimeout bounds every git subprocess. Defaults to 1 minute.
	GitTimeout time.Duration

	// RunGit executes one git subprocess. Defaults to the real binary.
	RunGit func(ctx context.Context, dir string, args ...string) (string, error)
	// Sleep paces removal retries. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// NewManager creates a clone manager rooted at projectPath.
func NewManager(projectPath string) *Manager {
	return &Manager{
		ProjectPath: projectPath,
		GitTimeout:  time.Minute,
		RunGit:      runGitCommand,
		Sleep:       time.Sleep,
	}
}

// ClonesDir returns the directory that holds all agent clones.
func (m *Manager) ClonesDir() string {
	return filepath.Join(m.ProjectPath, ".claude", "clones")
}

// legacyWorktreesDir is the pre-migration on-disk layout.
func (m *Manager) legacyWorktreesDir() string {
	return filepath.Join(m.ProjectPath, ".claude", "worktrees")
}

// CloneName derives the clone directory name for a ticket identifier.
func CloneName(identifier string) string {
	return ClonePrefix + identifier
}

// Create builds an isolated working tree for one agent run.
//
// The clone shares the parent's object store (`git clone --shared`) so no
// objects are copied, then gets the parent's real remote as origin so the
// agent can push. When fromBranch is set (fixer mode) that branch is checked
// out; otherwise a legacy remote branch is adopted if present, else a fresh
// task branch is created from the default branch.
func (m *Manager) Create(ctx context.Context, name, fromBranch string) (Clone, error) {
	dest := filepath.Join(m.ClonesDir(), name)

	if err := m.ensureAbsent(ctx, dest); err != nil {
		return Clone{}, err
	}
	if err := os.MkdirAll(m.ClonesDir(), 0o755); err != nil {
		return Clone{}, fmt.Errorf("create clones dir: %w", err)
	}

	defaultBranch := m.defaultBranch(ctx)

	if _, err := m.git(ctx, "", "clone", "--shared", "--no-tags",
		"--branch", defaultBranch, m.ProjectPath, dest); err != nil {
		return Clone{}, fmt.Errorf("clone %s: %w", name, err)
	}

	// Point origin at the true remote so pushes leave the machine.
	remoteURL, err := m.git(ctx, m.ProjectPath, "remote", "get-url", "origin")
	if err != nil {
		return Clone{}, fmt.Errorf("resolve parent remote: %w", err)
	}
	if _, err := m.git(ctx, dest, "remote", "set-url", "origin", remoteURL); err != nil {
		return Clone{}, fmt.Errorf("set clone remote: %w", err)
	}

	if m.UserName != "" {
		if _, err := m.git(ctx, dest, "config", "user.name", m.UserName); err != nil {
			return Clone{}, fmt.Errorf("set user.name: %w", err)
		}
	}
	if m.UserEmail != "" {
		if _, err := m.git(ctx, dest, "config", "user.email", m.UserEmail); err != nil {
			return Clone{}, fmt.Errorf("set user.email: %w", err)
		}
	}

	if _, err := m.git(ctx, dest, "fetch", "origin"); err != nil {
		return Clone{}, fmt.Errorf("fetch origin: %w", err)
	}

	if fromBranch != "" {
		if _, err := m.git(ctx, dest, "checkout", fromBranch); err != nil {
			return Clone{}, fmt.Errorf("checkout %s: %w", fromBranch, err)
		}
		return Clone{Path: dest, Branch: fromBranch}, nil
	}

	legacy := legacyBranchPrefix + name
	if m.remoteBranchExists(ctx, dest, legacy) {
		if _, err := m.git(ctx, dest, "checkout", legacy); err != nil {
			return Clone{}, fmt.Errorf("checkout legacy branch %s: %w", legacy, err)
		}
		slog.Info("Adopted legacy branch", "clone", name, "branch", legacy)
		return Clone{Path: dest, Branch: legacy}, nil
	}

	branch := taskBranchPrefix + name
	if _, err := m.git(ctx, dest, "checkout", "-b", branch, defaultBranch); err != nil {
		return Clone{}, fmt.Errorf("create branch %s: %w", branch, err)
	}
	return Clone{Path: dest, Branch: branch}, nil
}

// Remove deletes a clone directory, best-effort. It retries up to 4 times
// with 1/3/5 second pauses and never returns an error. Unless keepBranch is
// set, the clone's task branch is also pruned from the parent repository
// (left over by the legacy worktree layout); fixers keep the PR branch.
func (m *Manager) Remove(ctx context.Context, name string, keepBranch bool) {
	dest := filepath.Join(m.ClonesDir(), name)
	if !m.contained(dest) {
		slog.Warn("Refusing to remove path outside clones dir", "path", dest)
		return
	}

	if !keepBranch {
		// Best-effort: these branches only exist in the parent after a
		// legacy-layout run.
		_, _ = m.git(ctx, m.ProjectPath, "branch", "-D", taskBranchPrefix+name)
		_, _ = m.git(ctx, m.ProjectPath, "branch", "-D", legacyBranchPrefix+name)
	}

	delays := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}
	for attempt := 0; attempt < 4; attempt++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			return
		}
		if err := os.RemoveAll(dest); err == nil {
			return
		} else if attempt < len(delays) {
			slog.Warn("Clone removal failed, retrying",
				"clone", name, "attempt", attempt+1, "error", err)
			m.Sleep(delays[attempt])
		}
	}
	slog.Error("Giving up on clone removal", "clone", name)
}

// Sweep removes every orchestrator-owned clone not named in active, plus any
// directories left behind by the legacy worktree layout. A missing clones
// directory is not an error.
func (m *Manager) Sweep(ctx context.Context, active map[string]bool) {
	entries, err := os.ReadDir(m.ClonesDir())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read clones dir", "error", err)
		}
	} else {
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, ClonePrefix) || active[name] {
				continue
			}
			slog.Info("Sweeping stale clone", "clone", name)
			m.Remove(ctx, name, false)
		}
	}

	legacyEntries, err := os.ReadDir(m.legacyWorktreesDir())
	if err != nil {
		return
	}
	for _, entry := range legacyEntries {
		path := filepath.Join(m.legacyWorktreesDir(), entry.Name())
		slog.Info("Sweeping legacy worktree", "path", path)
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove legacy worktree", "path", path, "error", err)
		}
	}
}

// ensureAbsent retry-removes a pre-existing destination after verifying it
// is a strict child of the clones directory.
func (m *Manager) ensureAbsent(ctx context.Context, dest string) error {
	if !m.contained(dest) {
		return fmt.Errorf("clone path %s escapes %s", dest, m.ClonesDir())
	}
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return nil
	}
	m.Remove(ctx, filepath.Base(dest), true)
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("stale clone %s could not be removed", dest)
	}
	return nil
}

// contained reports whether dest resolves to a strict child of the clones
// directory.
func (m *Manager) contained(dest string) bool {
	root, err := filepath.Abs(m.ClonesDir())
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return false
	}
	return abs != root && strings.HasPrefix(abs, root+string(filepath.Separator))
}

// defaultBranch resolves the parent's default branch via the remote HEAD,
// falling back to "main".
func (m *Manager) defaultBranch(ctx context.Context) string {
	out, err := m.git(ctx, m.ProjectPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main"
	}
	branch := strings.TrimPrefix(strings.TrimSpace(out), "origin/")
	if branch == "" {
		return "main"
	}
	return branch
}

// remoteBranchExists checks whether origin has the named branch.
func (m *Manager) remoteBranchExists(ctx context.Context, dir, branch string) bool {
	out, err := m.git(ctx, dir, "ls-remote", "--heads", "origin", branch)
	return err == nil && strings.TrimSpace(out) != ""
}

// git runs one git subprocess with the manager's timeout.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := m.GitTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.RunGit(ctx, dir, args...)
}
