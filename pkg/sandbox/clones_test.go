package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gitCall records one stubbed git invocation.
type gitCall struct {
	dir  string
	args []string
}

// stubGit replaces the manager's git runner and returns the call log plus a
// map of canned responses keyed by the first argument (the subcommand).
func stubGit(m *Manager, responses map[string]string) *[]gitCall {
	calls := &[]gitCall{}
	m.RunGit = func(_ context.Context, dir string, args ...string) (string, error) {
		*calls = append(*calls, gitCall{dir: dir, args: args})
		if out, ok := responses[args[0]]; ok {
			return out, nil
		}
		return "", nil
	}
	m.Sleep = func(time.Duration) {}
	return calls
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir())
	return m
}

func argsJoined(calls []gitCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = strings.Join(c.args, " ")
	}
	return out
}

func TestCloneName(t *testing.T) {
	assert.Equal(t, "ap-ENG-12", CloneName("ENG-12"))
}

func TestCreate_FreshBranch(t *testing.T) {
	m := newTestManager(t)
	calls := stubGit(m, map[string]string{
		"symbolic-ref": "origin/trunk",
		"remote":       "git@github.com:acme/widgets.git",
	})

	clone, err := m.Create(context.Background(), "ap-ENG-12", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.ClonesDir(), "ap-ENG-12"), clone.Path)
	assert.Equal(t, "autopilot-ap-ENG-12", clone.Branch)

	joined := argsJoined(*calls)
	assert.Contains(t, joined, "clone --shared --no-tags --branch trunk "+m.ProjectPath+" "+clone.Path)
	assert.Contains(t, joined, "remote set-url origin git@github.com:acme/widgets.git")
	assert.Contains(t, joined, "fetch origin")
	assert.Contains(t, joined, "checkout -b autopilot-ap-ENG-12 trunk")
}

func TestCreate_DefaultBranchFallback(t *testing.T) {
	m := newTestManager(t)
	callCount := 0
	m.Sleep = func(time.Duration) {}
	m.RunGit = func(_ context.Context, dir string, args ...string) (string, error) {
		callCount++
		if args[0] == "symbolic-ref" {
			return "", assert.AnError
		}
		return "", nil
	}

	clone, err := m.Create(context.Background(), "ap-ENG-13", "")
	require.NoError(t, err)
	assert.Equal(t, "autopilot-ap-ENG-13", clone.Branch)
}

func TestCreate_FromBranchForFixer(t *testing.T) {
	m := newTestManager(t)
	calls := stubGit(m, nil)

	clone, err := m.Create(context.Background(), "ap-ENG-14", "autopilot-ap-ENG-14")
	require.NoError(t, err)
	assert.Equal(t, "autopilot-ap-ENG-14", clone.Branch)

	joined := argsJoined(*calls)
	assert.Contains(t, joined, "checkout autopilot-ap-ENG-14")
	for _, line := range joined {
		assert.NotContains(t, line, "checkout -b")
	}
}

func TestCreate_LegacyBranchMigration(t *testing.T) {
	m := newTestManager(t)
	calls := stubGit(m, map[string]string{
		"ls-remote": "abc123\trefs/heads/worktree-ap-ENG-15",
	})

	clone, err := m.Create(context.Background(), "ap-ENG-15", "")
	require.NoError(t, err)
	assert.Equal(t, "worktree-ap-ENG-15", clone.Branch)
	assert.Contains(t, argsJoined(*calls), "checkout worktree-ap-ENG-15")
}

func TestCreate_RejectsEscapingName(t *testing.T) {
	m := newTestManager(t)
	stubGit(m, nil)

	_, err := m.Create(context.Background(), "../../etc", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestRemove_MissingDirIsNoop(t *testing.T) {
	m := newTestManager(t)
	stubGit(m, nil)
	// Must not panic or error on a directory that never existed.
	m.Remove(context.Background(), "ap-gone", false)
}

func TestRemove_DeletesDir(t *testing.T) {
	m := newTestManager(t)
	stubGit(m, nil)

	dest := filepath.Join(m.ClonesDir(), "ap-ENG-16")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	m.Remove(context.Background(), "ap-ENG-16", false)
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_OutsideCloneDirRefused(t *testing.T) {
	m := newTestManager(t)
	stubGit(m, nil)

	outside := filepath.Join(m.ProjectPath, "src")
	require.NoError(t, os.MkdirAll(outside, 0o755))

	m.Remove(context.Background(), "../../src", false)
	_, err := os.Stat(outside)
	assert.NoError(t, err, "paths outside the clones dir must survive")
}

func TestSweep_RemovesOnlyInactivePrefixed(t *testing.T) {
	m := newTestManager(t)
	stubGit(m, nil)

	mk := func(name string) string {
		p := filepath.Join(m.ClonesDir(), name)
		require.NoError(t, os.MkdirAll(p, 0o755))
		return p
	}
	active := mk("ap-ENG-1")
	stale := mk("ap-ENG-2")
	human := mk("scratch")

	m.Sweep(context.Background(), map[string]bool{"ap-ENG-1": true})

	_, err := os.Stat(active)
	assert.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(human)
	assert.NoError(t, err, "non-prefixed dirs are preserved")
}

func TestSweep_LegacyWorktrees(t *testing.T) {
	m := newTestManager(t)
	stubGit(m, nil)

	legacy := filepath.Join(m.ProjectPath, ".claude", "worktrees", "worktree-old")
	require.NoError(t, os.MkdirAll(legacy, 0o755))

	m.Sweep(context.Background(), nil)
	_, err := os.Stat(legacy)
	assert.True(t, os.IsNotExist(err))
}

func TestSweep_MissingClonesDir(t *testing.T) {
	m := newTestManager(t)
	stubGit(m, nil)
	// No .claude/clones at all: must be silent.
	m.Sweep(context.Background(), nil)
}
