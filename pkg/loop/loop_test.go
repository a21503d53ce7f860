package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopilot-sh/autopilot/pkg/retry"
	"github.com/autopilot-sh/autopilot/pkg/sandbox"
	"github.com/autopilot-sh/autopilot/pkg/state"
	"github.com/autopilot-sh/autopilot/pkg/trigger"
)

type fakeFiller struct {
	mu      sync.Mutex
	calls   int
	pending []<-chan bool
	onCall  func(calls int)
}

func (f *fakeFiller) FillSlots(_ context.Context) []<-chan bool {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(calls)
	}
	return pending
}

func (f *fakeFiller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChecker struct {
	mu     sync.Mutex
	owners []string
}

func (f *fakeChecker) CheckOpenPRs(_ context.Context, owner, repo string) []<-chan bool {
	f.mu.Lock()
	f.owners = append(f.owners, owner+"/"+repo)
	f.mu.Unlock()
	return nil
}

func newTestLoop(t *testing.T, exec SlotFiller, mon PRChecker) *Loop {
	t.Helper()
	clones := sandbox.NewManager(t.TempDir())
	clones.RunGit = func(_ context.Context, _ string, _ ...string) (string, error) { return "", nil }
	clones.Sleep = func(time.Duration) {}
	st := state.New(3, retry.NewRegistry())
	l := New(exec, mon, clones, st, trigger.New())
	l.Owner, l.Repo = "acme", "widgets"
	l.Grace = time.Second
	l.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return l
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeFiller{}
	exec.onCall = func(calls int) {
		if calls >= 3 {
			cancel()
		}
	}
	mon := &fakeChecker{}
	l := newTestLoop(t, exec, mon)

	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, exec.callCount(), 3)

	mon.mu.Lock()
	defer mon.mu.Unlock()
	require.NotEmpty(t, mon.owners)
	assert.Equal(t, "acme/widgets", mon.owners[0])
}

func TestRun_NoMonitorConfigured(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeFiller{}
	exec.onCall = func(calls int) {
		if calls >= 2 {
			cancel()
		}
	}
	l := newTestLoop(t, exec, nil)
	l.Monitor = nil

	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
}

func TestRun_WebhookShortensSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeFiller{}
	exec.onCall = func(calls int) {
		if calls >= 2 {
			cancel()
		}
	}
	l := newTestLoop(t, exec, nil)
	// Timer never fires; only webhook events advance the loop.
	l.after = func(time.Duration) <-chan time.Time { return make(chan time.Time) }

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Fire until the second tick lands; a fire before the waiter registers
	// is deliberately lost.
	for i := 0; i < 200 && exec.callCount() < 2; i++ {
		l.Trigger.Fire(trigger.EventIssueReady)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not wake on webhook fire")
	}
	assert.GreaterOrEqual(t, exec.callCount(), 2)
}

func TestRun_DrainWaitsForInflight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan bool, 1)
	exec := &fakeFiller{pending: []<-chan bool{finished}}
	exec.onCall = func(calls int) {
		if calls == 1 {
			cancel()
		}
	}
	l := newTestLoop(t, exec, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		finished <- true
	}()

	start := time.Now()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "shutdown must wait for the agent")
}

func TestRun_GraceExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stuck := make(chan bool) // never delivers
	exec := &fakeFiller{pending: []<-chan bool{stuck}}
	exec.onCall = func(calls int) {
		if calls == 1 {
			cancel()
		}
	}
	l := newTestLoop(t, exec, nil)
	l.Grace = 30 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("grace period did not expire")
	}
}

func TestPruneResolved(t *testing.T) {
	resolved := make(chan bool, 1)
	resolved <- true
	pending := make(chan bool, 1)

	kept := pruneResolved([]<-chan bool{resolved, pending})
	require.Len(t, kept, 1)

	pending <- false
	assert.False(t, <-kept[0])
}
