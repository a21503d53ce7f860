package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SpawnGate serializes the expensive agent-launch phase. It is a FIFO
// semaphore of capacity 1: many agents may run concurrently, but only one
// may be in its startup window at a time.
type SpawnGate struct {
	mu  sync.Mutex
	sem *semaphore.Weighted
}

// NewSpawnGate returns a gate with a single slot.
func NewSpawnGate() *SpawnGate {
	return &SpawnGate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the slot is free or ctx is done. The returned release
// is idempotent; double release is a no-op.
func (g *SpawnGate) Acquire(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	sem := g.sem
	g.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// Reset replaces the semaphore, abandoning any held slot. Test hook.
func (g *SpawnGate) Reset() {
	g.mu.Lock()
	g.sem = semaphore.NewWeighted(1)
	g.mu.Unlock()
}
