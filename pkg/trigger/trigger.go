// Package trigger wakes the main loop early when webhooks report tracker or
// code-host activity, instead of waiting out the poll interval.
package trigger

import "sync"

// Event names what woke the loop.
type Event string

// Wake events.
const (
	EventIssueReady Event = "issue_ready"
	EventCIFailure  Event = "ci_failure"
	EventPRMerged   Event = "pr_merged"
)

// Trigger fans one Fire out to every currently-registered waiter. Waiters
// that register after a fire are not pre-resolved; they wait for the next
// one.
type Trigger struct {
	mu      sync.Mutex
	waiters []chan Event
}

// New creates an empty trigger.
func New() *Trigger {
	return &Trigger{}
}

// Wait registers a waiter and returns its channel. The channel receives
// exactly one event on the next Fire.
func (t *Trigger) Wait() <-chan Event {
	ch := make(chan Event, 1)
	t.mu.Lock()
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()
	return ch
}

// Fire resolves every waiting channel with the event and clears the list.
func (t *Trigger) Fire(e Event) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- e
	}
}

// Waiting returns the number of registered waiters.
func (t *Trigger) Waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
