package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// testClock is a manually advanced clock for breaker tests.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time            { return c.now }
func (c *testClock) Advance(d time.Duration)   { c.now = c.now.Add(d) }

func newTestRegistry(clock *testClock) *Registry {
	return NewRegistry(WithClock(clock.Now))
}

func tripBreaker(r *Registry, s Service) {
	for i := 0; i < DefaultBreakerConfig().Threshold; i++ {
		r.RecordFailure(s, false)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	for i := 0; i < DefaultBreakerConfig().Threshold-1; i++ {
		r.RecordFailure(ServiceTracker, false)
	}
	assert.Equal(t, StateClosed, r.State(ServiceTracker))

	r.RecordFailure(ServiceTracker, false)
	assert.Equal(t, StateOpen, r.State(ServiceTracker))
	assert.True(t, r.IsOpen(ServiceTracker))
}

func TestBreaker_WindowEviction(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	// Failures spread wider than the rolling window never reach the threshold.
	for i := 0; i < DefaultBreakerConfig().Threshold*2; i++ {
		r.RecordFailure(ServiceTracker, false)
		clock.Advance(DefaultBreakerConfig().Window)
	}
	assert.Equal(t, StateClosed, r.State(ServiceTracker))
}

func TestBreaker_ServicesIndependent(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	tripBreaker(r, ServiceTracker)

	assert.Equal(t, StateOpen, r.State(ServiceTracker))
	assert.Equal(t, StateClosed, r.State(ServiceCodeHost))
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	tripBreaker(r, ServiceTracker)
	assert.Equal(t, StateOpen, r.State(ServiceTracker))

	clock.Advance(DefaultBreakerConfig().Cooldown)
	assert.Equal(t, StateHalfOpen, r.State(ServiceTracker))
}

func TestBreaker_SingleProbeAdmission(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	tripBreaker(r, ServiceTracker)
	clock.Advance(DefaultBreakerConfig().Cooldown)

	allowed, probe := r.admit(ServiceTracker)
	assert.True(t, allowed)
	assert.True(t, probe)

	// Second caller is rejected until the probe completes.
	allowed, _ = r.admit(ServiceTracker)
	assert.False(t, allowed)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	tripBreaker(r, ServiceTracker)
	clock.Advance(DefaultBreakerConfig().Cooldown)

	_, probe := r.admit(ServiceTracker)
	r.RecordSuccess(ServiceTracker, probe)

	assert.Equal(t, StateClosed, r.State(ServiceTracker))
	allowed, probe := r.admit(ServiceTracker)
	assert.True(t, allowed)
	assert.False(t, probe)
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	tripBreaker(r, ServiceTracker)
	clock.Advance(DefaultBreakerConfig().Cooldown)

	_, probe := r.admit(ServiceTracker)
	r.RecordFailure(ServiceTracker, probe)

	assert.Equal(t, StateOpen, r.State(ServiceTracker))

	// Fresh cooldown from the failed probe, not the original opening.
	clock.Advance(DefaultBreakerConfig().Cooldown / 2)
	assert.Equal(t, StateOpen, r.State(ServiceTracker))
	clock.Advance(DefaultBreakerConfig().Cooldown / 2)
	assert.Equal(t, StateHalfOpen, r.State(ServiceTracker))
}

func TestBreaker_Reset(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	tripBreaker(r, ServiceTracker)
	r.Reset()
	assert.Equal(t, StateClosed, r.State(ServiceTracker))
}

func TestBreaker_Health(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)

	tripBreaker(r, ServiceCodeHost)
	health := r.Health()
	assert.Equal(t, StateClosed, health[ServiceTracker])
	assert.Equal(t, StateOpen, health[ServiceCodeHost])
}
