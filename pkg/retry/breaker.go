package retry

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

// Breaker states.
const (
	StateClosed   BreakerState = "closed"
	StateHalfOpen BreakerState = "half_open"
	StateOpen     BreakerState = "open"
)

// BreakerConfig tunes the per-service circuit breaker.
type BreakerConfig struct {
	// Window is the rolling window over which failures are counted.
	Window time.Duration
	// Threshold is the number of in-window failures that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the built-in breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:    60 * time.Second,
		Threshold: 10,
		Cooldown:  5 * time.Minute,
	}
}

// breaker tracks failures for one service. All fields are guarded by the
// owning Registry's mutex.
type breaker struct {
	state         BreakerState
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
}

// Registry owns one circuit breaker per remote service. It is safe for
// concurrent use and injectable so multiple orchestrators in one process do
// not share breaker state.
type Registry struct {
	mu       sync.Mutex
	breakers map[Service]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBreakerConfig overrides the default breaker tuning.
func WithBreakerConfig(cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.config = cfg }
}

// WithClock overrides the clock source (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a breaker registry with the default tuning.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[Service]*breaker),
		config:   DefaultBreakerConfig(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// get returns the breaker for a service, creating it closed. Caller holds mu.
func (r *Registry) get(s Service) *breaker {
	b, ok := r.breakers[s]
	if !ok {
		b = &breaker{state: StateClosed}
		r.breakers[s] = b
	}
	return b
}

// refresh applies the lazy open → half_open transition and evicts failures
// that fell out of the rolling window. Caller holds mu.
func (r *Registry) refresh(b *breaker) {
	now := r.now()
	if b.state == StateOpen && now.Sub(b.openedAt) >= r.config.Cooldown {
		b.state = StateHalfOpen
		b.probeInFlight = false
	}
	cutoff := now.Add(-r.config.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// State returns the current state for a service, applying the lazy
// half-open transition first.
func (r *Registry) State(s Service) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(s)
	r.refresh(b)
	return b.state
}

// IsOpen reports whether calls to the service are currently rejected.
func (r *Registry) IsOpen(s Service) bool {
	return r.State(s) == StateOpen
}

// admit decides whether a call may proceed. In half_open state exactly one
// caller is admitted as the probe; everyone else is rejected until the probe
// completes.
func (r *Registry) admit(s Service) (allowed, probe bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(s)
	r.refresh(b)
	switch b.state {
	case StateClosed:
		return true, false
	case StateHalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	default:
		return false, false
	}
}

// RecordFailure registers a transient failure. The probe flag marks a
// failure of the half-open probe, which re-opens the breaker immediately.
func (r *Registry) RecordFailure(s Service, probe bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(s)
	now := r.now()

	if probe {
		b.state = StateOpen
		b.openedAt = now
		b.probeInFlight = false
		slog.Warn("Circuit breaker re-opened after failed probe", "service", s)
		return
	}

	r.refresh(b)
	b.failures = append(b.failures, now)
	if b.state == StateClosed && len(b.failures) >= r.config.Threshold {
		b.state = StateOpen
		b.openedAt = now
		slog.Warn("Circuit breaker opened",
			"service", s,
			"failures", len(b.failures),
			"window", r.config.Window)
	}
}

// RecordSuccess registers a successful call. A successful probe closes the
// breaker and resets its failure history.
func (r *Registry) RecordSuccess(s Service, probe bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(s)
	if probe {
		b.state = StateClosed
		b.failures = nil
		b.openedAt = time.Time{}
		b.probeInFlight = false
		slog.Info("Circuit breaker closed after successful probe", "service", s)
	}
}

// abandonProbe releases the probe slot without a state transition. Used when
// the probe call failed for a non-transient reason that must not influence
// the breaker.
func (r *Registry) abandonProbe(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(s)
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// Health returns the state of every known service, for status snapshots.
func (r *Registry) Health() map[Service]BreakerState {
	states := map[Service]BreakerState{
		ServiceTracker:  r.State(ServiceTracker),
		ServiceCodeHost: r.State(ServiceCodeHost),
	}
	return states
}

// Reset clears all breaker state (tests).
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[Service]*breaker)
}
