// Package retry wraps remote calls with exponential backoff and a
// per-service circuit breaker. Transient failures are retried and counted
// against the breaker; auth and other fatal errors pass straight through
// without touching it.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// Default retry tuning.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
)

// codeHostPrefixes maps call labels to the code-host service. Everything
// else is treated as an issue-tracker call.
var codeHostPrefixes = []string{"github.", "gh."}

// Options controls a single Do invocation.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// ShouldRetry classifies an error as transient. Defaults to Transient.
	ShouldRetry func(error) bool
	// Service selects the breaker; inferred from the label when empty.
	Service Service
}

// Option mutates Options.
type Option func(*Options)

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) Option { return func(o *Options) { o.MaxAttempts = n } }

// WithBaseDelay overrides the first backoff delay.
func WithBaseDelay(d time.Duration) Option { return func(o *Options) { o.BaseDelay = d } }

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option { return func(o *Options) { o.MaxDelay = d } }

// WithShouldRetry replaces the transient classifier.
func WithShouldRetry(f func(error) bool) Option { return func(o *Options) { o.ShouldRetry = f } }

// WithService pins the breaker service instead of inferring it.
func WithService(s Service) Option { return func(o *Options) { o.Service = s } }

// Transient is the default classifier: HTTP 429 or 5xx, and network errors
// whose message indicates a reset or timeout.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"fetch failed", "connection reset", "timed out"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// InferService derives the breaker service from a call label.
func InferService(label string) Service {
	for _, prefix := range codeHostPrefixes {
		if strings.HasPrefix(label, prefix) {
			return ServiceCodeHost
		}
	}
	return ServiceTracker
}

// Do invokes fn with retry and breaker protection. The label names the call
// for logging and service inference. If the breaker for the inferred service
// is open, Do fails immediately with *CircuitOpenError and fn is never
// invoked.
func Do[T any](ctx context.Context, reg *Registry, label string, fn func(context.Context) (T, error), opts ...Option) (T, error) {
	var zero T

	o := Options{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		ShouldRetry: Transient,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Service == "" {
		o.Service = InferService(label)
	}

	var lastErr error
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		allowed, probe := reg.admit(o.Service)
		if !allowed {
			return zero, &CircuitOpenError{Service: o.Service, Label: label}
		}

		result, err := fn(ctx)
		if err == nil {
			reg.RecordSuccess(o.Service, probe)
			return result, nil
		}

		if !o.ShouldRetry(err) {
			// Fatal: do not trip the breaker, do not retry.
			if probe {
				reg.abandonProbe(o.Service)
			}
			return zero, err
		}

		reg.RecordFailure(o.Service, probe)
		lastErr = err

		if attempt == o.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt, o.BaseDelay, o.MaxDelay)
		if ra := retryAfter(err); ra > 0 {
			delay = min(ra, o.MaxDelay)
		}
		slog.Debug("Retrying remote call",
			"label", label,
			"service", o.Service,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

// backoffDelay computes base·2^(attempt-1) plus up to 30% jitter, capped.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	exp := base << (attempt - 1)
	jitter := time.Duration(rand.Float64() * 0.3 * float64(exp))
	return min(exp+jitter, maxDelay)
}

// retryAfter extracts a server-provided delay from a 429 response error.
func retryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.Code == 429 {
		return se.RetryAfter
	}
	return 0
}
