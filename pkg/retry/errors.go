package retry

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Service identifies which remote a call targets. Each service gets its own
// circuit breaker so an outage on one side never blocks the other.
type Service string

// Known remote services.
const (
	ServiceTracker  Service = "issue-tracker"
	ServiceCodeHost Service = "code-host"
)

// StatusError is a remote call failure carrying the HTTP status code and,
// for 429 responses, the parsed Retry-After delay.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Msg        string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Msg)
	}
	return fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
}

// NewStatusError builds a StatusError from a response status and body snippet.
func NewStatusError(code int, msg string) *StatusError {
	return &StatusError{Code: code, Msg: msg}
}

// ParseRetryAfter interprets a Retry-After header value as either integer
// seconds or an HTTP-date. Returns 0 if the value is empty or unparseable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// CircuitOpenError is returned when the breaker for a service is open and
// the wrapped call was not invoked at all.
type CircuitOpenError struct {
	Service Service
	Label   string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (call %q rejected)", e.Service, e.Label)
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}
