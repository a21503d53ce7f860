// Package tracker defines the narrow issue-tracker contract the orchestrator
// consumes. The concrete client lives outside the core; everything here is
// what the executor and monitor actually need.
package tracker

import (
	"context"
	"errors"
	"strings"

	"github.com/autopilot-sh/autopilot/pkg/retry"
)

// Ticket is the orchestrator's view of one tracker issue. The tracker stays
// the source of truth for every other field.
type Ticket struct {
	ID          string  // opaque tracker id
	Identifier  string  // human identifier, e.g. "ENG-12"
	Title       string
	Priority    float64
	CreatedAtMs int64
}

// StateIDs maps the workflow states to tracker state ids, resolved from the
// configured state names once at startup.
type StateIDs struct {
	Triage     string
	Ready      string
	InProgress string
	InReview   string
	Done       string
	Blocked    string
}

// Client is the issue-tracker surface the core calls. Implementations must
// return tickets ordered by priority then age, stably across repeated polls.
type Client interface {
	// ReadyTickets returns leaf tickets in the ready state: no open child
	// issues and no hard relation to an unfinished predecessor.
	ReadyTickets(ctx context.Context, limit int) ([]Ticket, error)
	// TicketsInState returns tickets currently in the given workflow state.
	TicketsInState(ctx context.Context, stateID string) ([]Ticket, error)
	// MoveTicket transitions one ticket to the given workflow state.
	MoveTicket(ctx context.Context, ticketID, stateID string) error
	// Comment posts a comment on the ticket.
	Comment(ctx context.Context, ticketID, body string) error
	// PRAttachments returns the pull-request URLs attached to the ticket.
	PRAttachments(ctx context.Context, ticketID string) ([]string, error)
}

// IsFatal reports whether err is a permanent remote failure: authentication,
// forbidden, invalid input, or not-found. Fatal errors are never retried and
// trip no breaker.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *retry.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case 400, 401, 403, 404:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"authentication", "unauthorized", "forbidden", "not found", "invalid input"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
