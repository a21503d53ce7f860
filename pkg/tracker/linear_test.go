package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopilot-sh/autopilot/pkg/retry"
)

// linearStub dispatches GraphQL requests on a query substring.
type linearStub struct {
	t        *testing.T
	handlers map[string]func(variables map[string]any) any
	requests []string
}

func (s *linearStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.t, "test-key", r.Header.Get("Authorization"))
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		s.requests = append(s.requests, req.Query)
		for marker, h := range s.handlers {
			if strings.Contains(req.Query, marker) {
				_ = json.NewEncoder(w).Encode(map[string]any{"data": h(req.Variables)})
				return
			}
		}
		s.t.Fatalf("unhandled query: %s", req.Query)
	}
}

func newStubClient(t *testing.T, stub *linearStub) *LinearClient {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	c := NewLinearClient("test-key", "ENG", nil)
	c.Endpoint = srv.URL
	return c
}

func teamsPayload() any {
	states := []map[string]any{}
	for id, name := range map[string]string{
		"st-triage": "Triage", "st-ready": "Ready", "st-prog": "In Progress",
		"st-rev": "In Review", "st-done": "Done", "st-block": "Blocked",
	} {
		states = append(states, map[string]any{"id": id, "name": name})
	}
	return map[string]any{"teams": map[string]any{"nodes": []map[string]any{
		{"id": "team-1", "key": "ENG", "name": "Engineering",
			"states": map[string]any{"nodes": states}},
	}}}
}

func allNames() StateNames {
	return StateNames{
		Triage: "Triage", Ready: "Ready", InProgress: "In Progress",
		InReview: "In Review", Done: "Done", Blocked: "Blocked",
	}
}

func TestResolveStateIDs(t *testing.T) {
	stub := &linearStub{t: t, handlers: map[string]func(map[string]any) any{
		"teams": func(map[string]any) any { return teamsPayload() },
	}}
	c := newStubClient(t, stub)

	ids, err := c.ResolveStateIDs(context.Background(), allNames())
	require.NoError(t, err)
	assert.Equal(t, "st-ready", ids.Ready)
	assert.Equal(t, "st-block", ids.Blocked)
	assert.Equal(t, "st-triage", ids.Triage)
}

func TestResolveStateIDs_MissingState(t *testing.T) {
	stub := &linearStub{t: t, handlers: map[string]func(map[string]any) any{
		"teams": func(map[string]any) any { return teamsPayload() },
	}}
	c := newStubClient(t, stub)

	names := allNames()
	names.Blocked = "Stuck"
	_, err := c.ResolveStateIDs(context.Background(), names)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Stuck")
}

func TestResolveStateIDs_UnknownTeam(t *testing.T) {
	stub := &linearStub{t: t, handlers: map[string]func(map[string]any) any{
		"teams": func(map[string]any) any { return teamsPayload() },
	}}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	c := NewLinearClient("test-key", "OPS", nil)
	c.Endpoint = srv.URL

	_, err := c.ResolveStateIDs(context.Background(), allNames())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPS")
}

func issuePayload(nodes []map[string]any) any {
	return map[string]any{"issues": map[string]any{"nodes": nodes}}
}

func issue(id, identifier string, priority float64, createdAt time.Time) map[string]any {
	return map[string]any{
		"id": id, "identifier": identifier, "title": "t " + identifier,
		"priority": priority, "createdAt": createdAt.Format(time.RFC3339),
		"children": map[string]any{"nodes": []any{}},
		"labels":   map[string]any{"nodes": []any{}},
	}
}

func resolveStub(t *testing.T, stub *linearStub, c *LinearClient) {
	t.Helper()
	stub.handlers["teams"] = func(map[string]any) any { return teamsPayload() }
	_, err := c.ResolveStateIDs(context.Background(), allNames())
	require.NoError(t, err)
}

func TestReadyTickets_OrderAndLeafFilter(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	parent := issue("id-p", "ENG-9", 1, now)
	parent["children"] = map[string]any{"nodes": []map[string]any{
		{"state": map[string]any{"type": "started"}},
	}}
	doneParent := issue("id-dp", "ENG-8", 1, now)
	doneParent["children"] = map[string]any{"nodes": []map[string]any{
		{"state": map[string]any{"type": "completed"}},
	}}
	blocked := issue("id-b", "ENG-10", 1, now.Add(-3*time.Hour))
	blocked["inverseRelations"] = map[string]any{"nodes": []map[string]any{
		{"type": "blocks", "issue": map[string]any{"state": map[string]any{"type": "started"}}},
	}}
	unblocked := issue("id-u", "ENG-11", 1, now.Add(-30*time.Minute))
	unblocked["inverseRelations"] = map[string]any{"nodes": []map[string]any{
		{"type": "blocks", "issue": map[string]any{"state": map[string]any{"type": "completed"}}},
		{"type": "related", "issue": map[string]any{"state": map[string]any{"type": "started"}}},
	}}

	stub := &linearStub{t: t, handlers: map[string]func(map[string]any) any{
		"issues": func(vars map[string]any) any {
			assert.Equal(t, "st-ready", vars["state"])
			return issuePayload([]map[string]any{
				issue("id-1", "ENG-1", 3, now.Add(-time.Hour)),
				issue("id-2", "ENG-2", 1, now),
				issue("id-3", "ENG-3", 0, now.Add(-2*time.Hour)), // no priority sorts last
				issue("id-4", "ENG-4", 1, now.Add(-time.Hour)),
				parent,
				doneParent,
				blocked,
				unblocked,
			})
		},
	}}
	c := newStubClient(t, stub)
	resolveStub(t, stub, c)

	tickets, err := c.ReadyTickets(context.Background(), 0)
	require.NoError(t, err)

	var ids []string
	for _, tk := range tickets {
		ids = append(ids, tk.Identifier)
	}
	// Priority asc, then age, then identifier; ENG-9 excluded (open child),
	// ENG-10 excluded (blocked by an unfinished issue). ENG-11 stays: its
	// blocker is finished and non-blocking relation types are ignored.
	assert.Equal(t, []string{"ENG-4", "ENG-11", "ENG-2", "ENG-8", "ENG-1", "ENG-3"}, ids)

	// The query must actually ask for the blocking edges.
	var sawIssuesQuery bool
	for _, q := range stub.requests {
		if strings.Contains(q, "issues(") {
			sawIssuesQuery = true
			assert.Contains(t, q, "inverseRelations")
		}
	}
	assert.True(t, sawIssuesQuery)
}

func TestReadyTickets_LimitAndLabels(t *testing.T) {
	now := time.Now().UTC()
	labeled := issue("id-1", "ENG-1", 1, now)
	labeled["labels"] = map[string]any{"nodes": []map[string]any{{"name": "autopilot"}}}

	stub := &linearStub{t: t, handlers: map[string]func(map[string]any) any{
		"issues": func(map[string]any) any {
			return issuePayload([]map[string]any{labeled, issue("id-2", "ENG-2", 1, now)})
		},
	}}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	c := NewLinearClient("test-key", "ENG", []string{"autopilot"})
	c.Endpoint = srv.URL
	resolveStub(t, stub, c)

	tickets, err := c.ReadyTickets(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "ENG-1", tickets[0].Identifier)
}

func TestMoveTicket(t *testing.T) {
	stub := &linearStub{t: t, handlers: map[string]func(map[string]any) any{
		"issueUpdate": func(vars map[string]any) any {
			assert.Equal(t, "id-1", vars["id"])
			assert.Equal(t, "st-prog", vars["state"])
			return map[string]any{"issueUpdate": map[string]any{"success": true}}
		},
	}}
	c := newStubClient(t, stub)
	assert.NoError(t, c.MoveTicket(context.Background(), "id-1", "st-prog"))
}

func TestMoveTicket_ReportedFailure(t *testing.T) {
	stub := &linearStub{t: t, handlers: map[string]func(map[string]any) any{
		"issueUpdate": func(map[string]any) any {
			return map[string]any{"issueUpdate": map[string]any{"success": false}}
		},
	}}
	c := newStubClient(t, stub)
	assert.Error(t, c.MoveTicket(context.Background(), "id-1", "st-prog"))
}

func TestPRAttachments_FiltersNonPRURLs(t *testing.T) {
	stub := &linearStub{t: t, handlers: map[string]func(map[string]any) any{
		"attachments": func(map[string]any) any {
			return map[string]any{"issue": map[string]any{"attachments": map[string]any{"nodes": []map[string]any{
				{"url": "https://github.com/acme/widgets/pull/12"},
				{"url": "https://example.com/design-doc"},
			}}}}
		},
	}}
	c := newStubClient(t, stub)

	urls, err := c.PRAttachments(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://github.com/acme/widgets/pull/12"}, urls)
}

func TestQuery_UnauthorizedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "authentication required", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	c := NewLinearClient("test-key", "ENG", nil)
	c.Endpoint = srv.URL

	_, err := c.TicketsInState(context.Background(), "st-ready")
	require.Error(t, err)
	var se *retry.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.True(t, IsFatal(err))
}

func TestQuery_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	c := NewLinearClient("test-key", "ENG", nil)
	c.Endpoint = srv.URL

	_, err := c.TicketsInState(context.Background(), "st-ready")
	var se *retry.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 7*time.Second, se.RetryAfter)
	assert.False(t, IsFatal(err))
}

func TestQuery_GraphQLErrorsJoined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]any{
			{"message": "first"}, {"message": "second"},
		}})
	}))
	t.Cleanup(srv.Close)
	c := NewLinearClient("test-key", "ENG", nil)
	c.Endpoint = srv.URL

	_, err := c.TicketsInState(context.Background(), "st-ready")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first; second")
}
