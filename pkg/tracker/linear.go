package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/autopilot-sh/autopilot/pkg/retry"
)

// DefaultEndpoint is the Linear GraphQL API.
const DefaultEndpoint = "https://api.linear.app/graphql"

// StateNames are the configured workflow state names, resolved to ids once
// at startup.
type StateNames struct {
	Triage     string
	Ready      string
	InProgress string
	InReview   string
	Done       string
	Blocked    string
}

// LinearClient implements Client against the Linear GraphQL API.
type LinearClient struct {
	httpClient *http.Client
	apiKey     string
	team       string
	labels     []string

	// Endpoint overrides the API URL. Tests point it at a local server.
	Endpoint string

	states StateIDs
}

// NewLinearClient creates a tracker client scoped to one team. labels, when
// non-empty, restrict which ready tickets are dispatched.
func NewLinearClient(apiKey, team string, labels []string) *LinearClient {
	return &LinearClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		team:       team,
		labels:     labels,
		Endpoint:   DefaultEndpoint,
	}
}

// ResolveStateIDs maps configured state names to tracker state ids and
// remembers them for ReadyTickets.
func (c *LinearClient) ResolveStateIDs(ctx context.Context, names StateNames) (StateIDs, error) {
	var resp struct {
		Teams struct {
			Nodes []struct {
				ID     string `json:"id"`
				Key    string `json:"key"`
				Name   string `json:"name"`
				States struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"nodes"`
				} `json:"states"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	if err := c.query(ctx, `query { teams { nodes { id key name states { nodes { id name } } } } }`, nil, &resp); err != nil {
		return StateIDs{}, fmt.Errorf("fetch teams: %w", err)
	}

	byName := map[string]string{}
	found := false
	for _, team := range resp.Teams.Nodes {
		if team.Key != c.team && team.Name != c.team {
			continue
		}
		found = true
		for _, s := range team.States.Nodes {
			byName[s.Name] = s.ID
		}
		break
	}
	if !found {
		return StateIDs{}, fmt.Errorf("team %q not found in tracker", c.team)
	}

	ids := StateIDs{
		Triage:     byName[names.Triage],
		Ready:      byName[names.Ready],
		InProgress: byName[names.InProgress],
		InReview:   byName[names.InReview],
		Done:       byName[names.Done],
		Blocked:    byName[names.Blocked],
	}
	var missing []string
	for name, id := range map[string]string{
		names.Ready: ids.Ready, names.InProgress: ids.InProgress,
		names.InReview: ids.InReview, names.Done: ids.Done, names.Blocked: ids.Blocked,
	} {
		if id == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return StateIDs{}, fmt.Errorf("workflow states not found in team %q: %s", c.team, strings.Join(missing, ", "))
	}

	c.states = ids
	return ids, nil
}

type issueNode struct {
	ID         string  `json:"id"`
	Identifier string  `json:"identifier"`
	Title      string  `json:"title"`
	Priority   float64 `json:"priority"`
	CreatedAt  string  `json:"createdAt"`
	Children   struct {
		Nodes []struct {
			State struct {
				Type string `json:"type"`
			} `json:"state"`
		} `json:"nodes"`
	} `json:"children"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
	// InverseRelations carry the "blocks" edges pointing at this issue;
	// node.issue is the blocking predecessor.
	InverseRelations struct {
		Nodes []struct {
			Type  string `json:"type"`
			Issue struct {
				State struct {
					Type string `json:"type"`
				} `json:"state"`
			} `json:"issue"`
		} `json:"nodes"`
	} `json:"inverseRelations"`
}

const issueFields = `
	id identifier title priority createdAt
	children { nodes { state { type } } }
	labels { nodes { name } }
	inverseRelations { nodes { type issue { state { type } } } }`

// ReadyTickets returns leaf tickets in the resolved ready state that have
// no unfinished blocking predecessor, ordered by priority then age then
// identifier so repeated polls are stable.
func (c *LinearClient) ReadyTickets(ctx context.Context, limit int) ([]Ticket, error) {
	if c.states.Ready == "" {
		return nil, fmt.Errorf("state ids not resolved")
	}
	nodes, err := c.issuesInState(ctx, c.states.Ready)
	if err != nil {
		return nil, err
	}

	var tickets []Ticket
	for _, n := range nodes {
		if hasOpenChildren(n) || blockedByPredecessor(n) || !c.labelsMatch(n) {
			continue
		}
		tickets = append(tickets, toTicket(n))
	}
	sortTickets(tickets)
	if limit > 0 && len(tickets) > limit {
		tickets = tickets[:limit]
	}
	return tickets, nil
}

// TicketsInState returns every ticket in the given workflow state.
func (c *LinearClient) TicketsInState(ctx context.Context, stateID string) ([]Ticket, error) {
	nodes, err := c.issuesInState(ctx, stateID)
	if err != nil {
		return nil, err
	}
	tickets := make([]Ticket, 0, len(nodes))
	for _, n := range nodes {
		tickets = append(tickets, toTicket(n))
	}
	sortTickets(tickets)
	return tickets, nil
}

// MoveTicket transitions one ticket to the given workflow state.
func (c *LinearClient) MoveTicket(ctx context.Context, ticketID, stateID string) error {
	var resp struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	err := c.query(ctx, `
		mutation($id: String!, $state: String!) {
			issueUpdate(id: $id, input: { stateId: $state }) { success }
		}`, map[string]any{"id": ticketID, "state": stateID}, &resp)
	if err != nil {
		return fmt.Errorf("move ticket %s: %w", ticketID, err)
	}
	if !resp.IssueUpdate.Success {
		return fmt.Errorf("move ticket %s: tracker reported failure", ticketID)
	}
	return nil
}

// Comment posts a comment on the ticket.
func (c *LinearClient) Comment(ctx context.Context, ticketID, body string) error {
	var resp struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	err := c.query(ctx, `
		mutation($id: String!, $body: String!) {
			commentCreate(input: { issueId: $id, body: $body }) { success }
		}`, map[string]any{"id": ticketID, "body": body}, &resp)
	if err != nil {
		return fmt.Errorf("comment on %s: %w", ticketID, err)
	}
	if !resp.CommentCreate.Success {
		return fmt.Errorf("comment on %s: tracker reported failure", ticketID)
	}
	return nil
}

// PRAttachments returns the pull-request URLs attached to the ticket.
func (c *LinearClient) PRAttachments(ctx context.Context, ticketID string) ([]string, error) {
	var resp struct {
		Issue struct {
			Attachments struct {
				Nodes []struct {
					URL string `json:"url"`
				} `json:"nodes"`
			} `json:"attachments"`
		} `json:"issue"`
	}
	err := c.query(ctx, `
		query($id: String!) {
			issue(id: $id) { attachments { nodes { url } } }
		}`, map[string]any{"id": ticketID}, &resp)
	if err != nil {
		return nil, fmt.Errorf("attachments of %s: %w", ticketID, err)
	}
	var urls []string
	for _, a := range resp.Issue.Attachments.Nodes {
		if strings.Contains(a.URL, "/pull/") {
			urls = append(urls, a.URL)
		}
	}
	return urls, nil
}

func (c *LinearClient) issuesInState(ctx context.Context, stateID string) ([]issueNode, error) {
	var resp struct {
		Issues struct {
			Nodes []issueNode `json:"nodes"`
		} `json:"issues"`
	}
	err := c.query(ctx, `
		query($state: ID!) {
			issues(filter: { state: { id: { eq: $state } } }, first: 100) {
				nodes {`+issueFields+`}
			}
		}`, map[string]any{"state": stateID}, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetch issues: %w", err)
	}
	return resp.Issues.Nodes, nil
}

func (c *LinearClient) labelsMatch(n issueNode) bool {
	if len(c.labels) == 0 {
		return true
	}
	for _, want := range c.labels {
		for _, l := range n.Labels.Nodes {
			if l.Name == want {
				return true
			}
		}
	}
	return false
}

func hasOpenChildren(n issueNode) bool {
	for _, child := range n.Children.Nodes {
		if !finished(child.State.Type) {
			return true
		}
	}
	return false
}

// blockedByPredecessor reports whether another issue blocks this one and is
// still unfinished. Only the inverse direction counts: an outgoing "blocks"
// edge means this issue is the predecessor, not the blocked one.
func blockedByPredecessor(n issueNode) bool {
	for _, rel := range n.InverseRelations.Nodes {
		if rel.Type == "blocks" && !finished(rel.Issue.State.Type) {
			return true
		}
	}
	return false
}

func finished(stateType string) bool {
	return stateType == "completed" || stateType == "canceled"
}

func toTicket(n issueNode) Ticket {
	t := Ticket{
		ID:         n.ID,
		Identifier: n.Identifier,
		Title:      n.Title,
		Priority:   n.Priority,
	}
	if at, err := time.Parse(time.RFC3339, n.CreatedAt); err == nil {
		t.CreatedAtMs = at.UnixMilli()
	}
	return t
}

// sortTickets orders by priority (Linear: lower number = more urgent, 0 =
// none last), then age, then identifier.
func sortTickets(tickets []Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		pi, pj := effectivePriority(tickets[i].Priority), effectivePriority(tickets[j].Priority)
		if pi != pj {
			return pi < pj
		}
		if tickets[i].CreatedAtMs != tickets[j].CreatedAtMs {
			return tickets[i].CreatedAtMs < tickets[j].CreatedAtMs
		}
		return tickets[i].Identifier < tickets[j].Identifier
	})
}

func effectivePriority(p float64) float64 {
	if p == 0 {
		return 99
	}
	return p
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// query posts one GraphQL request and decodes the data payload into out.
// Non-2xx responses become StatusErrors so the retry layer can classify.
func (c *LinearClient) query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("linear request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := retry.NewStatusError(resp.StatusCode, snippet(body))
		se.RetryAfter = retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return se
	}

	var env graphqlEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Errors) > 0 {
		msgs := make([]string, len(env.Errors))
		for i, e := range env.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("linear: %s", strings.Join(msgs, "; "))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
