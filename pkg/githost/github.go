package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autopilot-sh/autopilot/pkg/retry"
)

// GitHubClient implements Client against the GitHub REST and GraphQL APIs.
// token may be empty (public repos only, lower rate limits).
type GitHubClient struct {
	httpClient *http.Client
	token      string

	// BaseURL and GraphQLURL override the API endpoints. Tests point them
	// at a local server.
	BaseURL    string
	GraphQLURL string
}

// NewGitHubClient creates an HTTP client for code-host operations.
func NewGitHubClient(token string) *GitHubClient {
	return &GitHubClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		BaseURL:    "https://api.github.com",
		GraphQLURL: "https://api.github.com/graphql",
	}
}

type prResponse struct {
	Merged    bool   `json:"merged"`
	Mergeable *bool  `json:"mergeable"`
	NodeID    string `json:"node_id"`
	Head      struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

type checkRunsResponse struct {
	CheckRuns []struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_runs"`
}

// PRStatus fetches the merged/mergeable/branch/CI view of one PR. The head
// SHA doubles as the review cycle id.
func (c *GitHubClient) PRStatus(ctx context.Context, owner, repo string, number int) (PRStatus, error) {
	var pr prResponse
	if err := c.get(ctx, fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.BaseURL, owner, repo, number), &pr); err != nil {
		return PRStatus{}, fmt.Errorf("fetch pr %d: %w", number, err)
	}

	status := PRStatus{
		Merged:        pr.Merged,
		Mergeable:     pr.Mergeable == nil || *pr.Mergeable,
		Branch:        pr.Head.Ref,
		ReviewCycleID: pr.Head.SHA,
	}
	if pr.Merged {
		status.CIStatus = CISuccess
		return status, nil
	}

	var runs checkRunsResponse
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-runs", c.BaseURL, owner, repo, pr.Head.SHA)
	if err := c.get(ctx, url, &runs); err != nil {
		return PRStatus{}, fmt.Errorf("fetch check runs for %s: %w", pr.Head.SHA, err)
	}
	checks := make([]CheckRun, len(runs.CheckRuns))
	for i, r := range runs.CheckRuns {
		checks[i] = CheckRun{Name: r.Name, Status: r.Status, Conclusion: r.Conclusion}
	}
	status.CIStatus, status.CIDetails = AggregateChecks(checks)
	return status, nil
}

// EnableAutoMerge arms auto-merge on a PR. GitHub only exposes this through
// the GraphQL API, keyed by the PR node id.
func (c *GitHubClient) EnableAutoMerge(ctx context.Context, owner, repo string, number int) error {
	var pr prResponse
	if err := c.get(ctx, fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.BaseURL, owner, repo, number), &pr); err != nil {
		return fmt.Errorf("fetch pr %d: %w", number, err)
	}

	payload, err := json.Marshal(map[string]any{
		"query": `mutation($id: ID!) {
			enablePullRequestAutoMerge(input: { pullRequestId: $id, mergeMethod: SQUASH }) {
				pullRequest { number }
			}
		}`,
		"variables": map[string]any{"id": pr.NodeID},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GraphQLURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("enable auto-merge: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, body)
	}
	var env struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		msgs := make([]string, len(env.Errors))
		for i, e := range env.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("enable auto-merge: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Ping verifies the repository is reachable with the configured token.
func (c *GitHubClient) Ping(ctx context.Context, owner, repo string) error {
	var out struct {
		FullName string `json:"full_name"`
	}
	if err := c.get(ctx, fmt.Sprintf("%s/repos/%s/%s", c.BaseURL, owner, repo), &out); err != nil {
		return fmt.Errorf("reach %s/%s: %w", owner, repo, err)
	}
	return nil
}

func (c *GitHubClient) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, body)
	}
	return json.Unmarshal(body, out)
}

func (c *GitHubClient) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	se := retry.NewStatusError(resp.StatusCode, msg)
	se.RetryAfter = retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	return se
}
