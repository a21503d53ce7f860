// Package githost defines the code-host contract the monitor consumes: pull
// request status, CI check aggregation, and auto-merge.
package githost

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// CIStatus is the aggregated outcome of a PR's check runs.
type CIStatus string

// Aggregated CI states.
const (
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
	CIPending CIStatus = "pending"
)

// CheckRun is one CI check on a PR head.
type CheckRun struct {
	Name       string
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, timed_out, cancelled, ...
}

// PRStatus is the monitor's view of one pull request.
type PRStatus struct {
	Merged    bool
	Mergeable bool
	Branch    string
	CIStatus  CIStatus
	CIDetails []string // failing check names
	// ReviewCycleID identifies the current review/push cycle (typically the
	// head SHA); the monitor spawns at most one fixer per cycle.
	ReviewCycleID string
}

// Client is the code-host surface the core calls.
type Client interface {
	// PRStatus fetches the merged/mergeable/branch/CI view of one PR.
	PRStatus(ctx context.Context, owner, repo string, number int) (PRStatus, error)
	// EnableAutoMerge arms auto-merge on a PR whose checks are green.
	EnableAutoMerge(ctx context.Context, owner, repo string, number int) error
}

// AggregateChecks folds check runs into one CI status: any failed or
// timed-out check wins, then any incomplete check, then success. The second
// return value lists the failing check names.
func AggregateChecks(checks []CheckRun) (CIStatus, []string) {
	var failing []string
	pending := false
	for _, c := range checks {
		if c.Conclusion == "failure" || c.Conclusion == "timed_out" {
			failing = append(failing, c.Name)
			continue
		}
		if c.Status != "completed" {
			pending = true
		}
	}
	if len(failing) > 0 {
		return CIFailure, failing
	}
	if pending {
		return CIPending, nil
	}
	return CISuccess, nil
}

// ParsePRURL extracts owner, repo, and PR number from a pull-request URL of
// the form https://<host>/<owner>/<repo>/pull/<number>.
func ParsePRURL(url string) (owner, repo string, number int, err error) {
	trimmed := strings.TrimSuffix(url, "/")
	parts := strings.Split(trimmed, "/")
	for i := 0; i+3 < len(parts); i++ {
		if parts[i+2] == "pull" {
			n, convErr := strconv.Atoi(parts[i+3])
			if convErr != nil {
				break
			}
			return parts[i], parts[i+1], n, nil
		}
	}
	return "", "", 0, fmt.Errorf("not a pull request url: %s", url)
}

// ParseRemote extracts "owner/repo" from an https or ssh git remote URL.
func ParseRemote(remote string) (string, error) {
	r := strings.TrimSuffix(strings.TrimSpace(remote), ".git")
	if idx := strings.Index(r, "://"); idx >= 0 {
		parts := strings.Split(r[idx+3:], "/")
		if len(parts) >= 3 {
			return parts[len(parts)-2] + "/" + parts[len(parts)-1], nil
		}
	}
	if idx := strings.Index(r, ":"); idx >= 0 && strings.Contains(r, "@") {
		path := r[idx+1:]
		parts := strings.Split(path, "/")
		if len(parts) == 2 {
			return path, nil
		}
	}
	return "", fmt.Errorf("unparseable git remote: %s", remote)
}
