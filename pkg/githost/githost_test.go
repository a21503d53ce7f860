package githost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateChecks(t *testing.T) {
	cases := []struct {
		name    string
		checks  []CheckRun
		want    CIStatus
		failing []string
	}{
		{
			name: "all green",
			checks: []CheckRun{
				{Name: "build", Status: "completed", Conclusion: "success"},
				{Name: "test", Status: "completed", Conclusion: "success"},
			},
			want: CISuccess,
		},
		{
			name: "one failure wins over pending",
			checks: []CheckRun{
				{Name: "build", Status: "in_progress"},
				{Name: "test", Status: "completed", Conclusion: "failure"},
			},
			want:    CIFailure,
			failing: []string{"test"},
		},
		{
			name: "timed out counts as failure",
			checks: []CheckRun{
				{Name: "e2e", Status: "completed", Conclusion: "timed_out"},
			},
			want:    CIFailure,
			failing: []string{"e2e"},
		},
		{
			name: "incomplete means pending",
			checks: []CheckRun{
				{Name: "build", Status: "completed", Conclusion: "success"},
				{Name: "lint", Status: "queued"},
			},
			want: CIPending,
		},
		{
			name: "no checks is success",
			want: CISuccess,
		},
		{
			name: "cancelled is not a failure",
			checks: []CheckRun{
				{Name: "build", Status: "completed", Conclusion: "cancelled"},
			},
			want: CISuccess,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, failing := AggregateChecks(tc.checks)
			assert.Equal(t, tc.want, status)
			assert.Equal(t, tc.failing, failing)
		})
	}
}

func TestParsePRURL(t *testing.T) {
	owner, repo, n, err := ParsePRURL("https://github.com/acme/widgets/pull/42")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, 42, n)

	_, _, _, err = ParsePRURL("https://github.com/acme/widgets/issues/42")
	assert.Error(t, err)

	_, _, _, err = ParsePRURL("https://github.com/acme/widgets/pull/abc")
	assert.Error(t, err)
}

func TestParseRemote(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/widgets.git": "acme/widgets",
		"https://github.com/acme/widgets":     "acme/widgets",
		"git@github.com:acme/widgets.git":     "acme/widgets",
	}
	for remote, want := range cases {
		got, err := ParseRemote(remote)
		require.NoError(t, err, remote)
		assert.Equal(t, want, got)
	}

	_, err := ParseRemote("not a remote")
	assert.Error(t, err)
}
