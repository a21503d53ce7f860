package agent

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopilot-sh/autopilot/pkg/models"
)

func TestProcess_Init(t *testing.T) {
	p := Process(Message{Type: "system", Subtype: "init", SessionID: "sess-1"}, "", 100)
	assert.Equal(t, "sess-1", p.SessionID)
	require.Len(t, p.Activities, 1)
	assert.Equal(t, models.ActivityStatus, p.Activities[0].Type)
	assert.Equal(t, "Agent started", p.Activities[0].Summary)
}

func TestProcess_ToolSummaries(t *testing.T) {
	cases := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"Read", map[string]any{"file_path": "/work/src/main.go"}, "Read src/main.go"},
		{"Edit", map[string]any{"file_path": "/elsewhere/x.go"}, "Edit /elsewhere/x.go"},
		{"Write", map[string]any{"file_path": "/work/README.md"}, "Write README.md"},
		{"Bash", map[string]any{"command": "go test ./..."}, "Bash: go test ./..."},
		{"Glob", map[string]any{"pattern": "**/*.go"}, "Glob **/*.go"},
		{"Grep", map[string]any{"pattern": "func main"}, "Grep func main"},
		{"WebFetch", map[string]any{"url": "https://pkg.go.dev"}, "Fetch https://pkg.go.dev"},
		{"WebSearch", map[string]any{"query": "sqlite busy"}, "Search: sqlite busy"},
		{"Task", map[string]any{"description": "review the diff"}, "Agent: review the diff"},
		{"Task", map[string]any{"subagent_type": "reviewer"}, "Agent: reviewer"},
		{"SomethingNew", map[string]any{"x": 1}, "Tool: SomethingNew"},
		{"Read", map[string]any{}, "Tool: Read"},
	}
	for _, tc := range cases {
		msg := Message{Type: "assistant", Message: &AssistantPayload{Content: []ContentBlock{
			{Type: "tool_use", Name: tc.name, Input: tc.input},
		}}}
		p := Process(msg, "/work", 0)
		require.Len(t, p.Activities, 1, tc.want)
		assert.Equal(t, tc.want, p.Activities[0].Summary)
		assert.Equal(t, models.ActivityToolUse, p.Activities[0].Type)
	}
}

func TestProcess_TextBlockTruncation(t *testing.T) {
	long := strings.Repeat("x", 500)
	msg := Message{Type: "assistant", Message: &AssistantPayload{Content: []ContentBlock{
		{Type: "text", Text: long},
	}}}
	p := Process(msg, "", 0)
	require.Len(t, p.Activities, 1)
	assert.Len(t, p.Activities[0].Summary, models.MaxActivitySummaryLen)
	assert.Equal(t, long, p.Activities[0].Detail)
}

func TestProcess_TruncationKeepsRuneBoundary(t *testing.T) {
	// Place a three-byte rune across the 200-byte cut point.
	long := strings.Repeat("x", models.MaxActivitySummaryLen-1) + strings.Repeat("日", 50)
	msg := Message{Type: "assistant", Message: &AssistantPayload{Content: []ContentBlock{
		{Type: "text", Text: long},
	}}}
	p := Process(msg, "", 0)
	require.Len(t, p.Activities, 1)
	summary := p.Activities[0].Summary
	assert.True(t, utf8.ValidString(summary))
	assert.LessOrEqual(t, len(summary), models.MaxActivitySummaryLen)
	assert.Equal(t, strings.Repeat("x", models.MaxActivitySummaryLen-1), summary)
}

func TestProcess_SubagentFlag(t *testing.T) {
	msg := Message{
		Type:            "assistant",
		ParentToolUseID: "toolu_01",
		Message: &AssistantPayload{Content: []ContentBlock{
			{Type: "tool_use", Name: "Bash", Input: map[string]any{"command": "ls"}},
		}},
	}
	p := Process(msg, "", 0)
	require.Len(t, p.Activities, 1)
	assert.True(t, p.Activities[0].IsSubagent)
}

func TestProcess_SuccessResult(t *testing.T) {
	msg := Message{
		Type: "result", Subtype: "success",
		Result: "opened PR #12", TotalCostUSD: 0.37, DurationMs: 90000, NumTurns: 21,
	}
	p := Process(msg, "", 0)
	require.NotNil(t, p.Success)
	assert.Equal(t, "opened PR #12", p.Success.Result)
	assert.Equal(t, 0.37, p.Success.CostUSD)
	assert.Equal(t, int64(90000), p.Success.DurationMs)
	assert.Equal(t, 21, p.Success.NumTurns)
	require.Len(t, p.Activities, 1)
	assert.Equal(t, models.ActivityResult, p.Activities[0].Type)
}

func TestProcess_ErrorResult(t *testing.T) {
	msg := Message{Type: "result", Subtype: "error_max_turns", Errors: []string{"turn limit", "gave up"}}
	p := Process(msg, "", 0)
	assert.Equal(t, "turn limit; gave up", p.ErrorMessage)
	require.Len(t, p.Activities, 1)
	assert.Equal(t, models.ActivityError, p.Activities[0].Type)
}

func TestProcess_ErrorResultWithoutErrors(t *testing.T) {
	p := Process(Message{Type: "result", Subtype: "error_during_execution"}, "", 0)
	assert.Equal(t, "error_during_execution", p.ErrorMessage)
}

func TestProcess_UnknownTypeIgnored(t *testing.T) {
	p := Process(Message{Type: "user"}, "", 0)
	assert.Empty(t, p.Activities)
	assert.Empty(t, p.SessionID)
	assert.Nil(t, p.Success)
}
