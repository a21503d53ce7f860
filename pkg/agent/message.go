// Package agent runs coding-agent subprocesses and turns their streamed
// output into activity traces and run results.
package agent

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/autopilot-sh/autopilot/pkg/models"
)

// Message is one streamed JSON object from the agent CLI. Fields are a
// superset across the type/subtype variants; unknown types are ignored.
type Message struct {
	Type            string            `json:"type"`
	Subtype         string            `json:"subtype,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	ParentToolUseID string            `json:"parent_tool_use_id,omitempty"`
	Message         *AssistantPayload `json:"message,omitempty"`
	Result          string            `json:"result,omitempty"`
	TotalCostUSD    float64           `json:"total_cost_usd,omitempty"`
	DurationMs      int64             `json:"duration_ms,omitempty"`
	NumTurns        int               `json:"num_turns,omitempty"`
	Errors          []string          `json:"errors,omitempty"`
}

// AssistantPayload carries the content blocks of an assistant message.
type AssistantPayload struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block inside an assistant message.
type ContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// SuccessResult is the payload of a successful terminal message.
type SuccessResult struct {
	Result     string
	CostUSD    float64
	DurationMs int64
	NumTurns   int
}

// Processed is the outcome of feeding one message through Process.
type Processed struct {
	Activities   []models.Activity
	SessionID    string
	Success      *SuccessResult
	ErrorMessage string
}

// Process converts one streamed message into activities and result updates.
// It is a pure function: no IO, no shared state. nowMs stamps the produced
// activities so callers control the clock.
func Process(msg Message, workDir string, nowMs int64) Processed {
	var p Processed
	sub := msg.ParentToolUseID != ""

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			p.SessionID = msg.SessionID
			p.Activities = append(p.Activities, models.Activity{
				TimestampMs: nowMs,
				Type:        models.ActivityStatus,
				Summary:     "Agent started",
			})
		}
	case "assistant":
		if msg.Message == nil {
			break
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "tool_use":
				p.Activities = append(p.Activities, models.Activity{
					TimestampMs: nowMs,
					Type:        models.ActivityToolUse,
					Summary:     truncate(summarizeTool(block.Name, block.Input, workDir), models.MaxActivitySummaryLen),
					IsSubagent:  sub,
				})
			case "text":
				if block.Text == "" {
					continue
				}
				p.Activities = append(p.Activities, models.Activity{
					TimestampMs: nowMs,
					Type:        models.ActivityText,
					Summary:     truncate(block.Text, models.MaxActivitySummaryLen),
					Detail:      block.Text,
					IsSubagent:  sub,
				})
			}
		}
	case "result":
		if msg.Subtype == "success" {
			p.Success = &SuccessResult{
				Result:     msg.Result,
				CostUSD:    msg.TotalCostUSD,
				DurationMs: msg.DurationMs,
				NumTurns:   msg.NumTurns,
			}
			p.Activities = append(p.Activities, models.Activity{
				TimestampMs: nowMs,
				Type:        models.ActivityResult,
				Summary:     truncate(msg.Result, models.MaxActivitySummaryLen),
			})
			break
		}
		errMsg := msg.Subtype
		if len(msg.Errors) > 0 {
			errMsg = strings.Join(msg.Errors, "; ")
		}
		p.ErrorMessage = errMsg
		p.Activities = append(p.Activities, models.Activity{
			TimestampMs: nowMs,
			Type:        models.ActivityError,
			Summary:     truncate(errMsg, models.MaxActivitySummaryLen),
		})
	}
	return p
}

// summarizeTool renders a tool invocation as a one-line summary. Paths under
// the working directory are shown relative to it.
func summarizeTool(name string, input map[string]any, workDir string) string {
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}
	switch name {
	case "Read", "Write", "Edit", "MultiEdit", "NotebookEdit":
		if path := str("file_path"); path != "" {
			return name + " " + stripWorkDir(path, workDir)
		}
	case "Bash":
		if cmd := str("command"); cmd != "" {
			return "Bash: " + cmd
		}
	case "Glob", "Grep":
		if pat := str("pattern"); pat != "" {
			return name + " " + pat
		}
	case "WebFetch":
		if url := str("url"); url != "" {
			return "Fetch " + url
		}
	case "WebSearch":
		if q := str("query"); q != "" {
			return "Search: " + q
		}
	case "Task":
		if desc := str("description"); desc != "" {
			return "Agent: " + desc
		}
		if sub := str("subagent_type"); sub != "" {
			return "Agent: " + sub
		}
	}
	return "Tool: " + name
}

// stripWorkDir makes paths under workDir relative for readability.
func stripWorkDir(path, workDir string) string {
	if workDir == "" {
		return path
	}
	prefix := strings.TrimSuffix(workDir, "/") + "/"
	if strings.HasPrefix(path, prefix) {
		return strings.TrimPrefix(path, prefix)
	}
	return path
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Transcript renders a run's raw message stream as a JSON document, for
// persistence as the conversation blob.
func Transcript(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return ""
	}
	return string(b)
}
