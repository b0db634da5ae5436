// Package interaction drives agentic end-to-end tests against a live MCP
// connection: a model is handed the server's tools and a test prompt, the
// resulting tool-use loop is recorded as a transcript, and the transcript is
// evaluated against declared expectations and reviewed for safety and
// quality.
package interaction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

// Entry types.
const (
	EntryUser       = "user"
	EntryAssistant  = "assistant"
	EntryToolCall   = "tool_call"
	EntryToolResult = "tool_result"
	EntryToolError  = "tool_error"
)

// Entry is one event in an interaction transcript.
type Entry struct {
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Transcript is the full record of one prompt run.
type Transcript struct {
	ID            string    `json:"id"`
	PromptID      string    `json:"promptId"`
	PromptName    string    `json:"promptName"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt"`
	DurationMs    int64     `json:"durationMs"`
	Prompt        string    `json:"prompt"`
	FinalResponse string    `json:"finalResponse,omitempty"`
	Entries       []Entry   `json:"entries"`
	Iterations    int       `json:"iterations"`
	ToolCallCount int       `json:"toolCallCount"`
	DistinctTools []string  `json:"distinctTools,omitempty"`
}

// ToolCalls returns the tool_call entries in order.
func (t *Transcript) ToolCalls() []Entry {
	var calls []Entry
	for _, e := range t.Entries {
		if e.Type == EntryToolCall {
			calls = append(calls, e)
		}
	}
	return calls
}

// FailedToolCalls returns the tool call ids that produced a tool_error.
func (t *Transcript) FailedToolCalls() []string {
	var failed []string
	for _, e := range t.Entries {
		if e.Type == EntryToolError {
			failed = append(failed, e.ToolCallID)
		}
	}
	return failed
}

// WriteTranscript persists the transcript as indented JSON under dir, named
// <promptID>-<timestamp>.json, and returns the written path.
func WriteTranscript(dir string, t *Transcript) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.Wrap(err, "create transcript directory")
	}
	name := fmt.Sprintf("%s-%s.json", t.PromptID, t.StartedAt.UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal transcript")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errors.Wrap(err, "write transcript")
	}
	return path, nil
}
