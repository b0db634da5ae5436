package interaction

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/check"
	"github.com/tobinsouth/mcp-test/internal/config"
)

// scriptedModel returns canned responses in order, then repeats the last
// one. It records the text of every request it receives.
type scriptedModel struct {
	responses []*llms.ContentResponse
	prompts   []string
	calls     int
}

func (m *scriptedModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	var b strings.Builder
	for _, msg := range msgs {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				b.WriteString(text.Text)
				b.WriteString("\n")
			}
		}
	}
	m.prompts = append(m.prompts, b.String())

	i := m.calls
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.calls++
	return m.responses[i], nil
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}}}
}

func toolCallResponse(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		StopReason: "tool_use",
		ToolCalls: []llms.ToolCall{{
			ID:           id,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
		}},
	}}}
}

// stubCaller records calls and returns scripted results per tool name.
type stubCaller struct {
	calls   []mcp.CallToolRequest
	results map[string]*mcp.CallToolResult
	errs    map[string]error
}

func (c *stubCaller) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.calls = append(c.calls, req)
	if err, ok := c.errs[req.Params.Name]; ok {
		return nil, err
	}
	if res, ok := c.results[req.Params.Name]; ok {
		return res, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}}}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}}}
}

func newTestEngine(t *testing.T, model *scriptedModel, judge *scriptedModel, caller *stubCaller, maxIter int) (*Engine, *check.Recorder) {
	t.Helper()
	rec := check.NewRecorder(nil)
	var judgeClient *scriptedModel
	if judge != nil {
		judgeClient = judge
	} else {
		judgeClient = &scriptedModel{responses: []*llms.ContentResponse{
			textResponse(`{"rating": "good", "reasoning": "task done"}`),
		}}
	}
	engine := NewEngine(EngineOptions{
		Model:         model,
		Judge:         judgeClient,
		Tools:         []mcp.Tool{{Name: "get_weather", Description: "weather lookup"}},
		Caller:        caller,
		Recorder:      rec,
		Logger:        zap.NewNop(),
		TranscriptDir: t.TempDir(),
		MaxIterations: maxIter,
	})
	return engine, rec
}

func findCheck(t *testing.T, rec *check.Recorder, id string) check.Check {
	t.Helper()
	for _, c := range rec.Checks() {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("check %q not recorded; have %+v", id, rec.Checks())
	return check.Check{}
}

func TestEngineStopsWhenModelAnswersDirectly(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textResponse("all done")}}
	caller := &stubCaller{}
	engine, rec := newTestEngine(t, model, nil, caller, 5)

	transcript, err := engine.Run(context.Background(), config.TestPrompt{
		ID: "p1", Name: "direct answer", Prompt: "say hi",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, transcript.Iterations)
	assert.Equal(t, "all done", transcript.FinalResponse)
	assert.Empty(t, caller.calls)
	assert.Equal(t, check.StatusSuccess, findCheck(t, rec, "interaction.p1.completed").Status)
}

func TestEngineExecutesToolsThenStops(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("c1", "get_weather", `{"city": "Berlin"}`),
		textResponse("It is 12C in Berlin."),
	}}
	caller := &stubCaller{results: map[string]*mcp.CallToolResult{"get_weather": textResult("12C")}}
	engine, _ := newTestEngine(t, model, nil, caller, 5)

	transcript, err := engine.Run(context.Background(), config.TestPrompt{
		ID: "p2", Name: "tool then answer", Prompt: "weather in berlin?",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, transcript.Iterations)
	assert.Equal(t, 1, transcript.ToolCallCount)
	assert.Equal(t, []string{"get_weather"}, transcript.DistinctTools)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "get_weather", caller.calls[0].Params.Name)

	calls := transcript.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"city": "Berlin"}, calls[0].Arguments)
}

func TestEngineToolFailureDoesNotAbortLoop(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("c1", "get_weather", `{"city": "Berlin"}`),
		textResponse("The weather service is unavailable."),
	}}
	caller := &stubCaller{errs: map[string]error{"get_weather": assert.AnError}}
	engine, _ := newTestEngine(t, model, nil, caller, 5)

	transcript, err := engine.Run(context.Background(), config.TestPrompt{
		ID: "p3", Name: "tool failure", Prompt: "weather?",
	})
	require.NoError(t, err)

	assert.Equal(t, "The weather service is unavailable.", transcript.FinalResponse)
	assert.Equal(t, []string{"c1"}, transcript.FailedToolCalls())
}

func TestEngineIterationCap(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("c1", "get_weather", `{"city": "Berlin"}`),
	}}
	caller := &stubCaller{results: map[string]*mcp.CallToolResult{"get_weather": textResult("12C")}}
	engine, rec := newTestEngine(t, model, nil, caller, 3)

	transcript, err := engine.Run(context.Background(), config.TestPrompt{
		ID: "p4", Name: "looping", Prompt: "loop forever",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, transcript.Iterations)
	assert.Empty(t, transcript.FinalResponse)
	assert.Equal(t, check.StatusWarning, findCheck(t, rec, "interaction.p4.completed").Status)
}

func TestEngineStopsOnNonToolUseStopReason(t *testing.T) {
	truncated := &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		StopReason: "max_tokens",
		ToolCalls: []llms.ToolCall{{
			ID:           "c1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "get_weather", Arguments: `{"city": "Ber`},
		}},
	}}}
	model := &scriptedModel{responses: []*llms.ContentResponse{truncated}}
	caller := &stubCaller{}
	engine, rec := newTestEngine(t, model, nil, caller, 5)

	transcript, err := engine.Run(context.Background(), config.TestPrompt{
		ID: "p7", Name: "truncated turn", Prompt: "weather?",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, transcript.Iterations)
	assert.Equal(t, 0, transcript.ToolCallCount)
	assert.Empty(t, caller.calls)
	assert.Equal(t, check.StatusWarning, findCheck(t, rec, "interaction.p7.completed").Status)
}

func TestEngineRecordsExpectationFailure(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textResponse("done without tools")}}
	engine, rec := newTestEngine(t, model, nil, &stubCaller{}, 5)

	_, err := engine.Run(context.Background(), config.TestPrompt{
		ID: "p5", Name: "expected a call", Prompt: "use the tool",
		Expectations: &config.Expectations{
			ToolCalls: []config.ExpectedToolCall{{ToolName: "get_weather"}},
		},
	})
	require.NoError(t, err)

	c := findCheck(t, rec, "interaction.p5.expectations")
	assert.Equal(t, check.StatusFailure, c.Status)
	assert.Contains(t, c.ErrorMessage, "get_weather")
}

func TestEnginePersistsTranscript(t *testing.T) {
	dir := t.TempDir()
	model := &scriptedModel{responses: []*llms.ContentResponse{textResponse("hi")}}
	engine := NewEngine(EngineOptions{
		Model: model,
		Judge: &scriptedModel{responses: []*llms.ContentResponse{
			textResponse(`{"rating": "good", "reasoning": "fine"}`),
		}},
		Caller:        &stubCaller{},
		Recorder:      check.NewRecorder(nil),
		Logger:        zap.NewNop(),
		TranscriptDir: dir,
		MaxIterations: 5,
	})

	_, err := engine.Run(context.Background(), config.TestPrompt{ID: "p6", Name: "persist", Prompt: "hello"})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "p6-")

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var loaded Transcript
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, "hi", loaded.FinalResponse)
	assert.Equal(t, "p6", loaded.PromptID)
}

func TestFlattenContent(t *testing.T) {
	got := FlattenContent([]mcp.Content{
		mcp.TextContent{Type: "text", Text: "line one"},
		mcp.ImageContent{Type: "image"},
		mcp.TextContent{Type: "text", Text: "line two"},
	})
	assert.Equal(t, "line one\n[image]\nline two", got)
}
