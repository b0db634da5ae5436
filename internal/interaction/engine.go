package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/check"
	"github.com/tobinsouth/mcp-test/internal/config"
	"github.com/tobinsouth/mcp-test/internal/llm"
)

// ToolCaller executes a tool against the live MCP connection. The mcp-go
// client satisfies it directly.
type ToolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// EngineOptions configures an interaction Engine.
type EngineOptions struct {
	Model         llm.Client
	Judge         llm.Client
	Tools         []mcp.Tool
	Caller        ToolCaller
	Recorder      *check.Recorder
	Logger        *zap.Logger
	TranscriptDir string
	MaxIterations int
}

// Engine runs one prompt at a time against the connected server, letting the
// model drive tool use until it produces a final text response or the
// iteration cap is reached.
type Engine struct {
	model         llm.Client
	judge         llm.Client
	tools         []mcp.Tool
	llmTools      []llms.Tool
	caller        ToolCaller
	recorder      *check.Recorder
	logger        *zap.Logger
	transcriptDir string
	maxIterations int
	now           func() time.Time
}

// NewEngine builds an Engine. A nil Judge falls back to the primary model;
// a non-positive MaxIterations falls back to the config default.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Judge == nil {
		opts.Judge = opts.Model
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = config.DefaultMaxIterations
	}
	return &Engine{
		model:         opts.Model,
		judge:         opts.Judge,
		tools:         opts.Tools,
		llmTools:      toLLMTools(opts.Tools),
		caller:        opts.Caller,
		recorder:      opts.Recorder,
		logger:        opts.Logger,
		transcriptDir: opts.TranscriptDir,
		maxIterations: opts.MaxIterations,
		now:           time.Now,
	}
}

func toLLMTools(tools []mcp.Tool) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

// Run executes one prompt end to end: the agentic loop, transcript
// persistence, expectation evaluation, and the configured reviews. Tool
// failures never abort the loop; only a model transport failure does, and
// even then the partial transcript is persisted and a FAILURE check
// recorded.
func (e *Engine) Run(ctx context.Context, prompt config.TestPrompt) (*Transcript, error) {
	transcript := &Transcript{
		ID:         uuid.NewString(),
		PromptID:   prompt.ID,
		PromptName: prompt.Name,
		StartedAt:  e.now(),
		Prompt:     prompt.Prompt,
	}

	e.logger.Info("running interaction prompt",
		zap.String("prompt_id", prompt.ID), zap.String("name", prompt.Name))

	runErr := e.loop(ctx, prompt, transcript)

	transcript.CompletedAt = e.now()
	transcript.DurationMs = transcript.CompletedAt.Sub(transcript.StartedAt).Milliseconds()
	transcript.DistinctTools = distinctTools(transcript)

	if e.transcriptDir != "" {
		if path, err := WriteTranscript(e.transcriptDir, transcript); err != nil {
			e.logger.Warn("failed to persist transcript", zap.Error(err))
		} else {
			e.logger.Info("transcript written", zap.String("path", path))
		}
	}

	if runErr != nil {
		e.recorder.Failure(
			checkID(prompt.ID, "completed"),
			fmt.Sprintf("Interaction: %s", prompt.Name),
			"Agentic loop completed",
			runErr.Error(),
			map[string]any{"iterations": transcript.Iterations})
		return transcript, runErr
	}

	e.recordCompletion(prompt, transcript)

	if prompt.Expectations != nil {
		e.recordExpectations(prompt, transcript)
	}
	if len(prompt.SafetyPolicies) > 0 {
		e.reviewSafety(ctx, prompt, transcript)
	}
	e.reviewQuality(ctx, prompt, transcript)

	return transcript, nil
}

func (e *Engine) loop(ctx context.Context, prompt config.TestPrompt, transcript *Transcript) error {
	history := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt.Prompt),
	}
	transcript.Entries = append(transcript.Entries, Entry{
		Type: EntryUser, Timestamp: e.now(), Text: prompt.Prompt,
	})

	for transcript.Iterations < e.maxIterations {
		transcript.Iterations++

		resp, err := e.model.GenerateContent(ctx, history, llms.WithTools(e.llmTools))
		if err != nil {
			return errors.Wrap(err, "model call")
		}
		if len(resp.Choices) == 0 {
			return errors.New("model returned no choices")
		}
		choice := resp.Choices[0]

		if choice.Content != "" {
			transcript.Entries = append(transcript.Entries, Entry{
				Type: EntryAssistant, Timestamp: e.now(), Text: choice.Content,
			})
		}

		if len(choice.ToolCalls) == 0 {
			transcript.FinalResponse = choice.Content
			return nil
		}
		if !toolUseStop(choice.StopReason) {
			// The turn ended for another reason (length limit, content
			// filter). Any tool calls on it may be truncated and are not
			// executed.
			transcript.FinalResponse = choice.Content
			return nil
		}

		assistantMsg := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistantMsg.Parts = append(assistantMsg.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistantMsg.Parts = append(assistantMsg.Parts, tc)
		}
		history = append(history, assistantMsg)

		for _, tc := range choice.ToolCalls {
			history = append(history, e.executeToolCall(ctx, tc, transcript))
		}
	}

	// Cap reached without a final text response; the completion check
	// downgrades this to a warning.
	return nil
}

// toolUseStop reports whether the stop reason asks for another round of tool
// execution. Providers name it differently; an empty reason is treated as a
// tool-use turn when tool calls are present.
func toolUseStop(reason string) bool {
	switch reason {
	case "", "tool_use", "tool_calls", "function_call":
		return true
	}
	return false
}

// executeToolCall runs one requested tool and returns the tool-result
// message to feed back to the model. Failures are recorded in the
// transcript and reported back to the model as error text.
func (e *Engine) executeToolCall(ctx context.Context, tc llms.ToolCall, transcript *Transcript) llms.MessageContent {
	args := map[string]any{}
	if tc.FunctionCall.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
			e.logger.Warn("model produced unparseable tool arguments",
				zap.String("tool", tc.FunctionCall.Name), zap.Error(err))
		}
	}

	transcript.ToolCallCount++
	transcript.Entries = append(transcript.Entries, Entry{
		Type:       EntryToolCall,
		Timestamp:  e.now(),
		ToolName:   tc.FunctionCall.Name,
		ToolCallID: tc.ID,
		Arguments:  args,
	})

	req := mcp.CallToolRequest{}
	req.Params.Name = tc.FunctionCall.Name
	req.Params.Arguments = args

	result, err := e.caller.CallTool(ctx, req)
	var resultText string
	switch {
	case err != nil:
		resultText = fmt.Sprintf("tool call failed: %v", err)
		transcript.Entries = append(transcript.Entries, Entry{
			Type: EntryToolError, Timestamp: e.now(),
			ToolName: tc.FunctionCall.Name, ToolCallID: tc.ID, Error: err.Error(),
		})
	case result.IsError:
		resultText = FlattenContent(result.Content)
		transcript.Entries = append(transcript.Entries, Entry{
			Type: EntryToolError, Timestamp: e.now(),
			ToolName: tc.FunctionCall.Name, ToolCallID: tc.ID, Error: resultText,
		})
	default:
		resultText = FlattenContent(result.Content)
		transcript.Entries = append(transcript.Entries, Entry{
			Type: EntryToolResult, Timestamp: e.now(),
			ToolName: tc.FunctionCall.Name, ToolCallID: tc.ID, Result: resultText,
		})
	}

	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: tc.ID,
			Name:       tc.FunctionCall.Name,
			Content:    resultText,
		}},
	}
}

// FlattenContent renders a tool result's content blocks as a single string.
// Non-text blocks become bracketed placeholders.
func FlattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch block := c.(type) {
		case mcp.TextContent:
			parts = append(parts, block.Text)
		case mcp.ImageContent:
			parts = append(parts, "[image]")
		case mcp.AudioContent:
			parts = append(parts, "[audio]")
		case mcp.EmbeddedResource:
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	return strings.Join(parts, "\n")
}

func (e *Engine) recordCompletion(prompt config.TestPrompt, transcript *Transcript) {
	details := map[string]any{
		"iterations":    transcript.Iterations,
		"toolCalls":     transcript.ToolCallCount,
		"distinctTools": transcript.DistinctTools,
	}
	name := fmt.Sprintf("Interaction: %s", prompt.Name)
	if transcript.FinalResponse == "" {
		msg := "loop ended without a final text response"
		if transcript.Iterations >= e.maxIterations {
			msg = fmt.Sprintf("iteration cap of %d reached without a final response", e.maxIterations)
		}
		e.recorder.Warning(checkID(prompt.ID, "completed"), name,
			"Agentic loop completed", msg, details)
		return
	}
	e.recorder.Success(checkID(prompt.ID, "completed"), name, "Agentic loop completed", details)
}

func (e *Engine) recordExpectations(prompt config.TestPrompt, transcript *Transcript) {
	result := EvaluateExpectations(prompt.Expectations, transcript)
	name := fmt.Sprintf("Expectations: %s", prompt.Name)
	details := map[string]any{
		"expectedToolCalls": len(prompt.Expectations.ToolCalls),
		"actualToolCalls":   transcript.ToolCallCount,
	}
	if result.Passed {
		e.recorder.Success(checkID(prompt.ID, "expectations"), name,
			"Declared expectations were met", details)
		return
	}
	if len(result.Missing) > 0 {
		details["missing"] = result.Missing
	}
	if len(result.FailedCalls) > 0 {
		details["failedCalls"] = result.FailedCalls
	}
	e.recorder.Failure(checkID(prompt.ID, "expectations"), name,
		"Declared expectations were met",
		strings.Join(append(result.Missing, result.Details...), "; "),
		details)
}

func distinctTools(t *Transcript) []string {
	seen := map[string]bool{}
	for _, e := range t.Entries {
		if e.Type == EntryToolCall {
			seen[e.ToolName] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkID(promptID, suffix string) string {
	return fmt.Sprintf("interaction.%s.%s", promptID, suffix)
}
