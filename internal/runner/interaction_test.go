package runner

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/tobinsouth/mcp-test/internal/check"
	"github.com/tobinsouth/mcp-test/internal/config"
)

// stubModel answers every prompt with a fixed final text response.
type stubModel struct {
	calls int
}

func (m *stubModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content: `{"rating": "good", "reasoning": "done"}`, StopReason: "stop",
	}}}, nil
}

func TestInteractionListsToolsWhenAnalysisSkipped(t *testing.T) {
	cfg := minimalConfig()
	cfg.Phases.ToolAnalysis = false
	cfg.Interaction.Prompts = []config.TestPrompt{
		{ID: "p1", Name: "greet", Prompt: "say hello"},
	}

	o := testOrchestrator(cfg)
	o.model = &stubModel{}
	conn := &stubConn{tools: []mcp.Tool{validTool("search")}}
	o.conn = conn

	rec := check.NewRecorder(nil)
	_, err := o.runInteraction(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, 1, conn.listCalls)
	assert.Equal(t, []mcp.Tool{validTool("search")}, o.serverTools)
	assert.Equal(t, check.StatusSuccess, checkByID(t, rec, "interaction.p1.completed").Status)
}

func TestInteractionReusesAnalyzedTools(t *testing.T) {
	cfg := minimalConfig()
	cfg.Interaction.Prompts = []config.TestPrompt{
		{ID: "p1", Name: "greet", Prompt: "say hello"},
	}

	o := testOrchestrator(cfg)
	o.model = &stubModel{}
	conn := &stubConn{tools: []mcp.Tool{validTool("search")}}
	o.conn = conn
	o.serverTools = conn.tools

	rec := check.NewRecorder(nil)
	_, err := o.runInteraction(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 0, conn.listCalls)
}

func TestInteractionListFailureFailsPhase(t *testing.T) {
	cfg := minimalConfig()
	cfg.Interaction.Prompts = []config.TestPrompt{
		{ID: "p1", Name: "greet", Prompt: "say hello"},
	}

	o := testOrchestrator(cfg)
	o.model = &stubModel{}
	o.conn = &stubConn{listErr: assert.AnError}

	_, err := o.runInteraction(context.Background(), check.NewRecorder(nil))
	assert.Error(t, err)
}
