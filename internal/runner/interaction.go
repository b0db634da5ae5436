package runner

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/check"
	"github.com/tobinsouth/mcp-test/internal/interaction"
)

// runInteraction executes the configured prompts sequentially against the
// live connection. A prompt whose loop fails does not stop the remaining
// prompts; the engine has already recorded the failure.
func (o *Orchestrator) runInteraction(ctx context.Context, rec *check.Recorder) (func() error, error) {
	// With the tool-analysis phase disabled nothing has listed the server's
	// tools yet; the model still needs the declarations.
	if o.serverTools == nil {
		result, err := o.conn.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, errors.Wrap(err, "list tools for interaction")
		}
		o.serverTools = result.Tools
	}

	engine := interaction.NewEngine(interaction.EngineOptions{
		Model:         o.model,
		Judge:         o.judge,
		Tools:         o.serverTools,
		Caller:        o.conn,
		Recorder:      rec,
		Logger:        o.logger,
		TranscriptDir: o.cfg.Output.TranscriptDir,
		MaxIterations: o.cfg.Interaction.MaxIterations,
	})

	for _, prompt := range o.cfg.Interaction.Prompts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := engine.Run(ctx, prompt); err != nil {
			o.logger.Warn("interaction prompt failed",
				zap.String("prompt_id", prompt.ID), zap.Error(err))
		}
	}
	return nil, nil
}
