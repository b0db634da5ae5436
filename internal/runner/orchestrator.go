// Package runner wires the pipeline together: it owns phase ordering, skip
// semantics, cleanup, and report assembly. Each phase records its findings
// through a check.Recorder and never aborts the run by panicking; a phase
// that cannot proceed records failures and returns.
package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/check"
	"github.com/tobinsouth/mcp-test/internal/config"
	"github.com/tobinsouth/mcp-test/internal/interactive"
	"github.com/tobinsouth/mcp-test/internal/llm"
	"github.com/tobinsouth/mcp-test/internal/session"
)

// Options configures an Orchestrator.
type Options struct {
	Config *config.Config
	Logger *zap.Logger

	// Store is required only for cross-process authorization.
	Store session.Store
	// RunID identifies this run across processes; generated when empty.
	RunID string

	// Model and Judge are required only when the interaction phase runs.
	Model llm.Client
	Judge llm.Client

	// URLSink receives the authorization URL in cross-process mode.
	URLSink interactive.URLSink
	// Observer sees every check as it is recorded, for live progress output.
	Observer check.Observer
}

// Orchestrator runs the conformance pipeline against one server.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    session.Store
	runID    string
	model    llm.Client
	judge    llm.Client
	sink     interactive.URLSink
	observer check.Observer
	now      func() time.Time

	// Populated by the handshake phase for the phases after it.
	conn        mcpConnection
	serverTools []mcp.Tool
}

// mcpConnection is the slice of the mcp-go client the later phases need.
type mcpConnection interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// New builds an Orchestrator from validated configuration.
func New(opts Options) *Orchestrator {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Orchestrator{
		cfg:      opts.Config,
		logger:   opts.Logger,
		store:    opts.Store,
		runID:    opts.RunID,
		model:    opts.Model,
		judge:    opts.Judge,
		sink:     opts.URLSink,
		observer: opts.Observer,
		now:      time.Now,
	}
}

// RunID returns the identifier for this run.
func (o *Orchestrator) RunID() string { return o.runID }

// phaseSpec is one pipeline stage. skip returns a non-empty reason when the
// phase must not run; run returns an optional cleanup that the orchestrator
// executes after all phases, in reverse registration order.
type phaseSpec struct {
	id          check.Phase
	name        string
	description string
	skip        func() string
	run         func(ctx context.Context, rec *check.Recorder) (func() error, error)
}

func (o *Orchestrator) phases() []phaseSpec {
	return []phaseSpec{
		{
			id:          check.PhaseAuthDiscovery,
			name:        "Authorization discovery",
			description: "Unauthenticated probing of the server's OAuth metadata",
			skip: func() string {
				if !o.cfg.Phases.AuthDiscovery {
					return "disabled in configuration"
				}
				return ""
			},
			run: o.runAuthDiscovery,
		},
		{
			id:          check.PhaseHandshake,
			name:        "Protocol handshake",
			description: "Connection, authorization, and MCP initialization",
			skip:        func() string { return "" },
			run:         o.runHandshake,
		},
		{
			id:          check.PhaseToolAnalysis,
			name:        "Tool analysis",
			description: "Static review of the advertised tool surface",
			skip: func() string {
				if !o.cfg.Phases.ToolAnalysis {
					return "disabled in configuration"
				}
				if o.conn == nil {
					return "handshake did not produce a connection"
				}
				return ""
			},
			run: o.runToolAnalysis,
		},
		{
			id:          check.PhaseInteraction,
			name:        "Interaction",
			description: "Agentic end-to-end prompts against the live server",
			skip: func() string {
				if !o.cfg.Phases.Interaction {
					return "disabled in configuration"
				}
				if o.conn == nil {
					return "handshake did not produce a connection"
				}
				if len(o.cfg.Interaction.Prompts) == 0 {
					return "no prompts configured"
				}
				return ""
			},
			run: o.runInteraction,
		},
	}
}

// Run executes the pipeline and returns the finalized report. Phase failures
// are reported through the report, not the error; a non-nil error means the
// run itself could not complete (for example the report could not be
// written).
func (o *Orchestrator) Run(ctx context.Context) (*check.Report, error) {
	report := &check.Report{
		ServerName: o.cfg.Server.Name,
		ServerURL:  o.cfg.Server.URL,
		StartTime:  o.now(),
	}

	o.logger.Info("starting conformance run",
		zap.String("run_id", o.runID),
		zap.String("server", o.cfg.Server.URL))

	o.runPhases(ctx, report, o.phases())
	report.Finalize(o.now())

	o.logger.Info("conformance run finished",
		zap.String("status", string(report.OverallStatus)),
		zap.Int("checks", report.Summary.Total()),
		zap.Int("failures", report.Summary.Failure))

	if path := o.cfg.Output.ReportPath; path != "" {
		if err := report.WriteFile(path); err != nil {
			return report, err
		}
		o.logger.Info("report written", zap.String("path", path))
	}
	return report, nil
}

// runPhases executes the given phases in order. Cleanups run in reverse
// order once every phase has been visited, even when a phase fails; cleanup
// errors are logged and swallowed.
func (o *Orchestrator) runPhases(ctx context.Context, report *check.Report, phases []phaseSpec) {
	var cleanups []func() error
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				o.logger.Warn("cleanup failed", zap.Error(err))
			}
		}
	}()

	for _, ph := range phases {
		if reason := ph.skip(); reason != "" {
			o.logger.Info("skipping phase",
				zap.String("phase", string(ph.id)), zap.String("reason", reason))
			report.AddPhase(o.skippedPhase(ph, reason))
			continue
		}

		o.logger.Info("running phase", zap.String("phase", string(ph.id)))
		rec := check.NewRecorder(o.observer)
		start := o.now()

		cleanup, err := ph.run(ctx, rec)
		if cleanup != nil {
			cleanups = append(cleanups, cleanup)
		}
		if err != nil {
			// Phases record their own failures; an error on top of that
			// means something the phase could not attribute to a check.
			rec.Failure(string(ph.id)+".phase", ph.name,
				"Phase completed", err.Error(), nil)
		}

		end := o.now()
		report.AddPhase(check.PhaseResult{
			Phase:       ph.id,
			Name:        ph.name,
			Description: ph.description,
			StartTime:   start,
			EndTime:     end,
			DurationMs:  end.Sub(start).Milliseconds(),
			Checks:      rec.Checks(),
			Summary:     rec.Summarize(),
		})
	}
}

// skippedPhase produces the explicit report entry for a phase that did not
// run, with a single SKIPPED check naming the reason.
func (o *Orchestrator) skippedPhase(ph phaseSpec, reason string) check.PhaseResult {
	now := o.now()
	skip := check.Check{
		ID:          string(ph.id) + ".skipped",
		Name:        ph.name,
		Description: "Phase skipped: " + reason,
		Status:      check.StatusSkipped,
		Timestamp:   now,
	}
	result := check.PhaseResult{
		Phase:       ph.id,
		Name:        ph.name,
		Description: ph.description,
		StartTime:   now,
		EndTime:     now,
		Checks:      []check.Check{skip},
	}
	result.Summary.Add(check.Summary{Skipped: 1})
	return result
}
