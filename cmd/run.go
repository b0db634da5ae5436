package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/check"
	"github.com/tobinsouth/mcp-test/internal/config"
	"github.com/tobinsouth/mcp-test/internal/llm"
	"github.com/tobinsouth/mcp-test/internal/runner"
	"github.com/tobinsouth/mcp-test/internal/session"
)

var (
	runConfigPath string
	runWarnAsFail bool
	runRunID      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the test suite against an MCP server",
	Long: `Run loads a suite configuration, executes the pipeline phases against
the configured server, writes the JSON report, and exits with a code
reflecting the verdict.

When auth.cross_process is set, the authorization callback is received by a
separate "mcp-test callback" process sharing the same NATS-backed session
store; this process prints the authorization URL and polls for the result.`,
	RunE: runSuite,
}

func runSuite(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := runner.Options{
		Config:   cfg,
		Logger:   logger,
		RunID:    runRunID,
		Observer: printCheck,
		URLSink: func(authURL string) {
			fmt.Printf("\nAuthorize this run by opening:\n\n  %s\n\n", authURL)
		},
	}

	if cfg.Auth.CrossProcess {
		store, err := session.NewNATSStore(cfg.Auth.NATSAddr, logger)
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		defer store.Close()
		opts.Store = store
	} else {
		opts.Store = session.NewMemoryStore()
	}

	if cfg.Phases.Interaction && len(cfg.Interaction.Prompts) > 0 {
		model, err := llm.New(cfg.Interaction.Provider, cfg.Interaction.Model, cfg.Interaction.APIKey)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		opts.Model = model
		opts.Judge = model
		if cfg.Interaction.JudgeModel != "" && cfg.Interaction.JudgeModel != cfg.Interaction.Model {
			judge, err := llm.New(cfg.Interaction.Provider, cfg.Interaction.JudgeModel, cfg.Interaction.APIKey)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			opts.Judge = judge
		}
	}

	orch := runner.New(opts)
	logger.Info("run id assigned", zap.String("run_id", orch.RunID()))

	report, err := orch.Run(ctx)
	if err != nil {
		return &exitError{code: exitRuntime, err: err}
	}

	printSummary(report)

	switch report.OverallStatus {
	case check.OverallFail:
		return &exitError{code: exitFailed}
	case check.OverallWarn:
		if runWarnAsFail {
			return &exitError{code: exitFailed}
		}
	}
	return nil
}

// printCheck is the live progress line for each recorded check.
func printCheck(c check.Check) {
	marker := map[check.Status]string{
		check.StatusSuccess: "✓",
		check.StatusFailure: "✗",
		check.StatusWarning: "!",
		check.StatusSkipped: "-",
		check.StatusInfo:    "i",
	}[c.Status]
	line := fmt.Sprintf("  %s %s", marker, c.Name)
	if c.ErrorMessage != "" {
		line += ": " + c.ErrorMessage
	}
	fmt.Println(line)
}

func printSummary(report *check.Report) {
	fmt.Printf("\n%s: %s\n", report.ServerName, report.OverallStatus)
	fmt.Printf("  %d checks: %d passed, %d failed, %d warnings, %d skipped, %d info\n",
		report.Summary.Total(), report.Summary.Success, report.Summary.Failure,
		report.Summary.Warning, report.Summary.Skipped, report.Summary.Info)
	fmt.Printf("  duration: %dms\n", report.DurationMs)
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "mcp-test.yaml", "Path to the suite configuration file")
	runCmd.Flags().BoolVar(&runWarnAsFail, "warn-as-fail", false, "Exit non-zero when the overall status is WARN")
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "Run identifier for cross-process authorization (generated when empty)")
	rootCmd.AddCommand(runCmd)
}
