// Package cmd wires the CLI surface: the run pipeline, the out-of-band
// callback receiver, and housekeeping commands.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes. A failed suite is distinguishable from broken configuration
// and from the tool itself breaking.
const (
	exitOK      = 0
	exitFailed  = 1
	exitConfig  = 2
	exitRuntime = 3
)

var (
	version = "dev"

	verbose bool
	logJSON bool
	logger  *zap.Logger
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "mcp-test",
	Short: "Conformance and behavior testing for MCP servers",
	Long: `mcp-test runs a declarative test suite against an MCP (Model Context
Protocol) server: it probes the server's OAuth discovery surface, performs
the protocol handshake (driving the full OAuth 2.1 authorization flow when
the server demands it), statically analyzes the advertised tools, and
optionally lets an LLM exercise the server end to end with scripted prompts.

Every observation is recorded as a check and aggregated into a JSON report.
The process exit code reflects the verdict: 0 when all checks pass, 1 when
any check fails, 2 for configuration errors, and 3 when the run itself
breaks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger()
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the CLI and exits the process with the appropriate code.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	var xe *exitError
	if errors.As(err, &xe) {
		if xe.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", xe.err)
		}
		os.Exit(xe.code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitRuntime)
}

// SetVersion sets the version reported by the CLI, injected at build time.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func newLogger() (*zap.Logger, error) {
	var cfg zap.Config
	if logJSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON instead of console output")
}
