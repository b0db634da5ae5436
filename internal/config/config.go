// Package config defines the typed test-suite configuration and its loader.
package config

import (
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
)

// Auth modes accepted in the suite file.
const (
	AuthModeNone              = "none"
	AuthModeClientCredentials = "client_credentials"
	AuthModeAuthorizationCode = "authorization_code"
)

// LLM providers accepted in the suite file.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Severity levels for safety policies.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Config is the fully validated suite configuration. The orchestrator never
// sees a config that failed Validate.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Auth        AuthConfig        `koanf:"auth"`
	Phases      PhasesConfig      `koanf:"phases"`
	Interaction InteractionConfig `koanf:"interaction"`
	Output      OutputConfig      `koanf:"output"`
}

// ServerConfig identifies the MCP server under test.
type ServerConfig struct {
	Name      string            `koanf:"name"`
	URL       string            `koanf:"url"`
	Transport string            `koanf:"transport"`
	Headers   map[string]string `koanf:"headers"`
}

// AuthConfig selects and parameterizes the OAuth flow.
type AuthConfig struct {
	Mode              string        `koanf:"mode"`
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret"`
	Scopes            []string      `koanf:"scopes"`
	RedirectURL       string        `koanf:"redirect_url"`
	UseDCR            bool          `koanf:"use_dcr"`
	RegistrationToken string        `koanf:"registration_token"`
	Interactive       bool          `koanf:"interactive"`
	CrossProcess      bool          `koanf:"cross_process"`
	NATSAddr          string        `koanf:"nats_addr"`
	Keyring           bool          `koanf:"keyring"`
	PreferredAS       string        `koanf:"preferred_auth_server"`
	Timeout           time.Duration `koanf:"timeout"`
	PollInterval      time.Duration `koanf:"poll_interval"`
}

// PhasesConfig toggles optional pipeline phases. The handshake phase always
// runs; everything downstream of a failed handshake is skipped regardless of
// these flags.
type PhasesConfig struct {
	AuthDiscovery bool `koanf:"auth_discovery"`
	ToolAnalysis  bool `koanf:"tool_analysis"`
	Interaction   bool `koanf:"interaction"`
}

// InteractionConfig parameterizes the agentic interaction phase.
type InteractionConfig struct {
	Provider      string       `koanf:"provider"`
	Model         string       `koanf:"model"`
	JudgeModel    string       `koanf:"judge_model"`
	APIKey        string       `koanf:"api_key"`
	MaxIterations int          `koanf:"max_iterations"`
	Prompts       []TestPrompt `koanf:"prompts"`
}

// TestPrompt is one declarative interaction test.
type TestPrompt struct {
	ID             string         `koanf:"id" json:"id"`
	Name           string         `koanf:"name" json:"name"`
	Prompt         string         `koanf:"prompt" json:"prompt"`
	Expectations   *Expectations  `koanf:"expectations" json:"expectations,omitempty"`
	SafetyPolicies []SafetyPolicy `koanf:"safety_policies" json:"safetyPolicies,omitempty"`
}

// Expectations declares what a prompt run must have done to pass.
type Expectations struct {
	ToolCalls        []ExpectedToolCall `koanf:"tool_calls" json:"toolCalls,omitempty"`
	RequireSuccess   *bool              `koanf:"require_success" json:"requireSuccess,omitempty"`
	MaxIterations    int                `koanf:"max_iterations" json:"maxIterations,omitempty"`
	CustomValidation string             `koanf:"custom_validation" json:"customValidation,omitempty"`
}

// SuccessRequired reports whether failed tool calls should fail the
// expectation check. Defaults to true when unset.
func (e *Expectations) SuccessRequired() bool {
	if e == nil || e.RequireSuccess == nil {
		return true
	}
	return *e.RequireSuccess
}

// ExpectedToolCall names a tool that must have been invoked, optionally with
// a partial argument matcher.
type ExpectedToolCall struct {
	ToolName         string         `koanf:"tool_name" json:"toolName"`
	ArgumentsContain map[string]any `koanf:"arguments_contain" json:"argumentsContain,omitempty"`
}

// SafetyPolicy is one declared policy the interaction must not violate.
type SafetyPolicy struct {
	ID          string `koanf:"id" json:"id"`
	Description string `koanf:"description" json:"description"`
	Severity    string `koanf:"severity" json:"severity"`
}

// OutputConfig names the run artifacts.
type OutputConfig struct {
	ReportPath    string `koanf:"report_path"`
	TranscriptDir string `koanf:"transcript_dir"`
}

// Defaults applied by Load before validation.
const (
	DefaultTransport     = "streamable-http"
	DefaultRedirectURL   = "http://localhost:8765/callback"
	DefaultModel         = "claude-sonnet-4-20250514"
	DefaultMaxIterations = 20
	DefaultAuthTimeout   = 5 * time.Minute
	DefaultPollInterval  = 2 * time.Second
	DefaultReportPath    = "mcp-test-report.json"
	DefaultTranscriptDir = "transcripts"
)

func (c *Config) applyDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = DefaultTransport
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeNone
	}
	if c.Auth.RedirectURL == "" {
		c.Auth.RedirectURL = DefaultRedirectURL
	}
	if c.Auth.Timeout <= 0 {
		c.Auth.Timeout = DefaultAuthTimeout
	}
	if c.Auth.PollInterval <= 0 {
		c.Auth.PollInterval = DefaultPollInterval
	}
	if c.Interaction.Provider == "" {
		c.Interaction.Provider = ProviderAnthropic
	}
	if c.Interaction.Model == "" {
		c.Interaction.Model = DefaultModel
	}
	if c.Interaction.JudgeModel == "" {
		c.Interaction.JudgeModel = c.Interaction.Model
	}
	if c.Interaction.MaxIterations <= 0 {
		c.Interaction.MaxIterations = DefaultMaxIterations
	}
	if c.Output.ReportPath == "" {
		c.Output.ReportPath = DefaultReportPath
	}
	if c.Output.TranscriptDir == "" {
		c.Output.TranscriptDir = DefaultTranscriptDir
	}
}

// Validate rejects configurations that cannot produce a meaningful run.
// Errors returned here are configuration errors: surfaced before any phase
// runs and never retried.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	parsed, err := url.Parse(c.Server.URL)
	if err != nil {
		return errors.Wrap(err, "server.url is not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.Newf("server.url must use http or https scheme, got %q", parsed.Scheme)
	}
	if c.Server.Transport != DefaultTransport {
		return errors.Newf("unsupported transport %q (only %q is supported)", c.Server.Transport, DefaultTransport)
	}

	switch c.Auth.Mode {
	case AuthModeNone:
	case AuthModeClientCredentials:
		if c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
			return errors.New("auth.client_id and auth.client_secret are required for client_credentials mode")
		}
	case AuthModeAuthorizationCode:
		if !c.Auth.UseDCR && c.Auth.ClientID == "" {
			return errors.New("auth.client_id is required for authorization_code mode unless auth.use_dcr is set")
		}
		if err := validateRedirectURL(c.Auth.RedirectURL); err != nil {
			return err
		}
		if c.Auth.CrossProcess && c.Auth.NATSAddr == "" {
			return errors.New("auth.nats_addr is required when auth.cross_process is set")
		}
	default:
		return errors.Newf("unknown auth.mode %q", c.Auth.Mode)
	}

	if c.Phases.Interaction {
		if c.Interaction.Provider != ProviderAnthropic && c.Interaction.Provider != ProviderOpenAI {
			return errors.Newf("unknown interaction.provider %q", c.Interaction.Provider)
		}
		if len(c.Interaction.Prompts) == 0 {
			return errors.New("phases.interaction is enabled but interaction.prompts is empty")
		}
		seen := make(map[string]struct{}, len(c.Interaction.Prompts))
		for i, p := range c.Interaction.Prompts {
			if p.ID == "" {
				return errors.Newf("interaction.prompts[%d].id is required", i)
			}
			if p.Prompt == "" {
				return errors.Newf("interaction.prompts[%d].prompt is required", i)
			}
			if _, dup := seen[p.ID]; dup {
				return errors.Newf("duplicate prompt id %q", p.ID)
			}
			seen[p.ID] = struct{}{}
			for _, pol := range p.SafetyPolicies {
				switch pol.Severity {
				case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
				default:
					return errors.Newf("prompt %q: unknown safety policy severity %q", p.ID, pol.Severity)
				}
			}
		}
	}

	return nil
}

// validateRedirectURL enforces the loopback-only rule for plain HTTP
// redirect URIs.
func validateRedirectURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "invalid auth.redirect_url")
	}
	switch parsed.Scheme {
	case "http":
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return errors.Newf("http redirect URLs are only allowed for loopback hosts, got %q", host)
		}
	case "https":
	default:
		return errors.Newf("auth.redirect_url scheme must be http (loopback) or https, got %q", parsed.Scheme)
	}
	return nil
}
