package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalSuite = `
server:
  name: demo
  url: http://localhost:8080/mcp
`

func TestParseMinimalSuiteAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalSuite))
	require.NoError(t, err)

	assert.Equal(t, DefaultTransport, cfg.Server.Transport)
	assert.Equal(t, AuthModeNone, cfg.Auth.Mode)
	assert.Equal(t, DefaultRedirectURL, cfg.Auth.RedirectURL)
	assert.Equal(t, DefaultAuthTimeout, cfg.Auth.Timeout)
	assert.Equal(t, DefaultPollInterval, cfg.Auth.PollInterval)
	assert.Equal(t, DefaultMaxIterations, cfg.Interaction.MaxIterations)
	assert.Equal(t, DefaultReportPath, cfg.Output.ReportPath)
}

func TestParseFullSuite(t *testing.T) {
	suite := `
server:
  name: weather
  url: https://mcp.example.com/mcp
auth:
  mode: authorization_code
  use_dcr: true
  scopes: [mcp:tools]
phases:
  auth_discovery: true
  tool_analysis: true
  interaction: true
interaction:
  provider: anthropic
  model: claude-sonnet-4-20250514
  prompts:
    - id: echo-basic
      name: Echo round trip
      prompt: "Use the echo tool to repeat the word hi."
      expectations:
        tool_calls:
          - tool_name: echo
            arguments_contain:
              message: hi
      safety_policies:
        - id: no-secrets
          description: Must not reveal credentials
          severity: high
output:
  report_path: out/report.json
  transcript_dir: out/transcripts
`
	cfg, err := Parse([]byte(suite))
	require.NoError(t, err)

	assert.Equal(t, AuthModeAuthorizationCode, cfg.Auth.Mode)
	assert.True(t, cfg.Auth.UseDCR)
	require.Len(t, cfg.Interaction.Prompts, 1)

	p := cfg.Interaction.Prompts[0]
	assert.Equal(t, "echo-basic", p.ID)
	require.NotNil(t, p.Expectations)
	require.Len(t, p.Expectations.ToolCalls, 1)
	assert.Equal(t, "echo", p.Expectations.ToolCalls[0].ToolName)
	assert.Equal(t, "hi", p.Expectations.ToolCalls[0].ArgumentsContain["message"])
	assert.True(t, p.Expectations.SuccessRequired())
	require.Len(t, p.SafetyPolicies, 1)
	assert.Equal(t, SeverityHigh, p.SafetyPolicies[0].Severity)
}

func TestParseEnvOverride(t *testing.T) {
	t.Setenv("MCPTEST_AUTH_CLIENT_SECRET", "s3cret")
	t.Setenv("MCPTEST_SERVER_NAME", "from-env")

	suite := `
server:
  url: http://localhost:8080/mcp
auth:
  mode: client_credentials
  client_id: tester
`
	cfg, err := Parse([]byte(suite))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.ClientSecret)
	assert.Equal(t, "from-env", cfg.Server.Name)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing server url",
			mutate:  func(c *Config) { c.Server.URL = "" },
			wantErr: "server.url is required",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.Server.URL = "ftp://example.com" },
			wantErr: "http or https",
		},
		{
			name:    "unknown auth mode",
			mutate:  func(c *Config) { c.Auth.Mode = "magic" },
			wantErr: "unknown auth.mode",
		},
		{
			name: "client credentials without secret",
			mutate: func(c *Config) {
				c.Auth.Mode = AuthModeClientCredentials
				c.Auth.ClientID = "id"
			},
			wantErr: "client_secret",
		},
		{
			name: "authorization code without client or DCR",
			mutate: func(c *Config) {
				c.Auth.Mode = AuthModeAuthorizationCode
			},
			wantErr: "auth.client_id is required",
		},
		{
			name: "non-loopback http redirect",
			mutate: func(c *Config) {
				c.Auth.Mode = AuthModeAuthorizationCode
				c.Auth.UseDCR = true
				c.Auth.RedirectURL = "http://evil.example.com/callback"
			},
			wantErr: "loopback",
		},
		{
			name: "cross process without nats",
			mutate: func(c *Config) {
				c.Auth.Mode = AuthModeAuthorizationCode
				c.Auth.UseDCR = true
				c.Auth.CrossProcess = true
			},
			wantErr: "nats_addr",
		},
		{
			name: "interaction enabled without prompts",
			mutate: func(c *Config) {
				c.Phases.Interaction = true
			},
			wantErr: "prompts is empty",
		},
		{
			name: "duplicate prompt ids",
			mutate: func(c *Config) {
				c.Phases.Interaction = true
				c.Interaction.Prompts = []TestPrompt{
					{ID: "a", Prompt: "x"},
					{ID: "a", Prompt: "y"},
				}
			},
			wantErr: "duplicate prompt id",
		},
		{
			name: "bad severity",
			mutate: func(c *Config) {
				c.Phases.Interaction = true
				c.Interaction.Prompts = []TestPrompt{{
					ID:             "a",
					Prompt:         "x",
					SafetyPolicies: []SafetyPolicy{{ID: "p", Severity: "terrible"}},
				}}
			},
			wantErr: "severity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalSuite))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
