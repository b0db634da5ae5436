// Package llm provides the model client used to drive interaction tests and
// safety reviews, plus helpers for digging structured output out of model
// replies.
package llm

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// Supported provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Client is the narrow model surface the interaction engine needs. The
// langchaingo providers satisfy it directly; tests substitute a scripted
// implementation.
type Client interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// New builds a Client for the named provider. An empty apiKey defers to the
// provider's environment variable (ANTHROPIC_API_KEY or OPENAI_API_KEY).
func New(provider, model, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(model)}
		if apiKey != "" {
			opts = append(opts, anthropic.WithToken(apiKey))
		}
		client, err := anthropic.New(opts...)
		if err != nil {
			return nil, errors.Wrap(err, "create anthropic client")
		}
		return client, nil
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(model)}
		if apiKey != "" {
			opts = append(opts, openai.WithToken(apiKey))
		}
		client, err := openai.New(opts...)
		if err != nil {
			return nil, errors.Wrap(err, "create openai client")
		}
		return client, nil
	default:
		return nil, errors.Newf("unsupported model provider %q", provider)
	}
}
