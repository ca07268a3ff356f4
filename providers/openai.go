// Package providers contains ProviderCaller implementations: an adapter
// for OpenAI-compatible chat APIs and a scriptable mock for tests.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentforge/agentrun/core"
)

// OpenAICompatConfig configures the OpenAI-compatible adapter.
type OpenAICompatConfig struct {
	// BaseURLs overrides the endpoint per provider. Unset providers use
	// the defaults below; an empty string means the library default
	// (api.openai.com).
	BaseURLs map[core.Provider]string

	// MaxOutputTokens caps completion length. Default: 4096.
	MaxOutputTokens int

	// Timeout per request. Default: 120s.
	Timeout time.Duration

	// Logger is optional.
	Logger core.Logger
}

// defaultBaseURLs lists the providers that speak the OpenAI chat API.
// Anthropic and Google have their own wire formats and need their own
// adapters; calls for them fail terminally here.
var defaultBaseURLs = map[core.Provider]string{
	core.ProviderOpenAI:     "",
	core.ProviderGroq:       "https://api.groq.com/openai/v1",
	core.ProviderXAI:        "https://api.x.ai/v1",
	core.ProviderPerplexity: "https://api.perplexity.ai",
}

// OpenAICompat implements core.ProviderCaller against any provider that
// exposes the OpenAI chat-completions API, selected by base URL.
type OpenAICompat struct {
	config OpenAICompatConfig
	logger core.Logger
}

// NewOpenAICompat creates the adapter.
func NewOpenAICompat(config *OpenAICompatConfig) *OpenAICompat {
	cfg := OpenAICompatConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OpenAICompat{config: cfg, logger: logger}
}

func (a *OpenAICompat) baseURL(provider core.Provider) (string, bool) {
	if a.config.BaseURLs != nil {
		if url, ok := a.config.BaseURLs[provider]; ok {
			return url, true
		}
	}
	url, ok := defaultBaseURLs[provider]
	return url, ok
}

// Call executes one chat completion against the requested provider.
func (a *OpenAICompat) Call(ctx context.Context, req core.CallRequest) (*core.CallResult, error) {
	baseURL, ok := a.baseURL(req.Provider)
	if !ok {
		return nil, core.NewTerminalProviderError(req.Provider, core.ProviderErrUnsupportedModel,
			fmt.Sprintf("provider %s does not speak the OpenAI-compatible API", req.Provider))
	}

	clientConfig := openai.DefaultConfig(req.Credential)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	callCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens: a.config.MaxOutputTokens,
	})
	if err != nil {
		classified := a.classify(req.Provider, err)
		a.logger.Warn("Provider request failed", map[string]interface{}{
			"operation":   "provider_request",
			"provider":    string(req.Provider),
			"model":       req.Model,
			"duration_ms": time.Since(start).Milliseconds(),
			"error":       classified.Error(),
		})
		return nil, classified
	}

	if len(resp.Choices) == 0 {
		return nil, core.NewTransientProviderError(req.Provider, core.ProviderErrInternal, "no choices returned")
	}

	return &core.CallResult{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classify maps API failures onto the transient/terminal taxonomy the
// retry caller keys on.
func (a *OpenAICompat) classify(provider core.Provider, err error) *core.ProviderError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.NewTransientProviderError(provider, core.ProviderErrUnavailable, err.Error())
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return core.NewTerminalProviderError(provider, core.ProviderErrAuth, apiErr.Message)
		case apiErr.Type == "insufficient_quota" || strings.Contains(apiErr.Message, "quota"):
			return core.NewTerminalProviderError(provider, core.ProviderErrQuota, apiErr.Message)
		case apiErr.HTTPStatusCode == 404 || strings.Contains(apiErr.Message, "model"):
			return core.NewTerminalProviderError(provider, core.ProviderErrUnsupportedModel, apiErr.Message)
		case apiErr.HTTPStatusCode == 429:
			return core.NewTransientProviderError(provider, core.ProviderErrRateLimited, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return core.NewTransientProviderError(provider, core.ProviderErrUnavailable, apiErr.Message)
		}
	}

	return core.NewTransientProviderError(provider, core.ProviderErrInternal, err.Error())
}
