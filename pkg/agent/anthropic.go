package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicLLMClient implements LLMClient using the Anthropic API.
type AnthropicLLMClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	log       *slog.Logger
}

// NewAnthropicLLMClient creates a new Anthropic-based LLM client. An empty
// apiKey falls back to the SDK's ANTHROPIC_API_KEY lookup. SDK retries are
// disabled since callers apply their own retry policy.
func NewAnthropicLLMClient(log *slog.Logger, apiKey string, model anthropic.Model, maxTokens int64) *AnthropicLLMClient {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &AnthropicLLMClient{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		log:       log,
	}
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}

	system := anthropic.TextBlockParam{Text: systemPrompt}
	if o.CacheSystemPrompt {
		system.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	blocks := []anthropic.TextBlockParam{system}
	if o.JSON {
		// The API has no JSON mode; ask for it after the cached prefix.
		blocks = append(blocks, anthropic.TextBlockParam{Text: "Respond with a single JSON document and nothing else."})
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    blocks,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	duration := time.Since(start)
	if err != nil {
		c.log.Debug("anthropic: API call failed", "duration", duration, "error", err)
		return "", classifyAnthropicError(err)
	}
	c.log.Debug("anthropic: API call completed", "duration", duration, "stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens, "outputTokens", msg.Usage.OutputTokens)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%w: no text content in response", ErrMalformedResponse)
}

// classifyAnthropicError marks client-side API errors as non-retryable.
// Rate limits, overload and server errors stay retryable.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return fmt.Errorf("%w: anthropic API error: %w", ErrNonRetryable, err)
		}
	}
	return fmt.Errorf("anthropic API error: %w", err)
}
