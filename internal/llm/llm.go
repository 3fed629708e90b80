// Package llm provides chat completions through an OpenAI-compatible
// endpoint, used for assistant replies and window summarization.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/retry"
)

// Completer generates a completion for an assembled prompt
type Completer interface {
	// Complete returns the model's reply to prompt under the given system
	// instruction. An empty system falls back to the provider default.
	Complete(ctx context.Context, system, prompt string) (string, error)

	// HealthCheck verifies the backing endpoint is reachable
	HealthCheck(ctx context.Context) error
}

// OpenAICompleter implements Completer against an OpenAI-compatible API
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
	logger      logging.Logger
}

// NewOpenAICompleter creates a completer from configuration
func NewOpenAICompleter(cfg *config.OpenAIConfig) (*OpenAICompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.CompletionModel,
		temperature: float32(cfg.Temperature),
		timeout:     timeout,
		logger:      logging.WithComponent("completer"),
	}, nil
}

// Complete sends the prompt as a single user message
func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("completion response is empty")
	}

	c.logger.DebugContext(ctx, "completion generated",
		"model", c.model, "prompt_chars", len(prompt), "reply_chars", len(reply))

	return reply, nil
}

// HealthCheck verifies the endpoint with a minimal completion
func (c *OpenAICompleter) HealthCheck(ctx context.Context) error {
	_, err := c.Complete(ctx, "", "Reply with the single word: ok")
	return err
}

// RetryableCompleter wraps a Completer with retry logic. Exhausted retries
// surface as LLM_UNAVAILABLE.
type RetryableCompleter struct {
	inner   Completer
	retrier *retry.Retrier
	logger  logging.Logger
}

// NewRetryableCompleter wraps a completer with the given attempt budget
func NewRetryableCompleter(inner Completer, maxAttempts int) *RetryableCompleter {
	return &RetryableCompleter{
		inner:   inner,
		retrier: retry.New(retry.ExponentialBackoff(maxAttempts)),
		logger:  logging.WithComponent("completer-retry"),
	}
}

// Complete retries transient failures before giving up
func (r *RetryableCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	var reply string
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		reply, err = r.inner.Complete(ctx, system, prompt)
		return err
	})
	if result.Err != nil {
		r.logger.ErrorContext(ctx, "completion failed after retries",
			"attempts", result.Attempts, "error", result.Err.Error())
		return "", apperrors.Wrap(apperrors.KindLLMUnavailable, "completion service unavailable", result.Err)
	}
	return reply, nil
}

// HealthCheck delegates to the inner completer without retries
func (r *RetryableCompleter) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}
