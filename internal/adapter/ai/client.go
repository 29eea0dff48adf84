package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/llm-dispatch/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/llm-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatch/internal/domain"
	"github.com/fairyhunter13/llm-dispatch/internal/resilience"
)

const chatCompletionsPath = "/chat/completions"

// ChatClient is the OpenAI-compatible chat adapter. Every supported
// platform exposes this dialect behind its base URL, so one client type
// covers all of them; per-platform differences live entirely in the
// WrapperConfig (base URL, auth, rate budget).
//
// The resilience layering is retry outermost, breaker inside it: each
// retry attempt passes breaker admission again, so an endpoint that
// trips mid-retry fails the remaining attempts fast.
type ChatClient struct {
	wrapper *RequestWrapper
	breaker *resilience.CircuitBreaker
	retrier *resilience.RetryHandler
	counter *tokencount.Counter

	platform domain.Provider
	model    string
}

// NewChatClient builds a provider client for one (platform, model) pair.
// A nil counter disables usage estimation when the provider omits it.
func NewChatClient(wrapper *RequestWrapper, breaker *resilience.CircuitBreaker, retrier *resilience.RetryHandler, counter *tokencount.Counter) *ChatClient {
	return &ChatClient{
		wrapper:  wrapper,
		breaker:  breaker,
		retrier:  retrier,
		counter:  counter,
		platform: wrapper.cfg.Platform,
		model:    wrapper.cfg.Model,
	}
}

// Model returns the model ID this client dispatches to.
func (c *ChatClient) Model() string { return c.model }

// Platform returns the platform name.
func (c *ChatClient) Platform() string { return string(c.platform) }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type chatResponse struct {
	ID      string            `json:"id"`
	Choices []chatChoice      `json:"choices"`
	Usage   *tokencount.Usage `json:"usage"`
	Error   *chatError        `json:"error"`
}

// SendPrompt issues one chat completion with retry and circuit breaking
// applied. On failure it returns an error classifiable via
// domain.ClassifyError; the normalized AIResponse is only populated on
// success.
func (c *ChatClient) SendPrompt(ctx context.Context, prompt string, opts domain.PromptOptions) (domain.AIResponse, error) {
	msgs := make([]chatMessage, 0, 2)
	if opts.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=ai.SendPrompt marshal: %w", err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var raw *Response
	callErr := c.retrier.Execute(ctx, func() error {
		r, sendErr := c.wrapper.SendWithResilience(ctx, c.breaker, http.MethodPost, chatCompletionsPath, payload)
		if sendErr != nil {
			return sendErr
		}
		raw = r
		return nil
	})
	if callErr != nil {
		return domain.AIResponse{}, callErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw.Body, &parsed); err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=ai.SendPrompt decode %s response: %w", c.platform, err)
	}
	// Some platforms report failures in an error envelope under a 200.
	if parsed.Error != nil {
		return domain.AIResponse{}, &StatusError{
			StatusCode: raw.StatusCode,
			ErrKind:    domain.ClassifyError(fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message)),
			Snippet:    parsed.Error.Message,
		}
	}
	if len(parsed.Choices) == 0 {
		return domain.AIResponse{}, fmt.Errorf("op=ai.SendPrompt %s: response has no choices", c.platform)
	}

	content := parsed.Choices[0].Message.Content
	tokens := 0
	if parsed.Usage != nil {
		tokens = parsed.Usage.TotalTokens
	} else if c.counter != nil {
		tokens = c.counter.EstimateUsage(opts.SystemPrompt, prompt, content, c.model).TotalTokens
	}
	observability.AITokensUsed.WithLabelValues(string(c.platform), c.model).Add(float64(tokens))

	return domain.AIResponse{
		Success:    true,
		Content:    content,
		Model:      c.model,
		Platform:   string(c.platform),
		TokensUsed: tokens,
		Latency:    raw.Elapsed,
		Metadata: map[string]any{
			"finish_reason":       parsed.Choices[0].FinishReason,
			"provider_request_id": raw.RequestID,
			"response_id":         parsed.ID,
		},
	}, nil
}

// failureFromError converts a provider-call error into the structured
// failure AIResponse the executor aggregates.
func failureFromError(platform, model string, err error) domain.AIResponse {
	return domain.FailureResponse(platform, model, domain.ClassifyError(err), err.Error())
}

var _ domain.ProviderClient = (*ChatClient)(nil)
