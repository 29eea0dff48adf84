// Package domain defines the core entities and ports of the resilient
// LLM dispatch layer: the error taxonomy, the AIResponse contract that
// crosses the core's boundary, and the provider client port.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCircuitOpen is returned by the circuit breaker fast-fail path. It is
	// a typed result rather than a control-flow exception so callers can
	// distinguish a fast-fail from a genuine provider failure via errors.Is.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRateLimited is returned when the local rate limiter rejects a call
	// before any network traffic is issued.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnknownProvider is returned by ParseProvider for names outside the
	// closed provider set.
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrInternal        = errors.New("internal error")
)

// ErrorKind is the closed set of failure categories used to decide retry
// eligibility and circuit-breaker accounting.
type ErrorKind string

const (
	// ErrorKindInvalidAPIKey indicates an authentication failure; never retried.
	ErrorKindInvalidAPIKey ErrorKind = "invalid_api_key"
	// ErrorKindInsufficientQuota indicates the provider account is out of credits.
	ErrorKindInsufficientQuota ErrorKind = "insufficient_quota"
	// ErrorKindContentSafety indicates the prompt or response was blocked by
	// the provider's content policy; never retried.
	ErrorKindContentSafety ErrorKind = "content_safety"
	// ErrorKindRateLimitExceeded indicates a local or provider-side rate limit.
	ErrorKindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	// ErrorKindServerError indicates a provider-side 5xx failure.
	ErrorKindServerError ErrorKind = "server_error"
	// ErrorKindServiceUnavailable indicates a circuit-open fast fail or a
	// transport-level outage (timeout, connection refused).
	ErrorKindServiceUnavailable ErrorKind = "service_unavailable"
	// ErrorKindUnknown is the catch-all for unclassified failures.
	ErrorKindUnknown ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may be retried.
// InvalidApiKey, ContentSafety and InsufficientQuota are surfaced
// immediately: retrying cannot help and retrying quota or policy
// violations compounds cost.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindServerError, ErrorKindServiceUnavailable:
		return true
	default:
		return false
	}
}

// AIResponse is the contract crossing the core's boundary. It is created
// once per provider call attempt and never mutated afterwards; the
// executor only wraps and forwards it.
type AIResponse struct {
	Success      bool
	Content      string
	ErrorKind    ErrorKind
	ErrorMessage string
	Model        string
	Platform     string
	TokensUsed   int
	Latency      time.Duration
	Metadata     map[string]any
}

// FailureResponse builds a structured failure AIResponse for a model that
// raised an error rather than returning a response.
func FailureResponse(platform, model string, kind ErrorKind, msg string) AIResponse {
	return AIResponse{
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: msg,
		Model:        model,
		Platform:     platform,
	}
}

// ExecutionOutcome pairs a response with the model that actually produced
// it. Constructed once when the redundant race resolves or when all
// candidates are exhausted.
type ExecutionOutcome struct {
	Response  AIResponse
	ModelUsed string
}

// PromptOptions carries per-call tuning for a provider prompt.
type PromptOptions struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

// ProviderClient (port)
//
// One client per (platform, model). Implementations own the provider's
// wire format; the core only inspects the normalized AIResponse. A call
// must eventually produce either an AIResponse or an error classifiable
// into an ErrorKind.
type ProviderClient interface {
	SendPrompt(ctx context.Context, prompt string, opts PromptOptions) (AIResponse, error)
	Model() string
	Platform() string
}
