package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"nil error", nil, ""},
		{"circuit open sentinel", fmt.Errorf("doubao/pro: %w", ErrCircuitOpen), ErrorKindServiceUnavailable},
		{"rate limited sentinel", fmt.Errorf("key=qwen: %w", ErrRateLimited), ErrorKindRateLimitExceeded},
		{"context deadline", context.DeadlineExceeded, ErrorKindServiceUnavailable},
		{"insufficient quota", errors.New("error: insufficient quota for this key"), ErrorKindInsufficientQuota},
		{"quota exceeded", errors.New("monthly quota exceeded"), ErrorKindInsufficientQuota},
		{"invalid api key", errors.New("Invalid API key provided"), ErrorKindInvalidAPIKey},
		{"authentication failure", errors.New("authentication failed for account"), ErrorKindInvalidAPIKey},
		{"content safety", errors.New("request blocked: content_filter triggered"), ErrorKindContentSafety},
		{"rate limit text", errors.New("rate limit reached, slow down"), ErrorKindRateLimitExceeded},
		{"frequency text", errors.New("request frequency too high"), ErrorKindRateLimitExceeded},
		{"timeout", errors.New("net/http: request timeout while awaiting headers"), ErrorKindServiceUnavailable},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorKindServiceUnavailable},
		{"server error", errors.New("upstream internal server error"), ErrorKindServerError},
		{"unknown", errors.New("something odd happened"), ErrorKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorKind
	}{
		{200, ""},
		{201, ""},
		{401, ErrorKindInvalidAPIKey},
		{402, ErrorKindInsufficientQuota},
		{403, ErrorKindInvalidAPIKey},
		{429, ErrorKindRateLimitExceeded},
		{500, ErrorKindServerError},
		{502, ErrorKindServerError},
		{503, ErrorKindServerError},
		{400, ErrorKindUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyStatus(tt.status))
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, ErrorKindServerError.Retryable())
	assert.True(t, ErrorKindServiceUnavailable.Retryable())
	assert.False(t, ErrorKindInvalidAPIKey.Retryable())
	assert.False(t, ErrorKindContentSafety.Retryable())
	assert.False(t, ErrorKindInsufficientQuota.Retryable())
	assert.False(t, ErrorKindRateLimitExceeded.Retryable())
	assert.False(t, ErrorKindUnknown.Retryable())
}
