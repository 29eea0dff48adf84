package domain

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// KindError is implemented by errors that already know their ErrorKind,
// e.g. HTTP status errors built from a provider response.
type KindError interface {
	error
	Kind() ErrorKind
}

// ClassifyError maps an arbitrary error raised by a provider call to an
// ErrorKind so upstream aggregation can treat failures uniformly
// regardless of which provider raised them. Typed kinds and sentinels
// are checked first; the substring table mirrors the error envelopes of
// the supported platforms.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke KindError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorKindServiceUnavailable
	case errors.Is(err, ErrRateLimited):
		return ErrorKindRateLimitExceeded
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrUpstreamTimeout):
		return ErrorKindServiceUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "insufficient quota", "insufficient_quota", "quota exceeded", "balance"):
		return ErrorKindInsufficientQuota
	case containsAny(msg, "invalid api key", "invalid_api_key", "incorrect api key", "authentication", "unauthorized"):
		return ErrorKindInvalidAPIKey
	case containsAny(msg, "content safety", "content_filter", "sensitive", "data_inspection_failed"):
		return ErrorKindContentSafety
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "frequency", "429"):
		return ErrorKindRateLimitExceeded
	case containsAny(msg, "timeout", "deadline exceeded", "connection refused", "connection reset", "no such host"):
		return ErrorKindServiceUnavailable
	case containsAny(msg, "internal server error", "server error", "bad gateway", "status 5"):
		return ErrorKindServerError
	default:
		return ErrorKindUnknown
	}
}

// ClassifyStatus maps an HTTP status code to an ErrorKind. 2xx codes
// classify to the empty kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindInvalidAPIKey
	case status == http.StatusPaymentRequired:
		return ErrorKindInsufficientQuota
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimitExceeded
	case status >= 500:
		return ErrorKindServerError
	default:
		return ErrorKindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
