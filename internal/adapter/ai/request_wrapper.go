// Package ai implements the provider adapters: the HTTP request wrapper
// shared by every platform, the OpenAI-compatible chat client, and the
// multi-model redundant executor.
package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/llm-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatch/internal/domain"
	"github.com/fairyhunter13/llm-dispatch/internal/resilience"
)

// StatusError is a non-2xx provider response surfaced as an error so the
// circuit breaker and retry handler can account for it by kind.
type StatusError struct {
	StatusCode int
	ErrKind    domain.ErrorKind
	Snippet    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d (%s): %s", e.StatusCode, e.ErrKind, e.Snippet)
}

// Kind implements domain.KindError.
func (e *StatusError) Kind() domain.ErrorKind { return e.ErrKind }

// newStatusError classifies a failed response into a StatusError. The
// body snippet is bounded so log lines stay readable.
func newStatusError(status int, body []byte) *StatusError {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 512 {
		// Cut on a rune boundary so multibyte provider messages stay
		// valid UTF-8 after truncation.
		cut := 512
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut]
	}
	kind := domain.ClassifyStatus(status)
	// Status alone cannot see quota or content-policy failures hidden
	// behind a 400/429; the body usually can.
	if k := domain.ClassifyError(fmt.Errorf("%s", snippet)); k != domain.ErrorKindUnknown && (kind == domain.ErrorKindUnknown || kind == domain.ErrorKindRateLimitExceeded) {
		kind = k
	}
	return &StatusError{StatusCode: status, ErrKind: kind, Snippet: snippet}
}

// WrapperConfig describes one provider endpoint for the request wrapper.
type WrapperConfig struct {
	Platform domain.Provider
	Model    string
	BaseURL  string
	APIKey   string
	// RateKey is the local rate limiter key; defaults to the platform name
	// so all models of a platform share one budget.
	RateKey    string
	RateLimit  int
	RateWindow time.Duration
	Timeout    time.Duration
	// Headers are merged into every request after the defaults, so callers
	// can override Content-Type or add platform-specific headers.
	Headers map[string]string
	// SharedLimiter is the optional cross-instance Redis bucket, consulted
	// after the local limiter. Nil disables it.
	SharedLimiter *resilience.RedisLuaLimiter
}

// RequestWrapper issues HTTP requests to a single provider endpoint with
// the shared guard rails applied in order: local rate limiter first (a
// rejection costs no network traffic), then the pooled client with its
// transport-level retries. Authentication is injected at construction
// and never appears at call sites.
type RequestWrapper struct {
	cfg     WrapperConfig
	headers map[string]string
	limiter *resilience.RateLimitManager
	pool    *resilience.ConnectionPoolManager
}

// NewRequestWrapper builds a wrapper for one provider endpoint.
func NewRequestWrapper(cfg WrapperConfig, limiter *resilience.RateLimitManager, pool *resilience.ConnectionPoolManager) *RequestWrapper {
	if cfg.RateKey == "" {
		cfg.RateKey = string(cfg.Platform)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &RequestWrapper{cfg: cfg, headers: headers, limiter: limiter, pool: pool}
}

// Response is the raw outcome of a wrapped provider exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	RequestID  string
}

// Send posts payload to the endpoint path and returns the raw response.
// A non-2xx status is not an error here; SendWithResilience layers that
// interpretation on for breaker accounting.
func (w *RequestWrapper) Send(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	requestID := ulid.Make().String()
	log := observability.LoggerFromContext(ctx).With(
		slog.String("platform", string(w.cfg.Platform)),
		slog.String("model", w.cfg.Model),
		slog.String("provider_request_id", requestID),
	)

	if w.limiter != nil && w.cfg.RateLimit > 0 {
		if !w.limiter.IsAllowed(w.cfg.RateKey, w.cfg.RateLimit, w.cfg.RateWindow) {
			observability.RateLimitRejectionsTotal.WithLabelValues(w.cfg.RateKey).Inc()
			observability.AIRequestsTotal.WithLabelValues(string(w.cfg.Platform), w.cfg.Model, "rate_limited").Inc()
			log.Warn("local rate limit rejected call before network",
				slog.String("rate_key", w.cfg.RateKey))
			return nil, fmt.Errorf("%w: key=%s limit=%d window=%s",
				domain.ErrRateLimited, w.cfg.RateKey, w.cfg.RateLimit, w.cfg.RateWindow)
		}
	}
	// The shared bucket errs on the side of availability: a Redis outage
	// never blocks dispatch.
	if allowed, retryAfter, _ := w.cfg.SharedLimiter.Allow(ctx, w.cfg.RateKey, 1); !allowed {
		observability.RateLimitRejectionsTotal.WithLabelValues(w.cfg.RateKey).Inc()
		observability.AIRequestsTotal.WithLabelValues(string(w.cfg.Platform), w.cfg.Model, "rate_limited").Inc()
		log.Warn("shared rate limit rejected call before network",
			slog.String("rate_key", w.cfg.RateKey),
			slog.Duration("retry_after", retryAfter))
		return nil, fmt.Errorf("%w: key=%s shared bucket exhausted, retry after %s",
			domain.ErrRateLimited, w.cfg.RateKey, retryAfter)
	}

	url := strings.TrimSuffix(w.cfg.BaseURL, "/") + path
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("op=ai.Send build request: %w", err)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	client := w.pool.ClientForHost(w.cfg.BaseURL)
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	observability.AIRequestDuration.WithLabelValues(string(w.cfg.Platform), w.cfg.Model).Observe(elapsed.Seconds())
	if err != nil {
		observability.AIRequestsTotal.WithLabelValues(string(w.cfg.Platform), w.cfg.Model, "network_error").Inc()
		log.Error("provider request failed",
			slog.String("url", url),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrUpstreamTimeout, w.cfg.Platform, elapsed)
		}
		return nil, fmt.Errorf("op=ai.Send %s: %w", w.cfg.Platform, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		observability.AIRequestsTotal.WithLabelValues(string(w.cfg.Platform), w.cfg.Model, "network_error").Inc()
		return nil, fmt.Errorf("op=ai.Send read body: %w", err)
	}

	outcome := "ok"
	if resp.StatusCode >= 400 {
		outcome = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	observability.AIRequestsTotal.WithLabelValues(string(w.cfg.Platform), w.cfg.Model, outcome).Inc()
	log.Info("provider request completed",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", elapsed),
		slog.Int("body_bytes", len(body)))

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Elapsed:    elapsed,
		RequestID:  requestID,
	}, nil
}

// SendWithResilience runs Send under the given circuit breaker, turning
// non-2xx statuses into StatusError so the breaker can count them. The
// response is returned alongside the error when one exists, so callers
// can still inspect the failure body.
func (w *RequestWrapper) SendWithResilience(ctx context.Context, cb *resilience.CircuitBreaker, method, path string, payload []byte) (*Response, error) {
	var resp *Response
	err := cb.Execute(func() error {
		r, sendErr := w.Send(ctx, method, path, payload)
		if sendErr != nil {
			return sendErr
		}
		resp = r
		if r.StatusCode >= 400 {
			return newStatusError(r.StatusCode, r.Body)
		}
		return nil
	})
	if err != nil && errors.Is(err, domain.ErrCircuitOpen) {
		observability.CircuitBreakerFastFailsTotal.WithLabelValues(cb.Name()).Inc()
	}
	observability.CircuitBreakerState.WithLabelValues(cb.Name()).Set(float64(cb.State()))
	return resp, err
}
