package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-dispatch/internal/domain"
)

// RetryStrategy selects how the delay grows between attempts.
type RetryStrategy string

const (
	// StrategyFixed waits the base delay before every retry.
	StrategyFixed RetryStrategy = "fixed"
	// StrategyLinear waits base * attempt.
	StrategyLinear RetryStrategy = "linear"
	// StrategyExponential waits base * 2^(attempt-1).
	StrategyExponential RetryStrategy = "exponential"
)

// RetryPolicy describes retry behavior for a single wrapped call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    RetryStrategy
	// Jitter scales each delay by a uniform factor in [0.5, 1.0] to avoid
	// thundering-herd retries across many concurrent callers.
	Jitter bool
	// RetryableKinds are the only failure kinds that trigger a retry;
	// everything else aborts immediately.
	RetryableKinds map[domain.ErrorKind]bool
}

// DefaultRetryPolicy returns the standard policy for provider calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Strategy:    StrategyExponential,
		Jitter:      true,
		RetryableKinds: map[domain.ErrorKind]bool{
			domain.ErrorKindServerError:        true,
			domain.ErrorKindServiceUnavailable: true,
		},
	}
}

// Delay computes the wait before retry number attempt (1-based), clamped
// to MaxDelay. Jitter is applied by the handler, not here, so the
// deterministic part stays testable.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyFixed:
		d = p.BaseDelay
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		d = p.BaseDelay << (attempt - 1)
	default:
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// RetryHandler wraps a single call with a backoff policy and
// kind-based retry eligibility.
type RetryHandler struct {
	policy RetryPolicy
	// overrides holds kind-specific policies for the smart variant, e.g.
	// rate-limit errors get more attempts with a larger base delay.
	overrides map[domain.ErrorKind]RetryPolicy

	mu   sync.Mutex
	rand *rand.Rand
	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryHandler creates a handler with the given base policy.
func NewRetryHandler(policy RetryPolicy) *RetryHandler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &RetryHandler{
		policy:    policy,
		overrides: make(map[domain.ErrorKind]RetryPolicy),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter does not need crypto randomness
		sleep:     sleepCtx,
	}
}

// WithOverride registers a kind-specific policy used by ExecuteSmart.
func (h *RetryHandler) WithOverride(kind domain.ErrorKind, policy RetryPolicy) *RetryHandler {
	h.overrides[kind] = policy
	return h
}

// Execute attempts op up to MaxAttempts times. The returned error is the
// one from the final attempt; a non-retryable failure aborts after the
// attempt that produced it.
func (h *RetryHandler) Execute(ctx context.Context, op func() error) error {
	return h.execute(ctx, h.policy, op)
}

// ExecuteSmart selects the policy registered for the caller-supplied
// error-category hint, falling back to the base policy. The base policy
// is untouched once the call completes.
func (h *RetryHandler) ExecuteSmart(ctx context.Context, hint domain.ErrorKind, op func() error) error {
	policy := h.policy
	if override, ok := h.overrides[hint]; ok {
		policy = override
	}
	return h.execute(ctx, policy, op)
}

// execute runs the retry loop. When a failure kind has a registered
// override, the loop switches to that policy for the remaining attempts,
// e.g. rate-limit failures back off on a gentler schedule than 5xxs.
func (h *RetryHandler) execute(ctx context.Context, policy RetryPolicy, op func() error) error {
	var lastErr error
	switched := false
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := policy.Delay(attempt - 1)
			if policy.Jitter {
				d = h.jitter(d)
			}
			slog.Debug("waiting before retry",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", policy.MaxAttempts),
				slog.Duration("delay", d))
			if err := h.sleep(ctx, d); err != nil {
				return err
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		kind := domain.ClassifyError(lastErr)
		if override, ok := h.overrides[kind]; ok && !switched {
			policy = override
			switched = true
			slog.Debug("switching to kind-specific retry policy",
				slog.String("error_kind", string(kind)))
		}
		if !policy.RetryableKinds[kind] {
			slog.Debug("error kind not retryable, aborting",
				slog.String("error_kind", string(kind)),
				slog.Int("attempt", attempt))
			return lastErr
		}
		slog.Warn("attempt failed, will retry",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.String("error_kind", string(kind)),
			slog.Any("error", lastErr))
	}
	return lastErr
}

// jitter scales d by a uniform random factor in [0.5, 1.0].
func (h *RetryHandler) jitter(d time.Duration) time.Duration {
	h.mu.Lock()
	f := 0.5 + h.rand.Float64()*0.5
	h.mu.Unlock()
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
