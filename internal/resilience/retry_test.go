package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-dispatch/internal/domain"
)

func newTestRetryHandler(policy RetryPolicy) (*RetryHandler, *[]time.Duration) {
	h := NewRetryHandler(policy)
	var slept []time.Duration
	h.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return h, &slept
}

func TestRetryHandler_SucceedsAfterTransientFailures(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Jitter = false
	h, slept := newTestRetryHandler(policy)

	attempts := 0
	err := h.Execute(context.Background(), func() error {
		attempts++
		if attempts <= 2 {
			return errServer
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "k failures then success makes exactly k+1 attempts")
	assert.Len(t, *slept, 2)
}

func TestRetryHandler_NonRetryableAbortsImmediately(t *testing.T) {
	h, slept := newTestRetryHandler(DefaultRetryPolicy())

	authErr := errors.New("invalid api key for qwen")
	attempts := 0
	err := h.Execute(context.Background(), func() error {
		attempts++
		return authErr
	})
	require.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *slept)
}

func TestRetryHandler_ExhaustsAttempts(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = 4
	policy.Jitter = false
	h, slept := newTestRetryHandler(policy)

	attempts := 0
	err := h.Execute(context.Background(), func() error {
		attempts++
		return errServer
	})
	require.ErrorIs(t, err, errServer)
	assert.Equal(t, 4, attempts)
	assert.Len(t, *slept, 3)
}

func TestRetryPolicy_Delay(t *testing.T) {
	base := RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

	t.Run("fixed", func(t *testing.T) {
		p := base
		p.Strategy = StrategyFixed
		assert.Equal(t, 2*time.Second, p.Delay(1))
		assert.Equal(t, 2*time.Second, p.Delay(5))
	})

	t.Run("linear", func(t *testing.T) {
		p := base
		p.Strategy = StrategyLinear
		assert.Equal(t, 2*time.Second, p.Delay(1))
		assert.Equal(t, 6*time.Second, p.Delay(3))
		assert.Equal(t, 30*time.Second, p.Delay(20), "clamped to max delay")
	})

	t.Run("exponential", func(t *testing.T) {
		p := base
		p.Strategy = StrategyExponential
		assert.Equal(t, 2*time.Second, p.Delay(1))
		assert.Equal(t, 4*time.Second, p.Delay(2))
		assert.Equal(t, 8*time.Second, p.Delay(3))
		assert.Equal(t, 30*time.Second, p.Delay(10), "clamped to max delay")
	})
}

func TestRetryHandler_JitterStaysWithinBounds(t *testing.T) {
	h := NewRetryHandler(DefaultRetryPolicy())
	d := 10 * time.Second
	for i := 0; i < 200; i++ {
		j := h.jitter(d)
		assert.GreaterOrEqual(t, j, 5*time.Second)
		assert.LessOrEqual(t, j, 10*time.Second)
	}
}

func TestRetryHandler_SmartVariant(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = 2
	policy.Jitter = false

	rateLimitPolicy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Second,
		MaxDelay:    60 * time.Second,
		Strategy:    StrategyLinear,
		RetryableKinds: map[domain.ErrorKind]bool{
			domain.ErrorKindRateLimitExceeded: true,
			domain.ErrorKindServerError:       true,
		},
	}
	h, slept := newTestRetryHandler(policy)
	h.WithOverride(domain.ErrorKindRateLimitExceeded, rateLimitPolicy)

	t.Run("hint selects the override policy", func(t *testing.T) {
		*slept = nil
		attempts := 0
		err := h.ExecuteSmart(context.Background(), domain.ErrorKindRateLimitExceeded, func() error {
			attempts++
			return errors.New("rate limit reached, slow down")
		})
		require.Error(t, err)
		assert.Equal(t, 5, attempts)
		require.Len(t, *slept, 4)
		assert.Equal(t, 10*time.Second, (*slept)[0])
		assert.Equal(t, 20*time.Second, (*slept)[1])
	})

	t.Run("base policy is restored after a smart call", func(t *testing.T) {
		attempts := 0
		err := h.Execute(context.Background(), func() error {
			attempts++
			return errServer
		})
		require.Error(t, err)
		assert.Equal(t, 2, attempts, "default policy still applies")
	})
}

func TestRetryHandler_SwitchesToOverrideOnObservedKind(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = 3
	policy.Jitter = false

	rateLimitPolicy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		MaxDelay:    60 * time.Second,
		Strategy:    StrategyFixed,
		RetryableKinds: map[domain.ErrorKind]bool{
			domain.ErrorKindRateLimitExceeded: true,
		},
	}
	h, slept := newTestRetryHandler(policy)
	h.WithOverride(domain.ErrorKindRateLimitExceeded, rateLimitPolicy)

	// Rate-limit failures are not retryable under the base policy, but
	// once observed the loop adopts the override and backs off gently.
	attempts := 0
	err := h.Execute(context.Background(), func() error {
		attempts++
		return errors.New("rate limit reached for qwen")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	require.Len(t, *slept, 2)
	assert.Equal(t, 30*time.Second, (*slept)[0])
	assert.Equal(t, 30*time.Second, (*slept)[1])
}

func TestRetryHandler_ContextCancellationAbortsWait(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.BaseDelay = time.Hour
	h := NewRetryHandler(policy)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := h.Execute(ctx, func() error { return errServer })
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
