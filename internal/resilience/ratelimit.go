package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Algorithm selects the admission-control accounting model.
type Algorithm string

const (
	// AlgorithmTokenBucket refills tokens continuously and tolerates bursts
	// up to the bucket capacity.
	AlgorithmTokenBucket Algorithm = "token_bucket"
	// AlgorithmSlidingWindow tracks individual call timestamps inside the
	// window for exact accounting.
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	// AlgorithmFixedWindow counts calls per aligned window; cheap but
	// allows a 2x burst across a window boundary.
	AlgorithmFixedWindow Algorithm = "fixed_window"
)

// RateLimiter decides, per caller-supplied key, whether a call may
// proceed within a time window. Implementations are safe for concurrent
// use of the same key.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) bool
}

// tokenBucketLimiter implements RateLimiter with one bucket per key.
type tokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucketLimiter creates a token-bucket rate limiter. Capacity is
// the per-call limit and the refill rate is limit/window.
func NewTokenBucketLimiter() RateLimiter {
	return &tokenBucketLimiter{buckets: make(map[string]*tokenBucket), now: time.Now}
}

func (l *tokenBucketLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{
			tokens:     float64(limit),
			capacity:   float64(limit),
			refillRate: float64(limit) / window.Seconds(),
			lastRefill: now,
		}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// slidingWindowLimiter implements RateLimiter by pruning recorded call
// timestamps older than the window.
type slidingWindowLimiter struct {
	mu         sync.Mutex
	timestamps map[string][]time.Time
	now        func() time.Time
}

// NewSlidingWindowLimiter creates a sliding-window rate limiter.
func NewSlidingWindowLimiter() RateLimiter {
	return &slidingWindowLimiter{timestamps: make(map[string][]time.Time), now: time.Now}
}

func (l *slidingWindowLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)
	ts := l.timestamps[key]
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		l.timestamps[key] = kept
		return false
	}
	l.timestamps[key] = append(kept, now)
	return true
}

// fixedWindowLimiter implements RateLimiter with aligned window counters.
type fixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	now     func() time.Time
}

type fixedWindow struct {
	count       int
	windowStart time.Time
}

// NewFixedWindowLimiter creates a fixed-window rate limiter.
func NewFixedWindowLimiter() RateLimiter {
	return &fixedWindowLimiter{windows: make(map[string]*fixedWindow), now: time.Now}
}

func (l *fixedWindowLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Truncate(window)
	w, ok := l.windows[key]
	if !ok || w.windowStart.Before(start) {
		l.windows[key] = &fixedWindow{count: 1, windowStart: start}
		return true
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// CheckResult is the observability-friendly result of a rate-limit check.
type CheckResult struct {
	Allowed   bool          `json:"allowed"`
	Key       string        `json:"key"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	Algorithm Algorithm     `json:"algorithm"`
}

// RateLimitManager composes the three limiter algorithms and dispatches
// by configured default or per-call override.
type RateLimitManager struct {
	limiters map[Algorithm]RateLimiter
	def      Algorithm

	mu       sync.Mutex
	rejected int64
}

// NewRateLimitManager creates a manager with all three algorithms
// registered and the given default. Unrecognized algorithm names fall
// back to the token bucket.
func NewRateLimitManager(def Algorithm) *RateLimitManager {
	switch def {
	case AlgorithmTokenBucket, AlgorithmSlidingWindow, AlgorithmFixedWindow:
	default:
		if def != "" {
			slog.Warn("unknown default rate limit algorithm, using token bucket",
				slog.String("algorithm", string(def)))
		}
		def = AlgorithmTokenBucket
	}
	return &RateLimitManager{
		limiters: map[Algorithm]RateLimiter{
			AlgorithmTokenBucket:   NewTokenBucketLimiter(),
			AlgorithmSlidingWindow: NewSlidingWindowLimiter(),
			AlgorithmFixedWindow:   NewFixedWindowLimiter(),
		},
		def: def,
	}
}

// IsAllowed checks the key against the default algorithm, or the
// override when one is supplied.
func (m *RateLimitManager) IsAllowed(key string, limit int, window time.Duration, algorithm ...Algorithm) bool {
	algo := m.def
	if len(algorithm) > 0 && algorithm[0] != "" {
		algo = algorithm[0]
	}
	l, ok := m.limiters[algo]
	if !ok {
		slog.Warn("unknown rate limit algorithm, using default",
			slog.String("algorithm", string(algo)),
			slog.String("default", string(m.def)))
		l = m.limiters[m.def]
	}
	allowed := l.Allow(key, limit, window)
	if !allowed {
		m.mu.Lock()
		m.rejected++
		m.mu.Unlock()
	}
	return allowed
}

// CheckRateLimit is the convenience wrapper returning the full decision
// context for logging and the stats endpoint.
func (m *RateLimitManager) CheckRateLimit(key string, limit int, window time.Duration) CheckResult {
	return CheckResult{
		Allowed:   m.IsAllowed(key, limit, window),
		Key:       key,
		Limit:     limit,
		Window:    window,
		Algorithm: m.def,
	}
}

// Stats returns manager-level counters.
func (m *RateLimitManager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"default_algorithm": string(m.def),
		"rejected_total":    m.rejected,
	}
}
