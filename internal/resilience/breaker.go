// Package resilience implements the guard rails around provider HTTP
// calls: per-endpoint circuit breaking, request rate limiting,
// retry-with-backoff, and pooled HTTP connections.
package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-dispatch/internal/domain"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates the circuit is allowing requests to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the circuit is blocking requests due to failures.
	CircuitOpen
	// CircuitHalfOpen indicates the circuit is probing recovery with limited requests.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls the thresholds of a single circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive expected-kind failures
	// before the circuit trips open.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds probing traffic while half-open.
	HalfOpenMaxCalls int
	// ExpectedKinds are the failure kinds that count toward tripping while
	// the circuit is closed. Failures of other kinds pass through without
	// touching circuit state. The filter does not apply to half-open
	// probes: any failed probe reopens the circuit.
	ExpectedKinds map[domain.ErrorKind]bool
}

// DefaultBreakerConfig returns the looser 5-failure default.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
		ExpectedKinds: map[domain.ErrorKind]bool{
			domain.ErrorKindServerError:        true,
			domain.ErrorKindServiceUnavailable: true,
			domain.ErrorKindRateLimitExceeded:  true,
		},
	}
}

// CircuitBreaker is a per (provider, model) state machine that fails fast
// once an endpoint is judged unhealthy. All state is guarded by a single
// mutex; the guarded operation itself runs outside the lock.
type CircuitBreaker struct {
	mu   sync.Mutex
	name string
	cfg  BreakerConfig

	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	halfOpenCalls   int

	now func() time.Time

	totalRequests int64
	totalFailures int64
	fastFails     int64
}

// NewCircuitBreaker creates a circuit breaker for a provider/model endpoint.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.ExpectedKinds == nil {
		cfg.ExpectedKinds = DefaultBreakerConfig().ExpectedKinds
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: CircuitClosed,
		now:   time.Now,
	}
}

// Execute runs op under the breaker's admission control.
//
// The fast-fail path returns an error wrapping domain.ErrCircuitOpen
// without invoking op, so it never incurs the operation's own timeout
// cost. Callers distinguish the fast fail from a genuine provider
// failure with errors.Is(err, domain.ErrCircuitOpen).
func (cb *CircuitBreaker) Execute(op func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := op()
	cb.record(err)
	return err
}

// admit decides whether a call may proceed and performs any state
// transition the decision implies.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.cfg.RecoveryTimeout {
			cb.fastFails++
			return fmt.Errorf("%w: %s unavailable for %s", domain.ErrCircuitOpen, cb.name, cb.cfg.RecoveryTimeout)
		}
		// Recovery timeout elapsed: move to half-open and let this call
		// through as the first probe.
		cb.state = CircuitHalfOpen
		cb.halfOpenCalls = 1
		slog.Info("circuit breaker transitioning to half-open",
			slog.String("breaker", cb.name),
			slog.Duration("recovery_timeout", cb.cfg.RecoveryTimeout))
		return nil
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			cb.fastFails++
			return fmt.Errorf("%w: %s probing budget exhausted", domain.ErrCircuitOpen, cb.name)
		}
		cb.halfOpenCalls++
		return nil
	default:
		return fmt.Errorf("%w: %s in unknown state", domain.ErrCircuitOpen, cb.name)
	}
}

// record applies the outcome of an admitted call.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failureCount = 0
		if cb.state != CircuitClosed {
			cb.state = CircuitClosed
			cb.halfOpenCalls = 0
			slog.Info("circuit breaker closed after successful recovery",
				slog.String("breaker", cb.name))
		}
		return
	}

	kind := domain.ClassifyError(err)

	switch cb.state {
	case CircuitHalfOpen:
		// Any failed probe reopens the circuit, expected kind or not: the
		// probe slot is gone either way, and leaving the state untouched
		// would strand the breaker half-open with no budget left.
		cb.totalFailures++
		cb.lastFailureTime = cb.now()
		cb.state = CircuitOpen
		cb.halfOpenCalls = 0
		slog.Warn("circuit breaker reopened after failed probe",
			slog.String("breaker", cb.name),
			slog.String("error_kind", string(kind)))
	case CircuitClosed:
		if !cb.cfg.ExpectedKinds[kind] {
			// Unexpected kinds propagate without affecting circuit state.
			return
		}
		cb.totalFailures++
		cb.lastFailureTime = cb.now()
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.state = CircuitOpen
			slog.Warn("circuit breaker opened due to consecutive failures",
				slog.String("breaker", cb.name),
				slog.Int("failure_count", cb.failureCount),
				slog.Int("threshold", cb.cfg.FailureThreshold),
				slog.String("error_kind", string(kind)))
		}
	}
}

// Name returns the breaker's endpoint key.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of breaker counters for observability.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"name":           cb.name,
		"state":          cb.state.String(),
		"failure_count":  cb.failureCount,
		"total_requests": cb.totalRequests,
		"total_failures": cb.totalFailures,
		"fast_fails":     cb.fastFails,
		"last_failure":   cb.lastFailureTime,
	}
}

// Reset forces the breaker back to closed. Intended for operational use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.halfOpenCalls = 0
	cb.lastFailureTime = time.Time{}
	slog.Info("circuit breaker reset to closed state", slog.String("breaker", cb.name))
}
