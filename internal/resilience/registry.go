package resilience

import (
	"sync"
	"time"

	"github.com/fairyhunter13/llm-dispatch/internal/domain"
)

// BreakerRegistry maps (provider, model) to its circuit breaker, creating
// breakers lazily on first lookup with provider-specific defaults.
//
// The registry is constructor-injected at the composition root rather
// than held in a package global so tests can instantiate isolated
// registries per case.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults func(provider domain.Provider) BreakerConfig
}

// NewBreakerRegistry creates a registry. A nil defaults function applies
// DefaultProviderBreakerConfig.
func NewBreakerRegistry(defaults func(domain.Provider) BreakerConfig) *BreakerRegistry {
	if defaults == nil {
		defaults = DefaultProviderBreakerConfig
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// DefaultProviderBreakerConfig returns per-provider breaker defaults.
// Doubao and Spark free tiers shed load aggressively under pressure, so
// they get the stricter 3-failure threshold; everything else keeps the
// looser 5-failure default.
func DefaultProviderBreakerConfig(provider domain.Provider) BreakerConfig {
	cfg := DefaultBreakerConfig()
	switch provider {
	case domain.ProviderDoubao, domain.ProviderSpark:
		cfg.FailureThreshold = 3
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return cfg
}

// Breaker returns the circuit breaker for a provider/model pair, creating
// it on first lookup.
func (r *BreakerRegistry) Breaker(provider domain.Provider, model string) *CircuitBreaker {
	key := string(provider) + "/" + model
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(key, r.defaults(provider))
	r.breakers[key] = cb
	return cb
}

// Stats returns a per-endpoint snapshot of all registered breakers.
func (r *BreakerRegistry) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.breakers))
	for key, cb := range r.breakers {
		out[key] = cb.Stats()
	}
	return out
}

// HealthyEndpoints returns the keys of breakers not currently open.
func (r *BreakerRegistry) HealthyEndpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var healthy []string
	for key, cb := range r.breakers {
		if cb.State() != CircuitOpen {
			healthy = append(healthy, key)
		}
	}
	return healthy
}

// Registry bundles the cross-request shared resilience state owned by
// the application's composition root: circuit breakers, rate limiters
// and the connection pool.
type Registry struct {
	Breakers *BreakerRegistry
	Limiter  *RateLimitManager
	Pool     *ConnectionPoolManager
}

// NewRegistry wires an isolated resilience registry. An empty algorithm
// selects the token bucket default.
func NewRegistry(poolCfg PoolConfig, algo Algorithm) *Registry {
	return &Registry{
		Breakers: NewBreakerRegistry(nil),
		Limiter:  NewRateLimitManager(algo),
		Pool:     NewConnectionPoolManager(poolCfg),
	}
}

// Close releases pooled connections. Called once at process teardown.
func (r *Registry) Close() {
	if r.Pool != nil {
		r.Pool.CloseAll()
	}
}
