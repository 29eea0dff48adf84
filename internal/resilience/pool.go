package resilience

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// PoolConfig bounds the per-host HTTP connection pools.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	RequestTimeout      time.Duration
	// TransportRetries is the number of transport-level retries applied to
	// the idempotent-safe status codes (429, 500, 502, 503, 504) below the
	// circuit breaker.
	TransportRetries       int
	TransportRetryInterval time.Duration
}

// DefaultPoolConfig returns pool bounds suitable for a handful of
// provider endpoints.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:           100,
		MaxIdleConnsPerHost:    10,
		MaxConnsPerHost:        20,
		IdleConnTimeout:        90 * time.Second,
		RequestTimeout:         60 * time.Second,
		TransportRetries:       2,
		TransportRetryInterval: 500 * time.Millisecond,
	}
}

// ConnectionPoolManager owns reusable HTTP clients keyed by target host
// (scheme + authority). Clients are created lazily and live for the
// process lifetime unless CloseAll is called.
type ConnectionPoolManager struct {
	mu      sync.Mutex
	cfg     PoolConfig
	clients map[string]*http.Client
}

// NewConnectionPoolManager creates a pool manager with the given bounds.
func NewConnectionPoolManager(cfg PoolConfig) *ConnectionPoolManager {
	def := DefaultPoolConfig()
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.TransportRetryInterval <= 0 {
		cfg.TransportRetryInterval = def.TransportRetryInterval
	}
	return &ConnectionPoolManager{cfg: cfg, clients: make(map[string]*http.Client)}
}

// ClientForHost returns the long-lived client for a base URL's host,
// creating it on first use. The key is scheme+authority; path and query
// are ignored.
func (p *ConnectionPoolManager) ClientForHost(baseURL string) *http.Client {
	key := hostKey(baseURL)
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	c := p.newClient()
	p.clients[key] = c
	slog.Debug("created pooled http client",
		slog.String("host", key),
		slog.Int("max_conns_per_host", p.cfg.MaxConnsPerHost))
	return c
}

// DefaultClient returns the catch-all client for hosts without their own
// pool entry.
func (p *ConnectionPoolManager) DefaultClient() *http.Client {
	return p.ClientForHost("default")
}

func (p *ConnectionPoolManager) newClient() *http.Client {
	base := &http.Transport{
		MaxIdleConns:        p.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: p.cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     p.cfg.MaxConnsPerHost,
		IdleConnTimeout:     p.cfg.IdleConnTimeout,
	}
	var rt http.RoundTripper = base
	if p.cfg.TransportRetries > 0 {
		rt = &retryTransport{
			base:     rt,
			retries:  p.cfg.TransportRetries,
			interval: p.cfg.TransportRetryInterval,
		}
	}
	rt = otelhttp.NewTransport(rt,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("AI %s %s", r.Method, r.URL.Host)
		}),
	)
	return &http.Client{Timeout: p.cfg.RequestTimeout, Transport: rt}
}

// CloseAll performs the explicit coordinated shutdown: idle connections
// are released and the pool map is cleared. In-flight requests finish on
// their own transports.
func (p *ConnectionPoolManager) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.clients {
		c.CloseIdleConnections()
		delete(p.clients, key)
	}
	slog.Info("connection pools closed")
}

// Stats reports how many per-host pools exist.
func (p *ConnectionPoolManager) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]string, 0, len(p.clients))
	for key := range p.clients {
		hosts = append(hosts, key)
	}
	return map[string]any{"pooled_hosts": hosts, "pool_count": len(hosts)}
}

func hostKey(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Scheme + "://" + u.Host
}

// retryableStatus lists the idempotent-safe status codes retried at the
// transport level.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// retryTransport retries retryableStatus responses with exponential
// backoff. It sits below the circuit breaker so breaker accounting only
// sees the final outcome of a transport exchange.
type retryTransport struct {
	base     http.RoundTripper
	retries  int
	interval time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Bodies must be replayable to retry; requests built with a
	// bytes.Reader carry GetBody automatically.
	if req.Body != nil && req.GetBody == nil {
		return t.base.RoundTrip(req)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = t.interval

	for attempt := 0; ; attempt++ {
		r := req
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r = req.Clone(req.Context())
			r.Body = body
		}
		resp, err := t.base.RoundTrip(r)
		if attempt >= t.retries {
			return resp, err
		}
		if err == nil && !retryableStatus[resp.StatusCode] {
			return resp, nil
		}
		if err == nil {
			// Drain so the connection can be reused before the retry.
			slog.Warn("transport-level retry",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.String("host", req.URL.Host))
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		} else {
			slog.Warn("transport-level retry after error",
				slog.Int("attempt", attempt+1),
				slog.String("host", req.URL.Host),
				slog.Any("error", err))
		}
		wait := expo.NextBackOff()
		if wait == backoff.Stop {
			wait = t.interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}
