package resilience

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoolConfig() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.TransportRetryInterval = time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func TestConnectionPoolManager_ReusesClientPerHost(t *testing.T) {
	p := NewConnectionPoolManager(testPoolConfig())

	c1 := p.ClientForHost("https://api.doubao.example/v1")
	c2 := p.ClientForHost("https://api.doubao.example/v1/chat/completions")
	c3 := p.ClientForHost("https://api.qwen.example/v1")

	assert.Same(t, c1, c2, "same scheme+authority shares one client")
	assert.NotSame(t, c1, c3)

	stats := p.Stats()
	assert.Equal(t, 2, stats["pool_count"])
}

func TestConnectionPoolManager_DefaultClient(t *testing.T) {
	p := NewConnectionPoolManager(testPoolConfig())
	assert.Same(t, p.DefaultClient(), p.DefaultClient())
}

func TestConnectionPoolManager_CloseAll(t *testing.T) {
	p := NewConnectionPoolManager(testPoolConfig())
	_ = p.ClientForHost("https://api.doubao.example")
	p.CloseAll()
	assert.Equal(t, 0, p.Stats()["pool_count"])
}

func TestRetryTransport_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"prompt":"hi"}`, string(b), "body must be replayed on each attempt")
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := NewConnectionPoolManager(testPoolConfig())
	client := p.ClientForHost(srv.URL)

	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte(`{"prompt":"hi"}`)))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestRetryTransport_SurfacesFinalResponseWhenExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	cfg := testPoolConfig()
	cfg.TransportRetries = 2
	p := NewConnectionPoolManager(cfg)
	client := p.ClientForHost(srv.URL)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial call plus two retries")
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "overloaded", "the final response body is intact")
}

func TestRetryTransport_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewConnectionPoolManager(testPoolConfig())
	resp, err := p.ClientForHost(srv.URL).Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
