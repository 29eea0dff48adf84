package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-dispatch/internal/adapter/ai"
	"github.com/fairyhunter13/llm-dispatch/internal/config"
	"github.com/fairyhunter13/llm-dispatch/internal/domain"
	"github.com/fairyhunter13/llm-dispatch/internal/resilience"
)

type fakeClient struct {
	platform string
	model    string
	resp     domain.AIResponse
	err      error
}

func (f *fakeClient) SendPrompt(context.Context, string, domain.PromptOptions) (domain.AIResponse, error) {
	return f.resp, f.err
}
func (f *fakeClient) Model() string    { return f.model }
func (f *fakeClient) Platform() string { return f.platform }

func newTestServer(clients map[domain.Provider]domain.ProviderClient) *Server {
	exec := ai.NewMultiModelExecutor(ai.ExecutorConfig{
		MaxConcurrent: 3,
		RaceTimeout:   2 * time.Second,
		GatherTimeout: 2 * time.Second,
	})
	reg := resilience.NewRegistry(resilience.PoolConfig{}, resilience.AlgorithmTokenBucket)
	return NewServer(config.Config{}, clients, nil, exec, ai.NewConcurrentMultiModelExecutor(exec), reg)
}

func doDispatch(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.DispatchHandler()(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestDispatchRejectsMalformedJSON(t *testing.T) {
	srv := newTestServer(nil)
	rec := doDispatch(t, srv, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
}

func TestDispatchRejectsMissingFields(t *testing.T) {
	srv := newTestServer(nil)
	tests := []struct {
		name string
		body string
	}{
		{"missing prompt", `{"provider":"qwen"}`},
		{"missing provider", `{"prompt":"hi"}`},
		{"bad mode", `{"prompt":"hi","provider":"qwen","mode":"first"}`},
		{"temperature out of range", `{"prompt":"hi","provider":"qwen","temperature":3.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doDispatch(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
		})
	}
}

func TestDispatchUnknownProviderFailsLoudly(t *testing.T) {
	srv := newTestServer(nil)
	rec := doDispatch(t, srv, `{"prompt":"hi","provider":"chatgpt-5000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_PROVIDER", errorCode(t, rec))
}

func TestDispatchUnconfiguredProvider(t *testing.T) {
	srv := newTestServer(map[domain.Provider]domain.ProviderClient{})
	rec := doDispatch(t, srv, `{"prompt":"hi","provider":"qwen"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
	assert.Contains(t, rec.Body.String(), "no API key configured")
}

func TestDispatchRaceFallsBackToConfiguredDomesticPeer(t *testing.T) {
	clients := map[domain.Provider]domain.ProviderClient{
		domain.ProviderQwen: &fakeClient{
			platform: "qwen", model: "qwen-plus",
			resp: domain.FailureResponse("qwen", "qwen-plus", domain.ErrorKindInsufficientQuota, "insufficient quota"),
		},
		domain.ProviderGLM: &fakeClient{
			platform: "glm", model: "glm-4",
			resp: domain.AIResponse{Success: true, Content: "A substantive fallback answer.", Model: "glm-4", Platform: "glm"},
		},
	}
	srv := newTestServer(clients)

	rec := doDispatch(t, srv, `{"prompt":"hi","provider":"qwen"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		ModelUsed string      `json:"model_used"`
		Response  responseDTO `json:"response"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "glm-4", out.ModelUsed)
	assert.True(t, out.Response.Success)
}

func TestDispatchExplicitFallbacksOverrideTable(t *testing.T) {
	clients := map[domain.Provider]domain.ProviderClient{
		domain.ProviderQwen: &fakeClient{
			platform: "qwen", model: "qwen-plus",
			resp: domain.FailureResponse("qwen", "qwen-plus", domain.ErrorKindServerError, "internal server error"),
		},
		domain.ProviderGLM: &fakeClient{
			platform: "glm", model: "glm-4",
			resp: domain.AIResponse{Success: true, Content: "Should not be used in this test.", Model: "glm-4", Platform: "glm"},
		},
	}
	srv := newTestServer(clients)

	// Explicit empty-of-configured fallback (spark has no client) leaves
	// only the failing primary.
	rec := doDispatch(t, srv, `{"prompt":"hi","provider":"qwen","fallbacks":["spark"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		ModelUsed string      `json:"model_used"`
		Response  responseDTO `json:"response"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "qwen-plus", out.ModelUsed)
	assert.False(t, out.Response.Success)
	assert.Equal(t, string(domain.ErrorKindServerError), out.Response.ErrorKind)
}

func TestDispatchModeAllGathersEverything(t *testing.T) {
	clients := map[domain.Provider]domain.ProviderClient{
		domain.ProviderOpenAI: &fakeClient{
			platform: "openai", model: "gpt-4o-mini",
			resp: domain.AIResponse{Success: true, Content: "Answer from the primary model.", Model: "gpt-4o-mini", Platform: "openai"},
		},
		domain.ProviderGemini: &fakeClient{
			platform: "gemini", model: "gemini-1.5-flash",
			resp: domain.FailureResponse("gemini", "gemini-1.5-flash", domain.ErrorKindContentSafety, "blocked"),
		},
	}
	srv := newTestServer(clients)

	rec := doDispatch(t, srv, `{"prompt":"hi","provider":"openai","mode":"all"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Responses []responseDTO `json:"responses"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Responses, 2)
	assert.True(t, out.Responses[0].Success)
	assert.Equal(t, string(domain.ErrorKindContentSafety), out.Responses[1].ErrorKind)
}

func TestStatsHandler(t *testing.T) {
	srv := newTestServer(map[domain.Provider]domain.ProviderClient{
		domain.ProviderQwen: &fakeClient{platform: "qwen", model: "qwen-plus"},
	})
	// Touch a breaker so the snapshot has an entry.
	srv.Registry.Breakers.Breaker(domain.ProviderQwen, "qwen-plus")

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.StatsHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out, "circuit_breakers")
	assert.Contains(t, out, "rate_limiter")
	assert.Contains(t, out, "connection_pool")
	assert.Contains(t, out, "configured_providers")
	assert.Contains(t, out["circuit_breakers"], "qwen/qwen-plus")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	srv.HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
