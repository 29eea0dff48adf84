package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-dispatch/internal/adapter/ai"
	"github.com/fairyhunter13/llm-dispatch/internal/config"
	"github.com/fairyhunter13/llm-dispatch/internal/domain"
	"github.com/fairyhunter13/llm-dispatch/internal/resilience"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg config.Config
	// Clients maps each configured platform to its provider client.
	Clients map[domain.Provider]domain.ProviderClient
	// Fallbacks is the per-platform fallback table consulted when a
	// request does not name its own fallbacks.
	Fallbacks map[domain.Provider][]domain.Provider
	Exec      *ai.MultiModelExecutor
	Gather    *ai.ConcurrentMultiModelExecutor
	Registry  *resilience.Registry
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, clients map[domain.Provider]domain.ProviderClient, fallbacks map[domain.Provider][]domain.Provider, exec *ai.MultiModelExecutor, gather *ai.ConcurrentMultiModelExecutor, reg *resilience.Registry) *Server {
	if fallbacks == nil {
		fallbacks = domain.DefaultFallbacks()
	}
	return &Server{Cfg: cfg, Clients: clients, Fallbacks: fallbacks, Exec: exec, Gather: gather, Registry: reg}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type dispatchRequest struct {
	Prompt       string   `json:"prompt" validate:"required,min=1"`
	Provider     string   `json:"provider" validate:"required"`
	Fallbacks    []string `json:"fallbacks" validate:"omitempty,max=5"`
	Mode         string   `json:"mode" validate:"omitempty,oneof=race all"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  float64  `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens    int      `json:"max_tokens" validate:"gte=0"`
}

type responseDTO struct {
	Success      bool   `json:"success"`
	Content      string `json:"content,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Model        string `json:"model"`
	Platform     string `json:"platform"`
	TokensUsed   int    `json:"tokens_used"`
	LatencyMs    int64  `json:"latency_ms"`
}

func toDTO(r domain.AIResponse) responseDTO {
	return responseDTO{
		Success:      r.Success,
		Content:      r.Content,
		ErrorKind:    string(r.ErrorKind),
		ErrorMessage: r.ErrorMessage,
		Model:        r.Model,
		Platform:     r.Platform,
		TokensUsed:   r.TokensUsed,
		LatencyMs:    r.Latency.Milliseconds(),
	}
}

// candidateClients resolves the request's primary and fallback providers
// into the ordered client list. Unknown provider names fail loudly;
// known but unconfigured providers fail for the primary and are skipped
// for fallbacks.
func (s *Server) candidateClients(req dispatchRequest) ([]domain.ProviderClient, error) {
	primary, err := domain.ParseProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	primaryClient, ok := s.Clients[primary]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q has no API key configured", domain.ErrInvalidArgument, primary)
	}

	var fallbacks []domain.Provider
	if len(req.Fallbacks) > 0 {
		for _, name := range req.Fallbacks {
			p, perr := domain.ParseProvider(name)
			if perr != nil {
				return nil, perr
			}
			fallbacks = append(fallbacks, p)
		}
	} else {
		fallbacks = s.Fallbacks[primary]
	}

	clients := []domain.ProviderClient{primaryClient}
	seen := map[domain.Provider]bool{primary: true}
	for _, p := range fallbacks {
		if seen[p] {
			continue
		}
		seen[p] = true
		if c, ok := s.Clients[p]; ok {
			clients = append(clients, c)
		}
	}
	return clients, nil
}

// DispatchHandler handles POST /v1/dispatch.
func (s *Server) DispatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err), nil)
			return
		}
		clients, err := s.candidateClients(req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		opts := domain.PromptOptions{
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
		}

		if req.Mode == "all" {
			responses := s.Gather.ExecuteAllModels(r.Context(), clients, req.Prompt, opts)
			out := make([]responseDTO, len(responses))
			for i, resp := range responses {
				out[i] = toDTO(resp)
			}
			writeJSON(w, http.StatusOK, map[string]any{"responses": out})
			return
		}

		outcome := s.Exec.ExecuteWithRedundancy(r.Context(), clients, req.Prompt, opts)
		writeJSON(w, http.StatusOK, map[string]any{
			"model_used": outcome.ModelUsed,
			"response":   toDTO(outcome.Response),
		})
	}
}

// StatsHandler handles GET /v1/stats: a snapshot of breaker, limiter and
// pool state for operators.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := map[string]any{
			"time": time.Now().UTC().Format(time.RFC3339),
		}
		if s.Registry != nil {
			stats["circuit_breakers"] = s.Registry.Breakers.Stats()
			stats["healthy_endpoints"] = s.Registry.Breakers.HealthyEndpoints()
			stats["rate_limiter"] = s.Registry.Limiter.Stats()
			stats["connection_pool"] = s.Registry.Pool.Stats()
		}
		providers := make([]string, 0, len(s.Clients))
		for p := range s.Clients {
			providers = append(providers, string(p))
		}
		stats["configured_providers"] = providers
		writeJSON(w, http.StatusOK, stats)
	}
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
