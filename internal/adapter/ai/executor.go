package ai

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/llm-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatch/internal/domain"
)

// ExecutorConfig bounds the redundant execution fan-out.
type ExecutorConfig struct {
	// MaxConcurrent caps in-flight provider calls across one execution.
	MaxConcurrent int64
	// RaceTimeout is the per-candidate timeout in race mode.
	RaceTimeout time.Duration
	// GatherTimeout is the per-candidate timeout in gather-all mode; it is
	// longer because gather callers want every answer, not the first.
	GatherTimeout time.Duration
}

// DefaultExecutorConfig returns the standard fan-out bounds.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrent: 3,
		RaceTimeout:   10 * time.Second,
		GatherTimeout: 15 * time.Second,
	}
}

func (c ExecutorConfig) normalized() ExecutorConfig {
	def := DefaultExecutorConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.RaceTimeout <= 0 {
		c.RaceTimeout = def.RaceTimeout
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = def.GatherTimeout
	}
	return c
}

// MultiModelExecutor dispatches one prompt to an ordered candidate list
// concurrently and picks the first valid answer by priority.
//
// Candidates are launched in priority order but complete in any order.
// Selection joins every outcome first and then scans in priority order,
// so the winner is deterministic for a given set of outcomes and no two
// goroutines ever race on partial results. Losers are not cancelled once
// a winner exists; the wasted spend is accepted for simplicity.
type MultiModelExecutor struct {
	cfg ExecutorConfig
	sem *semaphore.Weighted
}

// NewMultiModelExecutor creates an executor with the given bounds. The
// semaphore is shared across executions so the cap is process-wide.
func NewMultiModelExecutor(cfg ExecutorConfig) *MultiModelExecutor {
	cfg = cfg.normalized()
	return &MultiModelExecutor{cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrent)}
}

// candidateOutcome is one candidate's result slot, written exactly once
// by its own goroutine before the join point.
type candidateOutcome struct {
	resp domain.AIResponse
	err  error
}

// runCandidates fans out the prompt to every client under the semaphore
// and joins all outcomes. Slot i always belongs to clients[i].
func (e *MultiModelExecutor) runCandidates(ctx context.Context, clients []domain.ProviderClient, prompt string, opts domain.PromptOptions, timeout time.Duration) []candidateOutcome {
	outcomes := make([]candidateOutcome, len(clients))
	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func(i int, client domain.ProviderClient) {
			defer wg.Done()
			if err := e.sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = candidateOutcome{err: err}
				return
			}
			defer e.sem.Release(1)

			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			resp, err := client.SendPrompt(cctx, prompt, opts)
			outcomes[i] = candidateOutcome{resp: resp, err: err}
		}(i, client)
	}
	wg.Wait()
	return outcomes
}

// ExecuteWithRedundancy races the candidates and returns the first valid
// answer in priority order. It never returns an error for a well-formed
// candidate list: every failure mode is a structured AIResponse.
//
// When no candidate validates, the primary's own response is returned so
// the caller keeps the most relevant error message; if the primary
// raised rather than responded, a failure response is synthesized from
// its error.
func (e *MultiModelExecutor) ExecuteWithRedundancy(ctx context.Context, clients []domain.ProviderClient, prompt string, opts domain.PromptOptions) domain.ExecutionOutcome {
	log := observability.LoggerFromContext(ctx)
	if len(clients) == 0 {
		observability.DispatchTotal.WithLabelValues("race", "no_candidates").Inc()
		return domain.ExecutionOutcome{
			Response: domain.FailureResponse("", "", domain.ErrorKindUnknown, "no candidate models"),
		}
	}

	start := time.Now()
	outcomes := e.runCandidates(ctx, clients, prompt, opts, e.cfg.RaceTimeout)

	for i, out := range outcomes {
		if out.err != nil || !IsValidAnswer(out.resp) {
			continue
		}
		observability.DispatchTotal.WithLabelValues("race", "success").Inc()
		observability.DispatchFallbackDepth.Observe(float64(i))
		log.Info("redundant execution resolved",
			slog.String("model_used", clients[i].Model()),
			slog.String("platform", clients[i].Platform()),
			slog.Int("fallback_depth", i),
			slog.Duration("elapsed", time.Since(start)))
		return domain.ExecutionOutcome{Response: out.resp, ModelUsed: clients[i].Model()}
	}

	observability.DispatchTotal.WithLabelValues("race", "all_failed").Inc()
	primary := clients[0]
	primaryOut := outcomes[0]
	log.Warn("all candidates failed",
		slog.Int("candidates", len(clients)),
		slog.String("primary_model", primary.Model()),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("primary_error", errString(primaryOut.err)))

	resp := primaryOut.resp
	if primaryOut.err != nil {
		resp = failureFromError(primary.Platform(), primary.Model(), primaryOut.err)
	} else if resp.Model == "" {
		// A degenerate zero response from the primary still gets attributed.
		resp.Model = primary.Model()
		resp.Platform = primary.Platform()
	}
	return domain.ExecutionOutcome{Response: resp, ModelUsed: primary.Model()}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ConcurrentMultiModelExecutor gathers every candidate's answer instead
// of racing to the first. Callers comparing model outputs use this; it
// shares the race executor's fan-out machinery and semaphore.
type ConcurrentMultiModelExecutor struct {
	inner *MultiModelExecutor
}

// NewConcurrentMultiModelExecutor creates a gather-all executor sharing
// the race executor's bounds.
func NewConcurrentMultiModelExecutor(inner *MultiModelExecutor) *ConcurrentMultiModelExecutor {
	return &ConcurrentMultiModelExecutor{inner: inner}
}

// ExecuteAllModels returns one response per candidate, in candidate
// order. Failures are structured AIResponses, never errors.
func (e *ConcurrentMultiModelExecutor) ExecuteAllModels(ctx context.Context, clients []domain.ProviderClient, prompt string, opts domain.PromptOptions) []domain.AIResponse {
	outcomes := e.inner.runCandidates(ctx, clients, prompt, opts, e.inner.cfg.GatherTimeout)
	responses := make([]domain.AIResponse, len(outcomes))
	valid := 0
	for i, out := range outcomes {
		if out.err != nil {
			responses[i] = failureFromError(clients[i].Platform(), clients[i].Model(), out.err)
			continue
		}
		responses[i] = out.resp
		if IsValidAnswer(out.resp) {
			valid++
		}
	}
	observability.DispatchTotal.WithLabelValues("gather", "completed").Inc()
	observability.LoggerFromContext(ctx).Info("gather execution completed",
		slog.Int("candidates", len(clients)),
		slog.Int("valid", valid))
	return responses
}
