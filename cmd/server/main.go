// Command server starts the LLM dispatch HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	ai "github.com/fairyhunter13/llm-dispatch/internal/adapter/ai"
	"github.com/fairyhunter13/llm-dispatch/internal/adapter/ai/tokencount"
	httpserver "github.com/fairyhunter13/llm-dispatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatch/internal/app"
	"github.com/fairyhunter13/llm-dispatch/internal/config"
	"github.com/fairyhunter13/llm-dispatch/internal/domain"
	"github.com/fairyhunter13/llm-dispatch/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Shared resilience state: breakers, limiters, connection pools.
	reg := resilience.NewRegistry(resilience.PoolConfig{
		MaxIdleConns:        cfg.PoolMaxIdleConns,
		MaxIdleConnsPerHost: cfg.PoolMaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.PoolMaxConnsPerHost,
		RequestTimeout:      cfg.PoolRequestTimeout,
		TransportRetries:    cfg.PoolTransportRetries,
	}, resilience.Algorithm(cfg.RateLimitAlgorithm))
	defer reg.Close()

	// Optional shared Redis token bucket for multi-instance deployments.
	// The process-local limiter in reg stays authoritative either way.
	var redisLimiter *resilience.RedisLuaLimiter
	if cfg.RedisURL != "" {
		opt, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			slog.Error("invalid REDIS_URL", slog.Any("error", perr))
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		buckets := make(map[string]resilience.BucketConfig)
		for p := range cfg.Providers() {
			buckets[string(p)] = resilience.NewBucketConfigFromPerMinute(cfg.ProviderRateLimit)
		}
		redisLimiter = resilience.NewRedisLuaLimiter(rdb, buckets)
		slog.Info("redis rate limiter enabled")
	}

	maxAttempts, baseDelay, maxDelay := cfg.GetRetrySettings()
	retryPolicy := resilience.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Strategy:    resilience.RetryStrategy(cfg.RetryStrategy),
		Jitter:      cfg.RetryJitter,
		RetryableKinds: map[domain.ErrorKind]bool{
			domain.ErrorKindServerError:        true,
			domain.ErrorKindServiceUnavailable: true,
		},
	}
	// Rate-limit errors get a gentler schedule than generic 5xxs.
	rateLimitPolicy := retryPolicy
	rateLimitPolicy.BaseDelay = baseDelay * 3
	rateLimitPolicy.Strategy = resilience.StrategyLinear
	rateLimitPolicy.RetryableKinds = map[domain.ErrorKind]bool{domain.ErrorKindRateLimitExceeded: true}

	counter := tokencount.NewCounter()
	clients := make(map[domain.Provider]domain.ProviderClient)
	for provider, settings := range cfg.Providers() {
		wrapper := ai.NewRequestWrapper(ai.WrapperConfig{
			Platform:      provider,
			Model:         settings.Model,
			BaseURL:       settings.BaseURL,
			APIKey:        settings.APIKey,
			RateLimit:     cfg.ProviderRateLimit,
			RateWindow:    cfg.ProviderRateWindow,
			Timeout:       cfg.PoolRequestTimeout,
			SharedLimiter: redisLimiter,
		}, reg.Limiter, reg.Pool)
		retrier := resilience.NewRetryHandler(retryPolicy).
			WithOverride(domain.ErrorKindRateLimitExceeded, rateLimitPolicy)
		breaker := reg.Breakers.Breaker(provider, settings.Model)
		clients[provider] = ai.NewChatClient(wrapper, breaker, retrier, counter)
		slog.Info("provider client configured",
			slog.String("platform", string(provider)),
			slog.String("model", settings.Model))
	}
	if len(clients) == 0 {
		slog.Warn("no provider API keys configured; dispatch requests will fail")
	}

	fallbacks, err := cfg.LoadFallbacks()
	if err != nil {
		slog.Error("failed to load fallback table", slog.Any("error", err))
		os.Exit(1)
	}

	exec := ai.NewMultiModelExecutor(ai.ExecutorConfig{
		MaxConcurrent: int64(cfg.ExecutorMaxConcurrent),
		RaceTimeout:   cfg.ExecutorRaceTimeout,
		GatherTimeout: cfg.ExecutorGatherTimeout,
	})
	gather := ai.NewConcurrentMultiModelExecutor(exec)

	srv := httpserver.NewServer(cfg, clients, fallbacks, exec, gather, reg)
	handler := app.BuildRouter(cfg, srv)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
