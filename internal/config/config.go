// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/llm-dispatch/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Provider credentials and endpoints. Every platform speaks an
	// OpenAI-compatible chat completions dialect behind these base URLs.
	DoubaoAPIKey  string `env:"DOUBAO_API_KEY"`
	DoubaoBaseURL string `env:"DOUBAO_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	DoubaoModel   string `env:"DOUBAO_MODEL" envDefault:"doubao-pro-32k"`
	QwenAPIKey    string `env:"QWEN_API_KEY"`
	QwenBaseURL   string `env:"QWEN_BASE_URL" envDefault:"https://dashscope.aliyuncs.com/compatible-mode/v1"`
	QwenModel     string `env:"QWEN_MODEL" envDefault:"qwen-plus"`
	GLMAPIKey     string `env:"GLM_API_KEY"`
	GLMBaseURL    string `env:"GLM_BASE_URL" envDefault:"https://open.bigmodel.cn/api/paas/v4"`
	GLMModel      string `env:"GLM_MODEL" envDefault:"glm-4"`
	SparkAPIKey   string `env:"SPARK_API_KEY"`
	SparkBaseURL  string `env:"SPARK_BASE_URL" envDefault:"https://spark-api-open.xf-yun.com/v1"`
	SparkModel    string `env:"SPARK_MODEL" envDefault:"generalv3.5"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiBaseURL string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta/openai"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash"`

	// Per-provider rate limiting (local limiter, applied before any
	// network call).
	ProviderRateLimit  int           `env:"PROVIDER_RATE_LIMIT" envDefault:"30"`
	ProviderRateWindow time.Duration `env:"PROVIDER_RATE_WINDOW" envDefault:"1m"`
	RateLimitAlgorithm string        `env:"RATE_LIMIT_ALGORITHM" envDefault:"token_bucket"`
	// RedisURL enables the shared Redis token bucket when set.
	RedisURL string `env:"REDIS_URL"`

	// Circuit breaker defaults; per-provider overrides live in code.
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`
	BreakerHalfOpenMaxCalls int           `env:"BREAKER_HALF_OPEN_MAX_CALLS" envDefault:"1"`

	// Retry Configuration
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryStrategy    string        `env:"RETRY_STRATEGY" envDefault:"exponential"`
	RetryJitter      bool          `env:"RETRY_JITTER" envDefault:"true"`

	// Connection pool bounds.
	PoolMaxIdleConns        int           `env:"POOL_MAX_IDLE_CONNS" envDefault:"100"`
	PoolMaxIdleConnsPerHost int           `env:"POOL_MAX_IDLE_CONNS_PER_HOST" envDefault:"10"`
	PoolMaxConnsPerHost     int           `env:"POOL_MAX_CONNS_PER_HOST" envDefault:"20"`
	PoolRequestTimeout      time.Duration `env:"POOL_REQUEST_TIMEOUT" envDefault:"60s"`
	PoolTransportRetries    int           `env:"POOL_TRANSPORT_RETRIES" envDefault:"2"`

	// Executor settings. Race mode returns the first valid answer; gather
	// mode collects every candidate and gets the longer per-call timeout.
	ExecutorMaxConcurrent int           `env:"EXECUTOR_MAX_CONCURRENT" envDefault:"3"`
	ExecutorRaceTimeout   time.Duration `env:"EXECUTOR_RACE_TIMEOUT" envDefault:"10s"`
	ExecutorGatherTimeout time.Duration `env:"EXECUTOR_GATHER_TIMEOUT" envDefault:"15s"`
	// FallbacksFile optionally overrides the built-in per-platform
	// fallback table with a YAML document.
	FallbacksFile string `env:"FALLBACKS_FILE"`

	// HTTP server settings.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"llm-dispatch"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetRetrySettings returns retry settings appropriate for the current
// environment. Test mode shortens delays so suites stay fast.
func (c Config) GetRetrySettings() (maxAttempts int, baseDelay, maxDelay time.Duration) {
	if c.IsTest() {
		return c.RetryMaxAttempts, 50 * time.Millisecond, 500 * time.Millisecond
	}
	return c.RetryMaxAttempts, c.RetryBaseDelay, c.RetryMaxDelay
}

// ProviderSettings is one platform's endpoint configuration.
type ProviderSettings struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Providers returns the per-platform endpoint settings keyed by provider.
// Platforms without an API key are omitted: the dispatch layer only
// builds clients for providers it can actually call.
func (c Config) Providers() map[domain.Provider]ProviderSettings {
	all := map[domain.Provider]ProviderSettings{
		domain.ProviderDoubao: {APIKey: c.DoubaoAPIKey, BaseURL: c.DoubaoBaseURL, Model: c.DoubaoModel},
		domain.ProviderQwen:   {APIKey: c.QwenAPIKey, BaseURL: c.QwenBaseURL, Model: c.QwenModel},
		domain.ProviderGLM:    {APIKey: c.GLMAPIKey, BaseURL: c.GLMBaseURL, Model: c.GLMModel},
		domain.ProviderSpark:  {APIKey: c.SparkAPIKey, BaseURL: c.SparkBaseURL, Model: c.SparkModel},
		domain.ProviderOpenAI: {APIKey: c.OpenAIAPIKey, BaseURL: c.OpenAIBaseURL, Model: c.OpenAIModel},
		domain.ProviderGemini: {APIKey: c.GeminiAPIKey, BaseURL: c.GeminiBaseURL, Model: c.GeminiModel},
	}
	out := make(map[domain.Provider]ProviderSettings)
	for p, s := range all {
		if s.APIKey != "" {
			out[p] = s
		}
	}
	return out
}
