// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Per-minute budget limits for the counter service
	CompletionTokensPerMinute int
	CompletionReqsPerMinute   int
	EmbeddingTokensPerMinute  int
	EmbeddingReqsPerMinute    int
	WhisperReqsPerMinute      int

	// Counter client settings (workers)
	CounterBaseURL string
	AppID          string
	HTTPTimeout    time.Duration

	// Provider settings
	ProviderEndpoint   string
	ProviderAPIKey     string
	ProviderDeployment string
	ProviderAPIVersion string

	// Queue broker settings
	RedisURL      string
	InQueue       string
	OutQueue      string
	ConsumerGroup string
	ConsumerName  string

	// Worker tuning
	BatchSize int
	FanOut    int

	// Observability
	OTLPEndpoint string
}

// Defaults mirror the provider quota tiers this fleet runs against:
// chat completions get the tightest token pool, embeddings an order of
// magnitude more tokens, and audio transcription a small requests-only
// allowance.
const (
	DefaultPort               = "8000"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultCompletionTokens   = 100000
	DefaultCompletionReqs     = 300
	DefaultEmbeddingTokens    = 1000000
	DefaultEmbeddingReqs      = 700
	DefaultWhisperReqs        = 15
	DefaultCounterBaseURL     = "http://localhost:8000"
	DefaultHTTPTimeoutSeconds = 30
	DefaultProviderAPIVersion = "2024-06-01"
	DefaultRedisURL           = "redis://localhost:6379/0"
	DefaultBatchSize          = 4
	DefaultFanOut             = 8
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", DefaultPort),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),

		CompletionTokensPerMinute: getEnvInt("OPENAI_TOKEN_LIMIT_PER_MINUTE", DefaultCompletionTokens),
		CompletionReqsPerMinute:   getEnvInt("API_RATE_LIMIT_PER_MINUTE", DefaultCompletionReqs),
		EmbeddingTokensPerMinute:  getEnvInt("EMBEDDING_TOKEN_LIMIT_PER_MINUTE", DefaultEmbeddingTokens),
		EmbeddingReqsPerMinute:    getEnvInt("EMBEDDING_RATE_LIMIT_PER_MINUTE", DefaultEmbeddingReqs),
		WhisperReqsPerMinute:      getEnvInt("WHISPER_RATE_LIMIT_PER_MINUTE", DefaultWhisperReqs),

		CounterBaseURL: getEnv("COUNTER_APP_BASE_URL", DefaultCounterBaseURL),
		AppID:          getEnv("APP_ID", "default_app"),
		HTTPTimeout:    time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", DefaultHTTPTimeoutSeconds)) * time.Second,

		ProviderEndpoint:   os.Getenv("PROVIDER_ENDPOINT"),
		ProviderAPIKey:     os.Getenv("PROVIDER_API_KEY"),
		ProviderDeployment: getEnv("PROVIDER_DEPLOYMENT", "gpt-4o-mini"),
		ProviderAPIVersion: getEnv("PROVIDER_API_VERSION", DefaultProviderAPIVersion),

		RedisURL:      getEnv("REDIS_URL", DefaultRedisURL),
		InQueue:       getEnv("IN_QUEUE_NAME", "jobs-in"),
		OutQueue:      getEnv("OUT_QUEUE_NAME", "jobs-out"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "workers"),
		ConsumerName:  getEnv("CONSUMER_NAME", defaultConsumerName()),

		BatchSize: getEnvInt("MESSAGE_BATCH_SIZE", DefaultBatchSize),
		FanOut:    getEnvInt("WORKER_FAN_OUT", DefaultFanOut),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configured limits are usable
func (c *Config) Validate() error {
	limits := map[string]int{
		"OPENAI_TOKEN_LIMIT_PER_MINUTE":    c.CompletionTokensPerMinute,
		"API_RATE_LIMIT_PER_MINUTE":        c.CompletionReqsPerMinute,
		"EMBEDDING_TOKEN_LIMIT_PER_MINUTE": c.EmbeddingTokensPerMinute,
		"EMBEDDING_RATE_LIMIT_PER_MINUTE":  c.EmbeddingReqsPerMinute,
		"WHISPER_RATE_LIMIT_PER_MINUTE":    c.WhisperReqsPerMinute,
	}
	for name, v := range limits {
		if v <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %d", name, v)
		}
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("MESSAGE_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.FanOut <= 0 {
		return fmt.Errorf("WORKER_FAN_OUT must be positive, got %d", c.FanOut)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
