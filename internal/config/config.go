// Package config provides configuration management for the pipeline workers.
// It loads settings from environment variables (optionally seeded from a .env
// file) with sensible defaults and validates them before any worker starts.
//
// Environment Variables:
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Queues:
//   - ITEMS_STREAM: log key carrying "item ready" messages (default: pipeline-items-ready)
//   - REQUESTS_STREAM: log key carrying "request ready" messages (default: pipeline-requests-ready)
//   - ITEMS_GROUP: consumer group of the item processors (default: items-processing)
//   - REQUESTS_GROUP: consumer group of the request resolvers (default: requests-processing)
//   - CONSUMER_NAME: this process' member name in both groups (default: hostname-uuid)
//   - CONSUMER_BATCH_SIZE: messages per blocking read (default: 10)
//   - CONSUMER_BLOCK: blocking read poll timeout (default: 5s)
//   - CONSUMER_CLAIM_IDLE: reclaim messages pending longer than this, 0 disables (default: 60s)
//   - WORKER_CONCURRENCY: handlers running at once per watcher (default: 8)
//
// Completion Provider:
//   - OPENAI_API_KEY: API key (required by the worker command)
//   - OPENAI_BASE_URL: alternative endpoint for OpenAI compatible servers
//   - OPENAI_MODEL: default model (default: gpt-4o-mini)
//   - PROVIDER_BREAKER_FAILURES: consecutive failures before the circuit opens (default: 5)
//   - PROVIDER_BREAKER_TIMEOUT: how long the circuit stays open (default: 60s)
//   - PROVIDER_RATE_LIMIT: provider calls per second per process, 0 disables (default: 0)
//   - PROVIDER_RATE_BURST: calls allowed at once above the rate (default: 1)
//
// Application Settings:
//   - HTTP_PORT: HTTP port of the worker (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: write logs to this file instead of stdout
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration values of a worker process.
type Config struct {
	// Redis configuration
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// Queue configuration
	ItemsStream       string
	RequestsStream    string
	ItemsGroup        string
	RequestsGroup     string
	ConsumerName      string
	ConsumerBatchSize int64
	ConsumerBlock     time.Duration
	ConsumerClaimIdle time.Duration
	WorkerConcurrency int

	// Completion provider configuration
	OpenAIAPIKey            string
	OpenAIBaseURL           string
	OpenAIModel             string
	ProviderBreakerFailures int
	ProviderBreakerTimeout  time.Duration
	ProviderRateLimit       float64
	ProviderRateBurst       int

	// Application settings
	HTTPPort string
	LogLevel string
	LogFile  string
}

// Load creates a new Config with values read from the environment. A .env file
// in the working directory, when present, is loaded first without overriding
// variables that are already set.
//
// Load does not validate; call Validate on the result.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),

		ItemsStream:       getEnv("ITEMS_STREAM", "pipeline-items-ready"),
		RequestsStream:    getEnv("REQUESTS_STREAM", "pipeline-requests-ready"),
		ItemsGroup:        getEnv("ITEMS_GROUP", "items-processing"),
		RequestsGroup:     getEnv("REQUESTS_GROUP", "requests-processing"),
		ConsumerName:      getEnv("CONSUMER_NAME", defaultConsumerName()),
		ConsumerBatchSize: int64(getIntEnv("CONSUMER_BATCH_SIZE", 10)),
		ConsumerBlock:     getDurationEnv("CONSUMER_BLOCK", 5*time.Second),
		ConsumerClaimIdle: getDurationEnv("CONSUMER_CLAIM_IDLE", time.Minute),
		WorkerConcurrency: getIntEnv("WORKER_CONCURRENCY", 8),

		OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:           getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:             getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		ProviderBreakerFailures: getIntEnv("PROVIDER_BREAKER_FAILURES", 5),
		ProviderBreakerTimeout:  getDurationEnv("PROVIDER_BREAKER_TIMEOUT", time.Minute),
		ProviderRateLimit:       getFloatEnv("PROVIDER_RATE_LIMIT", 0),
		ProviderRateBurst:       getIntEnv("PROVIDER_RATE_BURST", 1),

		HTTPPort: getEnv("HTTP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}
}

// getEnv retrieves an environment variable value or returns defaultValue if unset or empty.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv parses an integer environment variable. Unparsable values fall back to
// -1 so that Validate reports them instead of silently using the default.
func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return parsed
}

// getFloatEnv parses a float environment variable. Unparsable values fall back
// to -1 so that Validate reports them.
func getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return parsed
}

// getDurationEnv parses a duration environment variable such as "5s" or "1m".
// Unparsable values fall back to -1 so that Validate reports them.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return -1
	}
	return parsed
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	if c.RedisAddress == "" {
		return fmt.Errorf("REDIS_ADDRESS is required")
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
	}
	if c.RedisPoolSize < 1 {
		return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
	}

	if c.ItemsStream == "" || c.RequestsStream == "" {
		return fmt.Errorf("ITEMS_STREAM and REQUESTS_STREAM must not be empty")
	}
	if c.ItemsStream == c.RequestsStream {
		return fmt.Errorf("ITEMS_STREAM and REQUESTS_STREAM must differ")
	}
	if c.ItemsGroup == "" || c.RequestsGroup == "" {
		return fmt.Errorf("ITEMS_GROUP and REQUESTS_GROUP must not be empty")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("CONSUMER_NAME must not be empty")
	}
	if c.ConsumerBatchSize < 1 {
		return fmt.Errorf("CONSUMER_BATCH_SIZE must be a positive number")
	}
	if c.ConsumerBlock <= 0 {
		return fmt.Errorf("CONSUMER_BLOCK must be a positive duration (e.g., '5s')")
	}
	if c.ConsumerClaimIdle < 0 {
		return fmt.Errorf("CONSUMER_CLAIM_IDLE must be a duration, 0 disables reclaiming")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be a positive number")
	}

	if c.ProviderBreakerFailures < 1 {
		return fmt.Errorf("PROVIDER_BREAKER_FAILURES must be a positive number")
	}
	if c.ProviderBreakerTimeout <= 0 {
		return fmt.Errorf("PROVIDER_BREAKER_TIMEOUT must be a positive duration")
	}
	if c.ProviderRateLimit < 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT must be a number of calls per second, 0 disables limiting")
	}
	if c.ProviderRateBurst < 1 {
		return fmt.Errorf("PROVIDER_RATE_BURST must be a positive number")
	}

	if port, err := strconv.Atoi(c.HTTPPort); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("HTTP_PORT must be a valid port number between 1 and 65535")
	}

	return nil
}

// ValidateProvider checks the settings only the request resolver needs.
func (c *Config) ValidateProvider() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY environment variable is required")
	}
	return nil
}
