// Package config loads gateway configuration from environment
// variables with sensible defaults for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration of the gateway.
type Config struct {
	Addr string
	Env  string

	// Authentication and quota policy.
	APIKeys           string
	RequestsPerMinute int
	TokensPerMinute   int64
	TokensPerDay      int64

	// Response cache.
	CacheTTL time.Duration

	// Micro-batching.
	BatchEnabled bool
	BatchMaxSize int
	BatchMaxWait time.Duration

	// Provider adapter.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAITimeout time.Duration

	// Optional shared state store.
	RedisURL    string
	RedisPrefix string
}

// FromEnv builds a Config from the environment, falling back to the
// documented defaults for anything unset.
func FromEnv() *Config {
	return &Config{
		Addr: env("GATEWAY_ADDR", ":8080"),
		Env:  env("ENV", "dev"),

		APIKeys:           env("GATEWAY_API_KEYS", "dev-key"),
		RequestsPerMinute: envInt("GATEWAY_LIMIT_REQUESTS_PER_MINUTE", 120),
		TokensPerMinute:   envInt64("GATEWAY_LIMIT_TOKENS_PER_MINUTE", 120_000),
		TokensPerDay:      envInt64("GATEWAY_LIMIT_TOKENS_PER_DAY", 2_000_000),

		CacheTTL: time.Duration(envInt("GATEWAY_CACHE_TTL_SECS", 90)) * time.Second,

		BatchEnabled: envBool("GATEWAY_BATCH_ENABLED", true),
		BatchMaxSize: envIntPositive("GATEWAY_BATCH_MAX_SIZE", 8),
		BatchMaxWait: time.Duration(envInt("GATEWAY_BATCH_MAX_WAIT_MS", 10)) * time.Millisecond,

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: strings.TrimRight(env("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		OpenAITimeout: time.Duration(envInt("OPENAI_TIMEOUT_SECS", 60)) * time.Second,

		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisPrefix: env("GATEWAY_REDIS_PREFIX", "gateway"),
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envIntPositive(key string, def int) int {
	n := envInt(key, def)
	if n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v != "0" && !strings.EqualFold(v, "false")
}
