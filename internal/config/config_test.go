package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.APIKeys != "dev-key" {
		t.Errorf("api keys = %q", cfg.APIKeys)
	}
	if cfg.RequestsPerMinute != 120 {
		t.Errorf("requests per minute = %d", cfg.RequestsPerMinute)
	}
	if cfg.TokensPerMinute != 120_000 || cfg.TokensPerDay != 2_000_000 {
		t.Errorf("token limits = %d / %d", cfg.TokensPerMinute, cfg.TokensPerDay)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Errorf("cache ttl = %v", cfg.CacheTTL)
	}
	if !cfg.BatchEnabled || cfg.BatchMaxSize != 8 || cfg.BatchMaxWait != 10*time.Millisecond {
		t.Errorf("batch config = %+v", cfg)
	}
	if cfg.RedisPrefix != "gateway" {
		t.Errorf("redis prefix = %q", cfg.RedisPrefix)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", ":9999")
	t.Setenv("GATEWAY_API_KEYS", "k1,k2")
	t.Setenv("GATEWAY_LIMIT_REQUESTS_PER_MINUTE", "5")
	t.Setenv("GATEWAY_CACHE_TTL_SECS", "10")
	t.Setenv("GATEWAY_BATCH_ENABLED", "false")
	t.Setenv("OPENAI_BASE_URL", "https://proxy.example.com/v1/")

	cfg := FromEnv()
	if cfg.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.APIKeys != "k1,k2" {
		t.Errorf("api keys = %q", cfg.APIKeys)
	}
	if cfg.RequestsPerMinute != 5 {
		t.Errorf("requests per minute = %d", cfg.RequestsPerMinute)
	}
	if cfg.CacheTTL != 10*time.Second {
		t.Errorf("cache ttl = %v", cfg.CacheTTL)
	}
	if cfg.BatchEnabled {
		t.Errorf("batch should be disabled")
	}
	if cfg.OpenAIBaseURL != "https://proxy.example.com/v1" {
		t.Errorf("base url = %q, trailing slash not trimmed", cfg.OpenAIBaseURL)
	}
}

func TestEnvParsingFallbacks(t *testing.T) {
	t.Setenv("GATEWAY_LIMIT_REQUESTS_PER_MINUTE", "not-a-number")
	t.Setenv("GATEWAY_BATCH_MAX_SIZE", "-3")

	cfg := FromEnv()
	if cfg.RequestsPerMinute != 120 {
		t.Errorf("bad int should fall back, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BatchMaxSize != 8 {
		t.Errorf("non-positive batch size should fall back, got %d", cfg.BatchMaxSize)
	}
}
