package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/auth"
	"github.com/llmgw/gateway/internal/backend"
	"github.com/llmgw/gateway/internal/cache"
	"github.com/llmgw/gateway/internal/coalesce"
	"github.com/llmgw/gateway/internal/config"
	"github.com/llmgw/gateway/internal/httpapi"
	"github.com/llmgw/gateway/internal/limits"
	"github.com/llmgw/gateway/internal/metrics"
)

const healthCheckInterval = 15 * time.Second

func main() {
	// Local overrides; missing .env is fine.
	_ = godotenv.Load()

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "llm-gateway").Logger()

	cfg := config.FromEnv()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	// Backend fleet: the provider adapter when configured, otherwise a
	// pair of mocks so the gateway is usable out of the box.
	var backends []backend.Backend
	if openai := backend.NewOpenAI(backend.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.OpenAITimeout,
	}); openai != nil {
		backends = append(backends, openai)
	}
	if len(backends) == 0 {
		backends = append(backends, backend.NewMock("mock-a"), backend.NewMock("mock-b"))
	}

	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}

	router := backend.NewRouter(backends)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	router.StartHealthChecks(ctx, healthCheckInterval)
	log.Info().Strs("endpoints", names).Msg("backend router configured")

	policy := auth.Policy{
		RequestsPerMinute: cfg.RequestsPerMinute,
		TokensPerMinute:   cfg.TokensPerMinute,
		TokensPerDay:      cfg.TokensPerDay,
	}

	var limiter *limits.RateLimiter
	var responseCache *cache.ResponseCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("invalid REDIS_URL, falling back to in-memory state")
		} else {
			client := redis.NewClient(opts)
			limiter = limits.NewRedis(client, cfg.RedisPrefix)
			responseCache = cache.NewRedis(client, cfg.RedisPrefix, cfg.CacheTTL)
			log.Info().Str("prefix", cfg.RedisPrefix).Msg("redis shared state enabled")
		}
	}
	if limiter == nil {
		limiter = limits.NewMemory()
		responseCache = cache.NewMemory(cfg.CacheTTL)
	}

	srv := &httpapi.Server{
		Auth:      auth.NewRegistry(cfg.APIKeys, policy),
		Limiter:   limiter,
		Cache:     responseCache,
		Coalescer: coalesce.New(),
		Backend:   router,
		Batcher: backend.NewBatcher(router, backend.BatchConfig{
			Enabled:      cfg.BatchEnabled,
			MaxBatchSize: cfg.BatchMaxSize,
			MaxWait:      cfg.BatchMaxWait,
		}),
		Metrics: metrics.New(),
	}

	httpServer := &http.Server{
		Addr:        cfg.Addr,
		Handler:     srv.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
