// Package httpapi exposes the gateway's provider-compatible HTTP
// surface: health, metrics, and chat completions.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/auth"
	"github.com/llmgw/gateway/internal/backend"
	"github.com/llmgw/gateway/internal/cache"
	"github.com/llmgw/gateway/internal/coalesce"
	"github.com/llmgw/gateway/internal/limits"
	"github.com/llmgw/gateway/internal/metrics"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Auth      *auth.Registry
	Limiter   *limits.RateLimiter
	Cache     *cache.ResponseCache
	Coalescer *coalesce.Coalescer

	// Backend is the health-aware router; Batcher wraps it for the
	// non-streaming path.
	Backend backend.Backend
	Batcher backend.Backend

	Metrics *metrics.Metrics
}

// Routes creates the HTTP router with all gateway endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Get("/metrics", s.Metrics.Handler().ServeHTTP)

	r.Post("/v1/chat/completions", s.ChatCompletions)

	log.Info().Msg("HTTP routes registered")
	return r
}
