package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/model"
)

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 20 * time.Second
)

type endpointHealth struct {
	mu                  sync.Mutex
	consecutiveFailures int
	circuitOpenUntil    time.Time
	lastLatency         time.Duration
}

type endpoint struct {
	backend Backend
	health  endpointHealth
}

// Router spreads requests across a set of backends round-robin,
// skipping endpoints whose circuit is open. Three consecutive failures
// open an endpoint's circuit for the cooldown period; the first
// selection after the cooldown closes it again.
type Router struct {
	endpoints        []*endpoint
	next             atomic.Uint64
	failureThreshold int
	cooldown         time.Duration
}

// NewRouter creates a router over the given backends with the default
// failure threshold and cooldown. Panics if backends is empty.
func NewRouter(backends []Backend) *Router {
	return NewRouterWithOptions(backends, defaultFailureThreshold, defaultCooldown)
}

// NewRouterWithOptions creates a router with explicit circuit-breaker
// parameters.
func NewRouterWithOptions(backends []Backend, failureThreshold int, cooldown time.Duration) *Router {
	if len(backends) == 0 {
		panic("backend: at least one backend must be configured")
	}
	endpoints := make([]*endpoint, len(backends))
	for i, b := range backends {
		endpoints[i] = &endpoint{backend: b}
	}
	return &Router{
		endpoints:        endpoints,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

func (r *Router) Name() string { return "backend-router" }

// StartHealthChecks probes every endpoint on the given interval until
// ctx is cancelled.
func (r *Router) StartHealthChecks(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			r.checkOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *Router) checkOnce(ctx context.Context) {
	probe := healthProbeRequest()
	for _, ep := range r.endpoints {
		started := time.Now()
		_, err := ep.backend.ExecuteChat(ctx, probe)
		elapsed := time.Since(started)

		ep.health.mu.Lock()
		ep.health.lastLatency = elapsed
		if err == nil {
			ep.health.consecutiveFailures = 0
			ep.health.circuitOpenUntil = time.Time{}
		} else {
			ep.health.consecutiveFailures++
			if ep.health.consecutiveFailures >= r.failureThreshold {
				ep.health.circuitOpenUntil = time.Now().Add(r.cooldown)
			}
			log.Warn().
				Str("backend", ep.backend.Name()).
				Err(err).
				Int("failures", ep.health.consecutiveFailures).
				Msg("health check failed")
		}
		ep.health.mu.Unlock()
	}
}

func (r *Router) selectEndpoint() (*endpoint, error) {
	total := uint64(len(r.endpoints))
	start := r.next.Add(1) - 1
	now := time.Now()

	for offset := uint64(0); offset < total; offset++ {
		ep := r.endpoints[(start+offset)%total]

		ep.health.mu.Lock()
		if until := ep.health.circuitOpenUntil; !until.IsZero() {
			if until.After(now) {
				ep.health.mu.Unlock()
				continue
			}
			ep.health.circuitOpenUntil = time.Time{}
			ep.health.consecutiveFailures = 0
		}
		ep.health.mu.Unlock()
		return ep, nil
	}

	return nil, Unavailable("all backends are currently unhealthy")
}

func (r *Router) markSuccess(ep *endpoint, latency time.Duration) {
	ep.health.mu.Lock()
	defer ep.health.mu.Unlock()
	ep.health.consecutiveFailures = 0
	ep.health.circuitOpenUntil = time.Time{}
	ep.health.lastLatency = latency
}

func (r *Router) markFailure(ep *endpoint, latency time.Duration) {
	ep.health.mu.Lock()
	defer ep.health.mu.Unlock()
	ep.health.consecutiveFailures++
	ep.health.lastLatency = latency
	if ep.health.consecutiveFailures >= r.failureThreshold {
		ep.health.circuitOpenUntil = time.Now().Add(r.cooldown)
		log.Warn().
			Str("backend", ep.backend.Name()).
			Int("failures", ep.health.consecutiveFailures).
			Dur("cooldown", r.cooldown).
			Msg("circuit opened for backend")
	}
}

func (r *Router) ExecuteChat(ctx context.Context, req *model.NormalizedRequest) (*model.BackendResponse, error) {
	ep, err := r.selectEndpoint()
	if err != nil {
		return nil, err
	}
	started := time.Now()
	response, err := ep.backend.ExecuteChat(ctx, req)
	latency := time.Since(started)
	if err != nil {
		r.markFailure(ep, latency)
		return nil, err
	}
	r.markSuccess(ep, latency)

	log.Debug().
		Str("backend", ep.backend.Name()).
		Dur("latency", latency).
		Msg("execute_chat completed")
	return response, nil
}

func (r *Router) StreamChat(ctx context.Context, req *model.NormalizedRequest) (<-chan StreamEvent, error) {
	ep, err := r.selectEndpoint()
	if err != nil {
		return nil, err
	}
	started := time.Now()
	stream, err := ep.backend.StreamChat(ctx, req)
	latency := time.Since(started)
	if err != nil {
		r.markFailure(ep, latency)
		return nil, err
	}
	r.markSuccess(ep, latency)

	log.Debug().
		Str("backend", ep.backend.Name()).
		Dur("latency", latency).
		Msg("stream_chat routed")
	return stream, nil
}

func healthProbeRequest() *model.NormalizedRequest {
	maxTokens := 1
	return &model.NormalizedRequest{
		RequestID: "health-probe",
		UserID:    "system",
		Model:     "health-probe",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "healthcheck"},
		},
		Generation: model.GenerationParams{MaxTokens: &maxTokens},
	}
}
