package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/backend"
	"github.com/llmgw/gateway/internal/coalesce"
	"github.com/llmgw/gateway/internal/fingerprint"
	"github.com/llmgw/gateway/internal/limits"
	"github.com/llmgw/gateway/internal/model"
)

const (
	chatPath          = "/v1/chat/completions"
	keepAliveInterval = 10 * time.Second
)

// ChatCompletions handles POST /v1/chat/completions for both the
// one-shot and the streaming path.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	release := s.Metrics.InflightAdd()
	defer release()

	var payload model.ChatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		apiErr := badRequest("invalid request body: " + err.Error())
		writeAPIError(w, apiErr)
		s.Metrics.ObserveRequest(chatPath, r.Method, false, apiErr.status, time.Since(started))
		return
	}

	status := s.processChat(w, r, &payload)
	s.Metrics.ObserveRequest(chatPath, r.Method, payload.Stream, status, time.Since(started))
}

func (s *Server) processChat(w http.ResponseWriter, r *http.Request, payload *model.ChatCompletionsRequest) int {
	authCtx, err := s.Auth.Authenticate(r.Header)
	if err != nil {
		apiErr := unauthorized(err.Error())
		writeAPIError(w, apiErr)
		return apiErr.status
	}

	normalized, err := payload.Normalize(authCtx.UserID)
	if err != nil {
		apiErr := badRequest(err.Error())
		writeAPIError(w, apiErr)
		return apiErr.status
	}

	estimated := limits.EstimateTokens(normalized)
	snapshot, err := s.Limiter.CheckAndConsume(r.Context(), authCtx.APIKey, authCtx.Policy, estimated)
	if err != nil {
		var limitErr *limits.LimitError
		if errors.As(err, &limitErr) {
			apiErr := rateLimited(limitErr.Error(), limitErr.Snapshot.HeaderPairs())
			writeAPIError(w, apiErr)
			return apiErr.status
		}
		apiErr := backendError(err.Error())
		writeAPIError(w, apiErr)
		return apiErr.status
	}

	fp := fingerprint.For(normalized)
	log.Info().
		Str("request_id", normalized.RequestID).
		Str("user_id", normalized.UserID).
		Str("model", normalized.Model).
		Bool("stream", normalized.Stream).
		Int64("estimated_tokens", estimated).
		Str("client_user", payload.User).
		Str("fingerprint", fp).
		Msg("chat request accepted")

	if normalized.Stream {
		return s.streamCompletion(w, r, normalized, authCtx.APIKey, fp, estimated, snapshot)
	}
	return s.oneShotCompletion(w, r, normalized, authCtx.APIKey, fp, estimated, snapshot)
}

func (s *Server) oneShotCompletion(
	w http.ResponseWriter,
	r *http.Request,
	req *model.NormalizedRequest,
	apiKey, fp string,
	estimated int64,
	snapshot *limits.Snapshot,
) int {
	created := time.Now().Unix()
	responseID := "chatcmpl-" + uuid.NewString()

	if cached, ok := s.Cache.Get(r.Context(), fp); ok {
		s.Limiter.ReconcileTokens(r.Context(), apiKey, estimated, int64(cached.Usage.TotalTokens))
		s.Metrics.ObserveUsage(&cached.Usage)

		applyRateLimitHeaders(w, snapshot)
		w.Header().Set("x-cache", "hit")
		writeJSON(w, http.StatusOK, model.NewChatCompletionsResponse(responseID, created, req.Model, cached))
		return http.StatusOK
	}

	// The upstream call must survive a client disconnect so followers
	// of the same fingerprint still get their result.
	execCtx := context.WithoutCancel(r.Context())
	response, outcome, err := s.Coalescer.ExecuteOrJoin(execCtx, fp, s.Batcher, req)
	if err != nil {
		s.Metrics.ObserveBackendError("one_shot")
		apiErr := backendError(err.Error())
		writeAPIError(w, apiErr)
		return apiErr.status
	}

	s.Limiter.ReconcileTokens(r.Context(), apiKey, estimated, int64(response.Usage.TotalTokens))
	s.Metrics.ObserveUsage(&response.Usage)
	s.Cache.Set(r.Context(), fp, response)

	if outcome == coalesce.Joined {
		log.Info().Msg("one-shot response served from inflight coalescing")
	}

	applyRateLimitHeaders(w, snapshot)
	w.Header().Set("x-cache", "miss")
	writeJSON(w, http.StatusOK, model.NewChatCompletionsResponse(responseID, created, req.Model, response))
	return http.StatusOK
}

func (s *Server) streamCompletion(
	w http.ResponseWriter,
	r *http.Request,
	req *model.NormalizedRequest,
	apiKey, fp string,
	estimated int64,
	snapshot *limits.Snapshot,
) int {
	created := time.Now().Unix()
	responseID := "chatcmpl-" + uuid.NewString()
	join := s.Coalescer.JoinOrCreateStream(fp)

	if join.IsLeader {
		// Detached producer: the leader's upstream call finishes even
		// if every subscriber disconnects.
		leaderCtx := context.WithoutCancel(r.Context())
		go s.runStreamLeader(leaderCtx, fp, req)
	}

	applyRateLimitHeaders(w, snapshot)
	sse, err := newSSEStream(w)
	if err != nil {
		apiErr := &apiError{status: http.StatusInternalServerError, errType: "server_error", message: err.Error()}
		writeAPIError(w, apiErr)
		return apiErr.status
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	emittedRole := false
	for {
		select {
		case event, ok := <-join.Receiver:
			if !ok {
				sse.sendData("[DONE]")
				return http.StatusOK
			}
			if event.Err != nil {
				s.Metrics.ObserveBackendError("stream_fanout")
				log.Warn().Err(event.Err).Msg("backend stream error")
				sse.sendJSON(errorEnvelope{Error: errorDetail{
					Message: event.Err.Error(),
					Type:    "backend_error",
				}})
				sse.sendData("[DONE]")
				return http.StatusOK
			}

			chunk := event.Chunk
			if !emittedRole {
				emittedRole = true
				sse.sendJSON(model.RoleChunk(responseID, created, req.Model))
			}
			if chunk.Delta != "" {
				sse.sendJSON(model.DeltaChunk(responseID, created, req.Model, chunk.Delta))
			}
			if chunk.Done {
				if chunk.Usage != nil {
					s.Limiter.ReconcileTokens(r.Context(), apiKey, estimated, int64(chunk.Usage.TotalTokens))
					s.Metrics.ObserveUsage(chunk.Usage)
					log.Info().
						Int("prompt_tokens", chunk.Usage.PromptTokens).
						Int("completion_tokens", chunk.Usage.CompletionTokens).
						Int("total_tokens", chunk.Usage.TotalTokens).
						Msg("stream usage summary")
				}
				finishReason := chunk.FinishReason
				if finishReason == "" {
					finishReason = "stop"
				}
				sse.sendJSON(model.FinishChunk(responseID, created, req.Model, finishReason))
				sse.sendData("[DONE]")
				return http.StatusOK
			}

		case <-keepAlive.C:
			sse.sendComment("keep-alive")

		case <-r.Context().Done():
			// Client gone; the coalescer drops this sink on the next
			// publish and the leader carries on.
			return http.StatusOK
		}
	}
}

// runStreamLeader drives the upstream stream and republishes every
// chunk, including the terminal one, to the coalescer.
func (s *Server) runStreamLeader(ctx context.Context, fp string, req *model.NormalizedRequest) {
	stream, err := s.Backend.StreamChat(ctx, req)
	if err != nil {
		s.Metrics.ObserveBackendError("stream_leader_start")
		s.Coalescer.PublishStreamItem(fp, backend.StreamEvent{Err: err})
		return
	}

	for event := range stream {
		if event.Err != nil {
			s.Metrics.ObserveBackendError("stream_leader_read")
			s.Coalescer.PublishStreamItem(fp, event)
			return
		}
		s.Coalescer.PublishStreamItem(fp, event)
		if event.Chunk.Done {
			return
		}
	}

	// A well-behaved backend always terminates; guard against one
	// that closes the channel without a terminal chunk.
	s.Coalescer.PublishStreamItem(fp, backend.StreamEvent{
		Err: backend.Unavailable("stream ended without terminal chunk"),
	})
}

func applyRateLimitHeaders(w http.ResponseWriter, snapshot *limits.Snapshot) {
	for _, pair := range snapshot.HeaderPairs() {
		w.Header().Set(pair[0], pair[1])
	}
}
