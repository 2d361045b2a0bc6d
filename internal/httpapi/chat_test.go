package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llmgw/gateway/internal/auth"
	"github.com/llmgw/gateway/internal/backend"
	"github.com/llmgw/gateway/internal/cache"
	"github.com/llmgw/gateway/internal/coalesce"
	"github.com/llmgw/gateway/internal/limits"
	"github.com/llmgw/gateway/internal/metrics"
	"github.com/llmgw/gateway/internal/model"
)

// countingBackend wraps the mock and counts one-shot executions.
type countingBackend struct {
	inner backend.Backend
	calls atomic.Int64
	gate  chan struct{}
}

func (c *countingBackend) Name() string { return "counting" }

func (c *countingBackend) ExecuteChat(ctx context.Context, req *model.NormalizedRequest) (*model.BackendResponse, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.inner.ExecuteChat(ctx, req)
}

func (c *countingBackend) StreamChat(ctx context.Context, req *model.NormalizedRequest) (<-chan backend.StreamEvent, error) {
	return c.inner.StreamChat(ctx, req)
}

func newTestServer(t *testing.T, policy auth.Policy, b backend.Backend) *Server {
	t.Helper()
	if b == nil {
		b = backend.NewMockWithDelay("mock-test", 0)
	}
	return &Server{
		Auth:      auth.NewRegistry("test-key", policy),
		Limiter:   limits.NewMemory(),
		Cache:     cache.NewMemory(time.Minute),
		Coalescer: coalesce.New(),
		Backend:   b,
		Batcher:   b,
		Metrics:   metrics.New(),
	}
}

func defaultPolicy() auth.Policy {
	return auth.Policy{
		RequestsPerMinute: 100,
		TokensPerMinute:   100_000,
		TokensPerDay:      1_000_000,
	}
}

func chatBody(t *testing.T, stream bool) *bytes.Reader {
	t.Helper()
	payload := map[string]any{
		"model": "gpt-4o-mini",
		"messages": []map[string]string{
			{"role": "user", "content": "hello world"},
		},
	}
	if stream {
		payload["stream"] = true
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(raw)
}

func doChat(handler http.Handler, body *bytes.Reader, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/chat/completions", body)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return envelope.Error
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	handler := srv.Routes()

	doChat(handler, chatBody(t, false), "test-key")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway_http_requests_total") {
		t.Errorf("metrics output missing request counter")
	}
}

func TestMissingAPIKeyRejected(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	rec := doChat(srv.Routes(), chatBody(t, false), "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	detail := decodeError(t, rec)
	if detail.Type != "authentication_error" {
		t.Errorf("error type = %q", detail.Type)
	}
	if detail.Message != "missing x-api-key header" {
		t.Errorf("message = %q", detail.Message)
	}
}

func TestInvalidAPIKeyRejected(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	rec := doChat(srv.Routes(), chatBody(t, false), "wrong-key")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Type != "authentication_error" {
		t.Errorf("error type = %q", detail.Type)
	}
}

func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	handler := srv.Routes()

	cases := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed json", "{not json", ""},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model is required"},
		{"empty messages", `{"model":"gpt-4o-mini","messages":[]}`, "messages must not be empty"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doChat(handler, bytes.NewReader([]byte(tc.body)), "test-key")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			detail := decodeError(t, rec)
			if detail.Type != "invalid_request_error" {
				t.Errorf("error type = %q", detail.Type)
			}
			if tc.message != "" && detail.Message != tc.message {
				t.Errorf("message = %q, want %q", detail.Message, tc.message)
			}
		})
	}
}

func TestOneShotCompletion(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	rec := doChat(srv.Routes(), chatBody(t, false), "test-key")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp model.ChatCompletionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Role != "assistant" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens == 0 {
		t.Errorf("usage missing")
	}

	if got := rec.Header().Get("x-cache"); got != "miss" {
		t.Errorf("x-cache = %q, want miss", got)
	}
	if rec.Header().Get("x-ratelimit-limit-requests-minute") != "100" {
		t.Errorf("rate limit headers missing: %v", rec.Header())
	}
	if rec.Header().Get("x-ratelimit-remaining-requests-minute") != "99" {
		t.Errorf("remaining requests = %q", rec.Header().Get("x-ratelimit-remaining-requests-minute"))
	}
}

func TestCacheHitOnRepeat(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	handler := srv.Routes()

	first := doChat(handler, chatBody(t, false), "test-key")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get("x-cache") != "miss" {
		t.Fatalf("first x-cache = %q", first.Header().Get("x-cache"))
	}

	second := doChat(handler, chatBody(t, false), "test-key")
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	if second.Header().Get("x-cache") != "hit" {
		t.Errorf("second x-cache = %q, want hit", second.Header().Get("x-cache"))
	}

	var a, b model.ChatCompletionsResponse
	json.Unmarshal(first.Body.Bytes(), &a)
	json.Unmarshal(second.Body.Bytes(), &b)
	if a.Choices[0].Message.Content != b.Choices[0].Message.Content {
		t.Errorf("cached content differs")
	}
	if a.ID == b.ID {
		t.Errorf("response ids must be fresh per request")
	}
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	counting := &countingBackend{
		inner: backend.NewMockWithDelay("mock-test", 0),
		gate:  make(chan struct{}),
	}
	srv := newTestServer(t, defaultPolicy(), counting)
	handler := srv.Routes()

	const concurrency = 5
	var wg sync.WaitGroup
	codes := make(chan int, concurrency)
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			rec := doChat(handler, chatBody(t, false), "test-key")
			codes <- rec.Code
		}()
	}

	// Release the leader once every request is in flight behind it.
	deadline := time.After(time.Second)
	for counting.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("leader never reached the backend")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(counting.gate)
	wg.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusOK {
			t.Errorf("status = %d", code)
		}
	}
	if calls := counting.calls.Load(); calls != 1 {
		t.Errorf("backend calls = %d, want 1", calls)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	policy := defaultPolicy()
	policy.RequestsPerMinute = 2
	srv := newTestServer(t, policy, nil)
	handler := srv.Routes()

	// Distinct bodies dodge the cache so every request hits admission.
	bodies := []string{
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"one"}]}`,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"two"}]}`,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"three"}]}`,
	}
	for i, body := range bodies[:2] {
		rec := doChat(handler, bytes.NewReader([]byte(body)), "test-key")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := doChat(handler, bytes.NewReader([]byte(bodies[2])), "test-key")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	detail := decodeError(t, rec)
	if detail.Type != "rate_limit_error" {
		t.Errorf("error type = %q", detail.Type)
	}
	if detail.Message != "requests per minute quota exceeded" {
		t.Errorf("message = %q", detail.Message)
	}
	if got := rec.Header().Get("x-ratelimit-remaining-requests-minute"); got != "0" {
		t.Errorf("remaining requests = %q, want 0", got)
	}
	if rec.Header().Get("x-ratelimit-reset-requests-minute") == "" {
		t.Errorf("reset header missing on rejection")
	}
}

func TestStreamingCompletion(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	rec := doChat(srv.Routes(), chatBody(t, true), "test-key")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("x-ratelimit-limit-requests-minute") == "" {
		t.Errorf("rate limit headers missing on stream")
	}

	var (
		sawRole   bool
		sawFinish bool
		sawDone   bool
		assembled strings.Builder
	)
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}

		var chunk model.ChatCompletionsChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", data, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("chunk object = %q", chunk.Object)
		}
		choice := chunk.Choices[0]
		if choice.Delta.Role == "assistant" {
			sawRole = true
		}
		assembled.WriteString(choice.Delta.Content)
		if choice.FinishReason != nil {
			if *choice.FinishReason != "stop" {
				t.Errorf("finish_reason = %q", *choice.FinishReason)
			}
			sawFinish = true
		}
	}

	if !sawRole || !sawFinish || !sawDone {
		t.Fatalf("stream incomplete: role=%v finish=%v done=%v", sawRole, sawFinish, sawDone)
	}
	want := "Mock response for model gpt-4o-mini: hello world"
	if assembled.String() != want {
		t.Errorf("assembled = %q, want %q", assembled.String(), want)
	}
}

func TestStreamAndOneShotShareFingerprint(t *testing.T) {
	srv := newTestServer(t, defaultPolicy(), nil)
	handler := srv.Routes()

	// Prime the cache with the one-shot variant.
	first := doChat(handler, chatBody(t, false), "test-key")
	if first.Code != http.StatusOK {
		t.Fatalf("one-shot status = %d", first.Code)
	}

	// The stream variant shares content but takes the streaming path;
	// it must still complete normally.
	rec := doChat(handler, chatBody(t, true), "test-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "[DONE]") {
		t.Errorf("stream missing [DONE]")
	}
}
