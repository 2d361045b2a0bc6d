package backend

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/model"
)

// MockBackend fabricates deterministic responses for local development
// and tests. Streaming emits one whitespace token at a time with a
// small delay so coalescing and fan-out are observable.
type MockBackend struct {
	name       string
	tokenDelay time.Duration
}

// NewMock creates a mock backend with the default 35ms token delay.
func NewMock(name string) *MockBackend {
	return &MockBackend{name: name, tokenDelay: 35 * time.Millisecond}
}

// NewMockWithDelay creates a mock backend with a custom token delay.
func NewMockWithDelay(name string, delay time.Duration) *MockBackend {
	return &MockBackend{name: name, tokenDelay: delay}
}

func (m *MockBackend) Name() string { return m.name }

func (m *MockBackend) ExecuteChat(ctx context.Context, req *model.NormalizedRequest) (*model.BackendResponse, error) {
	content := renderResponse(req)
	return &model.BackendResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        estimateUsage(req, content),
	}, nil
}

func (m *MockBackend) StreamChat(ctx context.Context, req *model.NormalizedRequest) (<-chan StreamEvent, error) {
	content := renderResponse(req)
	usage := estimateUsage(req, content)
	out := make(chan StreamEvent, 32)

	go func() {
		defer close(out)
		for _, token := range splitForStream(content) {
			out <- StreamEvent{Chunk: model.BackendChunk{Delta: token}}
			time.Sleep(m.tokenDelay)
		}
		out <- StreamEvent{Chunk: model.BackendChunk{
			FinishReason: "stop",
			Usage:        &usage,
			Done:         true,
		}}
	}()

	log.Debug().Str("backend", m.name).Msg("stream prepared")
	return out, nil
}

func renderResponse(req *model.NormalizedRequest) string {
	prompt := "hello"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	return "Mock response for model " + req.Model + ": " + prompt
}

func estimateUsage(req *model.NormalizedRequest, completion string) model.Usage {
	prompt := 0
	for _, message := range req.Messages {
		prompt += len(strings.Fields(message.Content))
	}
	return model.NewUsage(prompt, len(strings.Fields(completion)))
}

// splitForStream breaks the content into whitespace tokens; every
// token except the last keeps a trailing space so concatenation
// reproduces the full content.
func splitForStream(content string) []string {
	words := strings.Fields(content)
	tokens := make([]string, len(words))
	for i, word := range words {
		if i+1 == len(words) {
			tokens[i] = word
		} else {
			tokens[i] = word + " "
		}
	}
	return tokens
}
