// Package model holds the provider-compatible wire envelopes and the
// normalized request types the rest of the gateway operates on.
package model

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatCompletionsRequest is the incoming request body for
// POST /v1/chat/completions.
type ChatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	User        string    `json:"user,omitempty"`
}

// Message is a single role/content pair in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are the sampling parameters that shape a response.
type GenerationParams struct {
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
}

// NormalizedRequest is the internal representation of a chat request
// after validation. Message order and content are preserved verbatim.
type NormalizedRequest struct {
	RequestID  string
	UserID     string
	Model      string
	Messages   []Message
	Generation GenerationParams
	Stream     bool
}

var (
	ErrModelRequired = errors.New("model is required")
	ErrMessagesEmpty = errors.New("messages must not be empty")
)

// Normalize validates the request and produces a NormalizedRequest
// with a freshly minted request id.
func (r *ChatCompletionsRequest) Normalize(userID string) (*NormalizedRequest, error) {
	if strings.TrimSpace(r.Model) == "" {
		return nil, ErrModelRequired
	}
	if len(r.Messages) == 0 {
		return nil, ErrMessagesEmpty
	}

	messages := make([]Message, len(r.Messages))
	copy(messages, r.Messages)

	return &NormalizedRequest{
		RequestID: "req_" + uuid.NewString(),
		UserID:    userID,
		Model:     r.Model,
		Messages:  messages,
		Generation: GenerationParams{
			MaxTokens:   r.MaxTokens,
			Temperature: r.Temperature,
			TopP:        r.TopP,
		},
		Stream: r.Stream,
	}, nil
}

// Usage is the token accounting attached to a backend response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage computes the saturating total from its parts.
func NewUsage(prompt, completion int) Usage {
	total := prompt + completion
	if total < prompt {
		total = int(^uint(0) >> 1)
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

// BackendResponse is a completed chat result from an upstream backend.
type BackendResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// BackendChunk is one streamed increment from an upstream backend.
// Exactly one chunk per stream carries Done=true; no chunk follows it.
type BackendChunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
	Done         bool
}
