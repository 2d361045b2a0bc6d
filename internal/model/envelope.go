package model

// ChatCompletionsResponse is the non-streaming response envelope.
type ChatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

type ChatChoice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewChatCompletionsResponse wraps a backend result in the provider
// envelope with a single choice.
func NewChatCompletionsResponse(id string, created int64, model string, backend *BackendResponse) *ChatCompletionsResponse {
	return &ChatCompletionsResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{{
			Index: 0,
			Message: AssistantMessage{
				Role:    "assistant",
				Content: backend.Content,
			},
			FinishReason: backend.FinishReason,
		}},
		Usage: backend.Usage,
	}
}

// ChatCompletionsChunk is one streamed SSE data payload.
type ChatCompletionsChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int          `json:"index"`
	Delta        DeltaMessage `json:"delta"`
	FinishReason *string      `json:"finish_reason,omitempty"`
}

type DeltaMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// RoleChunk is the first chunk of a stream, carrying only the role.
func RoleChunk(id string, created int64, model string) *ChatCompletionsChunk {
	return &ChatCompletionsChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: DeltaMessage{Role: "assistant"},
		}},
	}
}

// DeltaChunk carries one content increment.
func DeltaChunk(id string, created int64, model, content string) *ChatCompletionsChunk {
	return &ChatCompletionsChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: DeltaMessage{Content: content},
		}},
	}
}

// FinishChunk terminates a stream with a finish reason.
func FinishChunk(id string, created int64, model, finishReason string) *ChatCompletionsChunk {
	return &ChatCompletionsChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{
			Index:        0,
			Delta:        DeltaMessage{},
			FinishReason: &finishReason,
		}},
	}
}
