package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/model"
)

// OpenAIAdapter forwards chat completions to an OpenAI-compatible
// provider API.
type OpenAIAdapter struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// OpenAIConfig configures the provider adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewOpenAI creates a provider adapter, or nil when no API key is
// configured.
func NewOpenAI(cfg OpenAIConfig) *OpenAIAdapter {
	if cfg.APIKey == "" {
		return nil
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIAdapter{
		client:  &http.Client{Timeout: timeout},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
	}
}

func (a *OpenAIAdapter) Name() string { return "openai-adapter" }

type upstreamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type upstreamPayload struct {
	Model         string            `json:"model"`
	Messages      []upstreamMessage `json:"messages"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *streamOptions    `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func buildPayload(req *model.NormalizedRequest, stream bool) upstreamPayload {
	messages := make([]upstreamMessage, len(req.Messages))
	for i, message := range req.Messages {
		messages[i] = upstreamMessage{Role: string(message.Role), Content: message.Content}
	}
	payload := upstreamPayload{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.Generation.MaxTokens,
		Temperature: req.Generation.Temperature,
		TopP:        req.Generation.TopP,
		Stream:      stream,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return payload
}

func (a *OpenAIAdapter) post(ctx context.Context, req *model.NormalizedRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(buildPayload(req, stream))
	if err != nil {
		return nil, InvalidResponse("encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, Unavailable("%v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	response, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, Timeout("upstream timeout: %v", err)
		}
		return nil, Unavailable("%v", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, mapHTTPError(response.StatusCode, string(raw))
	}
	return response, nil
}

func mapHTTPError(status int, body string) *Error {
	trimmed := body
	if len(trimmed) > 400 {
		trimmed = trimmed[:400]
	}
	switch status {
	case http.StatusTooManyRequests:
		return Unavailable("rate limited: %s", trimmed)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Timeout("upstream timeout: %s", trimmed)
	default:
		return InvalidResponse("status %d: %s", status, trimmed)
	}
}

type upstreamChatResponse struct {
	Choices []upstreamChoice `json:"choices"`
	Usage   *model.Usage     `json:"usage"`
}

type upstreamChoice struct {
	Message      upstreamChoiceMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type upstreamChoiceMessage struct {
	Content string `json:"content"`
}

func (a *OpenAIAdapter) ExecuteChat(ctx context.Context, req *model.NormalizedRequest) (*model.BackendResponse, error) {
	response, err := a.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var parsed upstreamChatResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, InvalidResponse("%v", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, InvalidResponse("missing choices in response")
	}

	choice := parsed.Choices[0]
	usage := parsed.Usage
	if usage == nil {
		fallback := estimateUsage(req, choice.Message.Content)
		usage = &fallback
	}
	finishReason := choice.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	return &model.BackendResponse{
		Content:      choice.Message.Content,
		FinishReason: finishReason,
		Usage:        *usage,
	}, nil
}

type upstreamStreamResponse struct {
	Choices []upstreamStreamChoice `json:"choices"`
	Usage   *model.Usage           `json:"usage"`
}

type upstreamStreamChoice struct {
	Delta        upstreamDelta `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type upstreamDelta struct {
	Content string `json:"content"`
}

func (a *OpenAIAdapter) StreamChat(ctx context.Context, req *model.NormalizedRequest) (<-chan StreamEvent, error) {
	response, err := a.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 32)
	go func() {
		defer close(out)
		defer response.Body.Close()

		var finalUsage *model.Usage
		doneEmitted := false
		scanner := bufio.NewScanner(response.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			if payload == "[DONE]" {
				if !doneEmitted {
					out <- StreamEvent{Chunk: model.BackendChunk{
						FinishReason: "stop",
						Usage:        finalUsage,
						Done:         true,
					}}
					doneEmitted = true
				}
				continue
			}

			var parsed upstreamStreamResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				out <- StreamEvent{Err: InvalidResponse("%v", err)}
				continue
			}
			if parsed.Usage != nil {
				finalUsage = parsed.Usage
			}
			if len(parsed.Choices) == 0 {
				continue
			}

			choice := parsed.Choices[0]
			if choice.Delta.Content != "" {
				out <- StreamEvent{Chunk: model.BackendChunk{Delta: choice.Delta.Content}}
			}
			if choice.FinishReason != nil && !doneEmitted {
				out <- StreamEvent{Chunk: model.BackendChunk{
					FinishReason: *choice.FinishReason,
					Usage:        finalUsage,
					Done:         true,
				}}
				doneEmitted = true
			}
		}

		if err := scanner.Err(); err != nil && !doneEmitted {
			out <- StreamEvent{Err: Unavailable("%v", err)}
			return
		}
		if !doneEmitted {
			out <- StreamEvent{Chunk: model.BackendChunk{
				FinishReason: "stop",
				Usage:        finalUsage,
				Done:         true,
			}}
		}
	}()

	log.Debug().Str("backend", a.Name()).Msg("stream prepared")
	return out, nil
}
