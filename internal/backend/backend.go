// Package backend defines the inference backend contract and its
// concrete implementations: a mock adapter, an OpenAI-compatible
// adapter, a health-aware router, and a micro-batcher. The router and
// batcher implement the same interface as a single adapter, so they
// compose without special-casing anywhere else in the gateway.
package backend

import (
	"context"
	"fmt"

	"github.com/llmgw/gateway/internal/model"
)

// StreamEvent is one item of a backend stream: either a chunk or an
// error. Every stream delivers exactly one terminal event (Chunk.Done
// or a non-nil Err), after which the channel is closed.
type StreamEvent struct {
	Chunk model.BackendChunk
	Err   error
}

// Terminal reports whether this event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Err != nil || e.Chunk.Done
}

// Backend executes chat completions against an upstream provider.
type Backend interface {
	Name() string
	ExecuteChat(ctx context.Context, req *model.NormalizedRequest) (*model.BackendResponse, error)
	StreamChat(ctx context.Context, req *model.NormalizedRequest) (<-chan StreamEvent, error)
}

// ErrorKind classifies upstream failures for the router and the HTTP
// error mapping.
type ErrorKind int

const (
	KindUnavailable ErrorKind = iota
	KindTimeout
	KindInvalidResponse
)

// Error is a classified upstream failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "backend timeout: " + e.Message
	case KindInvalidResponse:
		return "backend invalid response: " + e.Message
	default:
		return "backend unavailable: " + e.Message
	}
}

func Unavailable(format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf(format, args...)}
}

func Timeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

func InvalidResponse(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidResponse, Message: fmt.Sprintf(format, args...)}
}
