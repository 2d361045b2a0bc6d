// Package coalesce deduplicates identical in-flight requests. The
// first arrival for a fingerprint becomes the leader and drives the
// upstream call; overlapping arrivals become followers that receive
// the leader's result (one-shot) or a replayed stream (streaming).
package coalesce

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/backend"
	"github.com/llmgw/gateway/internal/model"
)

// Outcome reports whether a one-shot call executed upstream or joined
// an in-flight leader.
type Outcome int

const (
	Leader Outcome = iota
	Joined
)

// subscriber buffer: large enough that a reader keeping pace with SSE
// output never blocks the publisher; a sink that fills up is dead and
// gets dropped.
const streamBufferSize = 1024

type oneShotResult struct {
	response *model.BackendResponse
	errMsg   string
}

// Coalescer holds two independent in-flight tables keyed by request
// fingerprint: one for one-shot executions, one for streams.
type Coalescer struct {
	mu       sync.Mutex
	inflight map[string][]chan oneShotResult

	streamMu sync.Mutex
	streams  map[string]*streamEntry
}

// New creates an empty coalescer.
func New() *Coalescer {
	return &Coalescer{
		inflight: make(map[string][]chan oneShotResult),
		streams:  make(map[string]*streamEntry),
	}
}

// ExecuteOrJoin executes the request upstream if no identical request
// is in flight, otherwise awaits the leader's result. Exactly one
// upstream execution happens per key per overlapping interval; a late
// arrival after the leader's broadcast starts a fresh epoch.
func (c *Coalescer) ExecuteOrJoin(ctx context.Context, key string, b backend.Backend, req *model.NormalizedRequest) (*model.BackendResponse, Outcome, error) {
	c.mu.Lock()
	if waiters, inflight := c.inflight[key]; inflight {
		ch := make(chan oneShotResult, 1)
		c.inflight[key] = append(waiters, ch)
		c.mu.Unlock()

		log.Debug().Str("fingerprint", key).Msg("joined inflight request")
		result, ok := <-ch
		if !ok {
			return nil, Joined, backend.Unavailable("leader request dropped before completion")
		}
		if result.errMsg != "" {
			return nil, Joined, backend.Unavailable("%s", result.errMsg)
		}
		return result.response, Joined, nil
	}
	c.inflight[key] = nil
	c.mu.Unlock()

	log.Debug().Str("fingerprint", key).Msg("leader executing request")

	// If the leader unwinds without broadcasting, followers must not
	// hang: closing their channels yields the synthetic drop error.
	broadcast := false
	defer func() {
		if broadcast {
			return
		}
		for _, ch := range c.takeWaiters(key) {
			close(ch)
		}
	}()

	response, err := b.ExecuteChat(ctx, req)

	waiters := c.takeWaiters(key)
	broadcast = true
	for _, ch := range waiters {
		if err != nil {
			ch <- oneShotResult{errMsg: err.Error()}
		} else {
			clone := *response
			ch <- oneShotResult{response: &clone}
		}
	}

	if err != nil {
		return nil, Leader, err
	}
	return response, Leader, nil
}

func (c *Coalescer) takeWaiters(key string) []chan oneShotResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.inflight[key]
	delete(c.inflight, key)
	return waiters
}

type streamEntry struct {
	mu          sync.Mutex
	history     []backend.StreamEvent
	subscribers []chan backend.StreamEvent
	done        bool
}

// StreamJoin is the result of joining a streamed fingerprint.
type StreamJoin struct {
	Receiver <-chan backend.StreamEvent
	IsLeader bool
}

// JoinOrCreateStream returns a receiver over the stream for key,
// creating the entry (and electing the caller leader) when absent.
// Joiners always see the full history first; if the stream already
// finished, the receiver is closed right after the replay.
func (c *Coalescer) JoinOrCreateStream(key string) StreamJoin {
	c.streamMu.Lock()
	entry, exists := c.streams[key]
	if !exists {
		entry = &streamEntry{}
		c.streams[key] = entry
	}
	c.streamMu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	ch := make(chan backend.StreamEvent, len(entry.history)+streamBufferSize)
	for _, item := range entry.history {
		ch <- item
	}
	if entry.done {
		close(ch)
	} else {
		entry.subscribers = append(entry.subscribers, ch)
	}

	return StreamJoin{Receiver: ch, IsLeader: !exists}
}

// PublishStreamItem appends an item to the stream history and fans it
// out to live subscribers; sinks that no longer keep up are dropped.
// A terminal item (done or error) seals the entry and removes it from
// the table, so the next join starts a new epoch. The entry itself
// outlives the removal, letting the publisher finish safely.
func (c *Coalescer) PublishStreamItem(key string, item backend.StreamEvent) {
	c.streamMu.Lock()
	entry := c.streams[key]
	c.streamMu.Unlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	if entry.done {
		entry.mu.Unlock()
		return
	}

	entry.history = append(entry.history, item)
	kept := entry.subscribers[:0]
	for _, sub := range entry.subscribers {
		select {
		case sub <- item:
			kept = append(kept, sub)
		default:
			close(sub)
		}
	}
	entry.subscribers = kept

	if item.Terminal() {
		entry.done = true
		for _, sub := range entry.subscribers {
			close(sub)
		}
		entry.subscribers = nil
	}
	remove := entry.done
	entry.mu.Unlock()

	if remove {
		c.streamMu.Lock()
		delete(c.streams, key)
		c.streamMu.Unlock()
	}
}
