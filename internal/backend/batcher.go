package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/model"
)

const batchQueueCapacity = 1024

// BatchConfig controls micro-batch assembly.
type BatchConfig struct {
	Enabled      bool
	MaxBatchSize int
	MaxWait      time.Duration
}

// batchClass is the generation-parameter tuple that makes two requests
// eligible to share one batched upstream call.
type batchClass struct {
	model        string
	maxTokens    int
	hasMaxTokens bool
	temperature  string
	topP         string
}

func classFor(req *model.NormalizedRequest) batchClass {
	class := batchClass{
		model:       req.Model,
		temperature: formatFloat(req.Generation.Temperature),
		topP:        formatFloat(req.Generation.TopP),
	}
	if req.Generation.MaxTokens != nil {
		class.maxTokens = *req.Generation.MaxTokens
		class.hasMaxTokens = true
	}
	return class
}

func formatFloat(value *float64) string {
	if value == nil {
		return "none"
	}
	return fmt.Sprintf("%.4f", *value)
}

type batchItem struct {
	class    batchClass
	ctx      context.Context
	request  *model.NormalizedRequest
	response chan batchResult
}

type batchResult struct {
	response *model.BackendResponse
	err      error
}

// Batcher groups non-streaming submissions into same-class
// micro-batches before dispatch. A single worker drains the queue;
// items of a mismatched class are parked and reappear at the head of
// the next assembly, so nothing is lost. Streams pass through to the
// underlying backend untouched.
type Batcher struct {
	backend Backend
	queue   chan batchItem
}

// NewBatcher starts the batch worker over the given backend.
func NewBatcher(b Backend, cfg BatchConfig) *Batcher {
	batcher := &Batcher{
		backend: b,
		queue:   make(chan batchItem, batchQueueCapacity),
	}
	go batcher.runWorker(cfg)
	return batcher
}

func (b *Batcher) Name() string { return "micro-batcher" }

func (b *Batcher) ExecuteChat(ctx context.Context, req *model.NormalizedRequest) (*model.BackendResponse, error) {
	item := batchItem{
		class:    classFor(req),
		ctx:      ctx,
		request:  req,
		response: make(chan batchResult, 1),
	}

	select {
	case b.queue <- item:
	default:
		return nil, Unavailable("batcher queue full")
	}

	result := <-item.response
	return result.response, result.err
}

func (b *Batcher) StreamChat(ctx context.Context, req *model.NormalizedRequest) (<-chan StreamEvent, error) {
	return b.backend.StreamChat(ctx, req)
}

func (b *Batcher) runWorker(cfg BatchConfig) {
	var pending []batchItem

	for {
		var first batchItem
		if len(pending) > 0 {
			first = pending[0]
			pending = pending[1:]
		} else {
			item, ok := <-b.queue
			if !ok {
				return
			}
			first = item
		}

		if !cfg.Enabled {
			b.dispatch(first)
			continue
		}

		class := first.class
		deadline := time.Now().Add(cfg.MaxWait)
		batch := []batchItem{first}

		for len(batch) < cfg.MaxBatchSize {
			if i := indexOfClass(pending, class); i >= 0 {
				batch = append(batch, pending[i])
				pending = append(pending[:i], pending[i+1:]...)
				continue
			}

			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			timer := time.NewTimer(remaining)
			select {
			case item, ok := <-b.queue:
				timer.Stop()
				if !ok {
					break
				}
				if item.class == class {
					batch = append(batch, item)
				} else {
					pending = append(pending, item)
				}
				continue
			case <-timer.C:
			}
			break
		}

		log.Debug().
			Int("batch_size", len(batch)).
			Str("model", class.model).
			Msg("flushing micro-batch")

		// The class invariant lets a provider with a batch-forward API
		// replace this loop with a single call; per-item dispatch keeps
		// the scheduler semantics identical either way.
		for _, item := range batch {
			b.dispatch(item)
		}
	}
}

func (b *Batcher) dispatch(item batchItem) {
	response, err := b.backend.ExecuteChat(item.ctx, item.request)
	item.response <- batchResult{response: response, err: err}
}

func indexOfClass(items []batchItem, class batchClass) int {
	for i, item := range items {
		if item.class == class {
			return i
		}
	}
	return -1
}
