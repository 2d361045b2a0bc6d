// Package cache stores completed non-streaming responses keyed by
// request fingerprint, with time-based expiry. Store failures never
// fail the request: reads degrade to a miss, writes to a no-op.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/model"
)

type memoryItem struct {
	value     model.BackendResponse
	expiresAt time.Time
}

// ResponseCache is the TTL cache for chat completions. With a Redis
// client the entries are shared across processes; otherwise they live
// in a mutex-guarded map.
type ResponseCache struct {
	mu     sync.Mutex
	items  map[string]memoryItem
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewMemory creates an in-process cache with the given TTL.
func NewMemory(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		items: make(map[string]memoryItem),
		ttl:   ttl,
	}
}

// NewRedis creates a cache backed by Redis under the given key prefix.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		items:  make(map[string]memoryItem),
		rdb:    client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Get returns the cached response for key if present and unexpired.
func (c *ResponseCache) Get(ctx context.Context, key string) (*model.BackendResponse, bool) {
	if c.rdb != nil {
		return c.getRedis(ctx, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !item.expiresAt.After(time.Now()) {
		delete(c.items, key)
		return nil, false
	}
	value := item.value
	return &value, true
}

// Set stores a response under key with expiry now+ttl.
func (c *ResponseCache) Set(ctx context.Context, key string, value *model.BackendResponse) {
	if c.rdb != nil {
		c.setRedis(ctx, key, value)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = memoryItem{
		value:     *value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *ResponseCache) redisKey(key string) string {
	return c.prefix + ":cache:chat:" + key
}

func (c *ResponseCache) getRedis(ctx context.Context, key string) (*model.BackendResponse, bool) {
	payload, err := c.rdb.Get(ctx, c.redisKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("redis get failed for response cache")
		}
		return nil, false
	}

	var value model.BackendResponse
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		log.Warn().Err(err).Msg("failed to decode cached backend response")
		return nil, false
	}
	return &value, true
}

func (c *ResponseCache) setRedis(ctx context.Context, key string, value *model.BackendResponse) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode backend response for cache")
		return
	}
	if err := c.rdb.Set(ctx, c.redisKey(key), payload, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("redis set failed for response cache")
	}
}
