// Package limits enforces the per-key quota triple with fixed
// minute and day windows, optionally backed by Redis for shared
// state across gateway processes.
package limits

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/llmgw/gateway/internal/auth"
	"github.com/llmgw/gateway/internal/model"
)

const (
	minuteWindow = 60
	dayWindow    = 86_400
)

// Snapshot is an immutable view of limits and usage at the moment of
// an admission decision, emitted as x-ratelimit-* response headers.
type Snapshot struct {
	LimitRequestsPerMinute     int
	RemainingRequestsPerMinute int
	LimitTokensPerMinute       int64
	RemainingTokensPerMinute   int64
	LimitTokensPerDay          int64
	RemainingTokensPerDay      int64
	ResetRequestsPerMinute     int64
	ResetTokensPerDay          int64
}

// HeaderPairs returns the snapshot as ordered header name/value pairs.
func (s *Snapshot) HeaderPairs() [][2]string {
	return [][2]string{
		{"x-ratelimit-limit-requests-minute", strconv.Itoa(s.LimitRequestsPerMinute)},
		{"x-ratelimit-remaining-requests-minute", strconv.Itoa(s.RemainingRequestsPerMinute)},
		{"x-ratelimit-limit-tokens-minute", strconv.FormatInt(s.LimitTokensPerMinute, 10)},
		{"x-ratelimit-remaining-tokens-minute", strconv.FormatInt(s.RemainingTokensPerMinute, 10)},
		{"x-ratelimit-limit-tokens-day", strconv.FormatInt(s.LimitTokensPerDay, 10)},
		{"x-ratelimit-remaining-tokens-day", strconv.FormatInt(s.RemainingTokensPerDay, 10)},
		{"x-ratelimit-reset-requests-minute", strconv.FormatInt(s.ResetRequestsPerMinute, 10)},
		{"x-ratelimit-reset-tokens-day", strconv.FormatInt(s.ResetTokensPerDay, 10)},
	}
}

// Limit identifies which quota a rejected request exceeded.
type Limit int

const (
	LimitRequestsPerMinute Limit = iota
	LimitTokensPerMinute
	LimitTokensPerDay
)

// LimitError reports a rejected admission together with the usage
// snapshot at decision time. Counters are never mutated on rejection.
type LimitError struct {
	Limit    Limit
	Snapshot *Snapshot
}

func (e *LimitError) Error() string {
	switch e.Limit {
	case LimitRequestsPerMinute:
		return "requests per minute quota exceeded"
	case LimitTokensPerMinute:
		return "tokens per minute quota exceeded"
	default:
		return "tokens per day quota exceeded"
	}
}

type keyUsage struct {
	minuteStartedAt  int64
	dayStartedAt     int64
	requestsInMinute int
	tokensInMinute   int64
	tokensInDay      int64
}

// RateLimiter admits or rejects requests against a key's fixed-window
// counters. With a Redis client it is atomic across processes; without
// one it keeps counters in a mutex-guarded map.
type RateLimiter struct {
	mu     sync.Mutex
	usage  map[string]*keyUsage
	rdb    redis.UniversalClient
	prefix string
	now    func() int64
}

// NewMemory creates a single-process limiter.
func NewMemory() *RateLimiter {
	return &RateLimiter{
		usage: make(map[string]*keyUsage),
		now:   func() int64 { return time.Now().Unix() },
	}
}

// NewRedis creates a limiter whose counters live in Redis under the
// given key prefix.
func NewRedis(client redis.UniversalClient, prefix string) *RateLimiter {
	return &RateLimiter{
		usage:  make(map[string]*keyUsage),
		rdb:    client,
		prefix: prefix,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// EstimateTokens predicts the token cost of a request before
// execution: whitespace word count across messages plus the
// completion budget (max_tokens, or 256 when unset).
func EstimateTokens(req *model.NormalizedRequest) int64 {
	var prompt int64
	for _, message := range req.Messages {
		prompt += roughTokenEstimate(message.Content)
	}
	completion := int64(256)
	if req.Generation.MaxTokens != nil {
		completion = int64(*req.Generation.MaxTokens)
	}
	return prompt + completion
}

func roughTokenEstimate(text string) int64 {
	var count int64
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}

// CheckAndConsume admits or rejects a request. On admit the three
// counters are bumped and the post-increment snapshot is returned; on
// reject the counters are left untouched and the returned *LimitError
// carries the current snapshot.
func (l *RateLimiter) CheckAndConsume(ctx context.Context, apiKey string, policy auth.Policy, estimatedTokens int64) (*Snapshot, error) {
	if l.rdb != nil {
		return l.checkAndConsumeRedis(ctx, apiKey, policy, estimatedTokens)
	}
	return l.checkAndConsumeMemory(apiKey, policy, estimatedTokens)
}

func (l *RateLimiter) checkAndConsumeMemory(apiKey string, policy auth.Policy, estimatedTokens int64) (*Snapshot, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	usage, ok := l.usage[apiKey]
	if !ok {
		usage = &keyUsage{
			minuteStartedAt: minuteStart(now),
			dayStartedAt:    dayStart(now),
		}
		l.usage[apiKey] = usage
	}
	refreshWindows(now, usage)

	if usage.requestsInMinute+1 > policy.RequestsPerMinute {
		return nil, &LimitError{Limit: LimitRequestsPerMinute, Snapshot: snapshot(policy, usage, now)}
	}
	if usage.tokensInMinute+estimatedTokens > policy.TokensPerMinute {
		return nil, &LimitError{Limit: LimitTokensPerMinute, Snapshot: snapshot(policy, usage, now)}
	}
	if usage.tokensInDay+estimatedTokens > policy.TokensPerDay {
		return nil, &LimitError{Limit: LimitTokensPerDay, Snapshot: snapshot(policy, usage, now)}
	}

	usage.requestsInMinute++
	usage.tokensInMinute += estimatedTokens
	usage.tokensInDay += estimatedTokens

	return snapshot(policy, usage, now), nil
}

// ReconcileTokens folds the difference between the estimated and the
// actual token usage back into the minute and day counters after the
// real usage is known. The already-admitted request is never re-gated.
func (l *RateLimiter) ReconcileTokens(ctx context.Context, apiKey string, estimated, actual int64) {
	if estimated == actual {
		return
	}
	if l.rdb != nil {
		l.reconcileTokensRedis(ctx, apiKey, estimated, actual)
		return
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	usage, ok := l.usage[apiKey]
	if !ok {
		return
	}
	refreshWindows(now, usage)

	diff := actual - estimated
	usage.tokensInMinute = saturatingAdd(usage.tokensInMinute, diff)
	usage.tokensInDay = saturatingAdd(usage.tokensInDay, diff)
}

func saturatingAdd(value, diff int64) int64 {
	result := value + diff
	if result < 0 {
		return 0
	}
	return result
}

func refreshWindows(now int64, usage *keyUsage) {
	if start := minuteStart(now); usage.minuteStartedAt != start {
		usage.minuteStartedAt = start
		usage.requestsInMinute = 0
		usage.tokensInMinute = 0
	}
	if start := dayStart(now); usage.dayStartedAt != start {
		usage.dayStartedAt = start
		usage.tokensInDay = 0
	}
}

func snapshot(policy auth.Policy, usage *keyUsage, now int64) *Snapshot {
	return snapshotFromCounts(policy, int64(usage.requestsInMinute), usage.tokensInMinute, usage.tokensInDay, now)
}

func snapshotFromCounts(policy auth.Policy, requests, tokensMinute, tokensDay, now int64) *Snapshot {
	return &Snapshot{
		LimitRequestsPerMinute:     policy.RequestsPerMinute,
		RemainingRequestsPerMinute: int(saturatingSub(int64(policy.RequestsPerMinute), requests)),
		LimitTokensPerMinute:       policy.TokensPerMinute,
		RemainingTokensPerMinute:   saturatingSub(policy.TokensPerMinute, tokensMinute),
		LimitTokensPerDay:          policy.TokensPerDay,
		RemainingTokensPerDay:      saturatingSub(policy.TokensPerDay, tokensDay),
		ResetRequestsPerMinute:     minuteStart(now) + minuteWindow,
		ResetTokensPerDay:          dayStart(now) + dayWindow,
	}
}

func emptySnapshot(policy auth.Policy, now int64) *Snapshot {
	return snapshotFromCounts(policy, 0, 0, 0, now)
}

func saturatingSub(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

func minuteStart(now int64) int64 { return (now / minuteWindow) * minuteWindow }
func dayStart(now int64) int64    { return (now / dayWindow) * dayWindow }

func warnStoreError(op string, err error) {
	log.Warn().Err(err).Str("op", op).Msg("rate limit store unavailable, failing open")
}
