package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmgw/gateway/internal/auth"
)

// The admission check must be atomic across gateway processes, so the
// whole increment-check-rollback sequence runs as one server-side
// script. Keys carry their window start so rollover needs no cleanup
// beyond the TTL.
var consumeScript = redis.NewScript(`
local req_key = KEYS[1]
local tok_min_key = KEYS[2]
local tok_day_key = KEYS[3]
local req_inc = tonumber(ARGV[1])
local tok_inc = tonumber(ARGV[2])
local req_limit = tonumber(ARGV[3])
local tok_min_limit = tonumber(ARGV[4])
local tok_day_limit = tonumber(ARGV[5])
local req_ttl = tonumber(ARGV[6])
local tok_min_ttl = tonumber(ARGV[7])
local tok_day_ttl = tonumber(ARGV[8])

local req = redis.call('INCRBY', req_key, req_inc)
if req == req_inc then redis.call('EXPIRE', req_key, req_ttl) end
local tok_min = redis.call('INCRBY', tok_min_key, tok_inc)
if tok_min == tok_inc then redis.call('EXPIRE', tok_min_key, tok_min_ttl) end
local tok_day = redis.call('INCRBY', tok_day_key, tok_inc)
if tok_day == tok_inc then redis.call('EXPIRE', tok_day_key, tok_day_ttl) end

if req > req_limit or tok_min > tok_min_limit or tok_day > tok_day_limit then
  redis.call('DECRBY', req_key, req_inc)
  redis.call('DECRBY', tok_min_key, tok_inc)
  redis.call('DECRBY', tok_day_key, tok_inc)
  return {0, req, tok_min, tok_day}
end

return {1, req, tok_min, tok_day}
`)

func (l *RateLimiter) redisKeys(apiKey string, now int64) (reqKey, tokMinKey, tokDayKey string) {
	minute := minuteStart(now)
	day := dayStart(now)
	reqKey = fmt.Sprintf("%s:rl:%s:m:%d:req", l.prefix, apiKey, minute)
	tokMinKey = fmt.Sprintf("%s:rl:%s:m:%d:tok", l.prefix, apiKey, minute)
	tokDayKey = fmt.Sprintf("%s:rl:%s:d:%d:tok", l.prefix, apiKey, day)
	return
}

func windowTTLs(now int64) (minuteTTL, dayTTL int64) {
	minuteTTL = minuteStart(now) + minuteWindow - now
	if minuteTTL < 1 {
		minuteTTL = 1
	}
	dayTTL = dayStart(now) + dayWindow - now
	if dayTTL < 1 {
		dayTTL = 1
	}
	return
}

func (l *RateLimiter) checkAndConsumeRedis(ctx context.Context, apiKey string, policy auth.Policy, estimatedTokens int64) (*Snapshot, error) {
	now := l.now()
	reqKey, tokMinKey, tokDayKey := l.redisKeys(apiKey, now)
	minuteTTL, dayTTL := windowTTLs(now)

	raw, err := consumeScript.Run(ctx, l.rdb,
		[]string{reqKey, tokMinKey, tokDayKey},
		1, estimatedTokens,
		policy.RequestsPerMinute, policy.TokensPerMinute, policy.TokensPerDay,
		minuteTTL, minuteTTL, dayTTL,
	).Int64Slice()
	if err != nil {
		warnStoreError("check_and_consume", err)
		return emptySnapshot(policy, now), nil
	}
	if len(raw) != 4 {
		warnStoreError("check_and_consume", fmt.Errorf("unexpected script result length %d", len(raw)))
		return emptySnapshot(policy, now), nil
	}

	allowed := raw[0] == 1
	requests := max64(raw[1], 0)
	tokensMinute := max64(raw[2], 0)
	tokensDay := max64(raw[3], 0)
	if allowed {
		return snapshotFromCounts(policy, requests, tokensMinute, tokensDay, now), nil
	}

	// The script rolled the increments back; report the counters as
	// they stand after the rollback, same as the in-memory path.
	snap := snapshotFromCounts(policy,
		max64(requests-1, 0),
		max64(tokensMinute-estimatedTokens, 0),
		max64(tokensDay-estimatedTokens, 0),
		now,
	)
	switch {
	case requests > int64(policy.RequestsPerMinute):
		return nil, &LimitError{Limit: LimitRequestsPerMinute, Snapshot: snap}
	case tokensMinute > policy.TokensPerMinute:
		return nil, &LimitError{Limit: LimitTokensPerMinute, Snapshot: snap}
	default:
		return nil, &LimitError{Limit: LimitTokensPerDay, Snapshot: snap}
	}
}

func (l *RateLimiter) reconcileTokensRedis(ctx context.Context, apiKey string, estimated, actual int64) {
	now := l.now()
	_, tokMinKey, tokDayKey := l.redisKeys(apiKey, now)
	minuteTTL, dayTTL := windowTTLs(now)

	diff := actual - estimated
	if diff == 0 {
		return
	}

	var err error
	if diff > 0 {
		err = l.rdb.IncrBy(ctx, tokMinKey, diff).Err()
		if err == nil {
			err = l.rdb.IncrBy(ctx, tokDayKey, diff).Err()
		}
	} else {
		err = l.rdb.DecrBy(ctx, tokMinKey, -diff).Err()
		if err == nil {
			err = l.rdb.DecrBy(ctx, tokDayKey, -diff).Err()
		}
	}
	if err != nil {
		warnStoreError("reconcile_tokens", err)
		return
	}

	l.rdb.Expire(ctx, tokMinKey, secondsDuration(minuteTTL))
	l.rdb.Expire(ctx, tokDayKey, secondsDuration(dayTTL))
}

func secondsDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
