package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/h-lu/llmGateway-sub000/internal/health"
	"github.com/redis/go-redis/v9"
)

// slidingLogScript keeps one sorted-set member per admitted request, scored by
// its arrival time in milliseconds. Trimming, counting and admitting happen in
// one script so concurrent gateways never over-admit.
//
// KEYS[1] = limiter key
// ARGV    = now_ms, window_ms, limit, cost, member prefix
// Returns {allowed, remaining, retry_ms}.
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count + cost > limit then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  local remaining = limit - count
  if remaining < 0 then remaining = 0 end
  return {0, remaining, retry}
end

for i = 1, cost do
  redis.call('ZADD', key, now, ARGV[5] .. ':' .. i)
end
redis.call('PEXPIRE', key, window)
return {1, limit - count - cost, 0}
`)

// RedisWindow is the shared sliding-log backend. Every gateway instance
// pointed at the same Redis sees the same counts.
type RedisWindow struct {
	client  redis.UniversalClient
	breaker *health.CircuitBreaker
	now     func() time.Time
	limits  Limits
}

// NewRedisWindow creates a Redis backend. breaker may be nil.
func NewRedisWindow(client redis.UniversalClient, limits Limits, breaker *health.CircuitBreaker) *RedisWindow {
	return &RedisWindow{client: client, limits: limits, breaker: breaker, now: time.Now}
}

// Name implements Backend.
func (r *RedisWindow) Name() string { return "redis" }

// IsAllowed implements Backend.
func (r *RedisWindow) IsAllowed(ctx context.Context, key string, cost int) (Result, error) {
	limit := r.limits.windowLimit()
	window := r.limits.Window
	now := r.now()

	var vals []int64
	err := r.breaker.Execute(func() error {
		var err error
		vals, err = slidingLogScript.Run(ctx, r.client, []string{key},
			now.UnixMilli(), window.Milliseconds(), limit, cost, uuid.NewString()).Int64Slice()
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: redis: unexpected reply %v", vals)
	}

	res := Result{
		Allowed:   vals[0] == 1,
		Limit:     limit,
		Remaining: int(vals[1]),
		ResetTime: now.Add(window),
	}
	if !res.Allowed {
		res.RetryAfter = max(time.Duration(vals[2])*time.Millisecond, 0)
		res.ResetTime = now.Add(res.RetryAfter)
	}
	return res, nil
}
