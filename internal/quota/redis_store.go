package quota

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/health"
	"github.com/redis/go-redis/v9"
)

// consumeScript performs read-or-seed, carry, compare and increment in one
// round trip.
//
// KEYS[1] counter, KEYS[2] metadata
// ARGV[1] limit, ARGV[2] tokens, ARGV[3] carry, ARGV[4] seed (-1 for none),
// ARGV[5] ttl seconds, ARGV[6] unix time, ARGV[7] caller, ARGV[8] period
//
// Returns {status, used}: status 1 granted, 0 denied, -1 counter missing.
var consumeScript = redis.NewScript(`
local ttl = tonumber(ARGV[5])
local seed = tonumber(ARGV[4])
local current = redis.call('GET', KEYS[1])
local used
if not current then
  if seed < 0 then
    return {-1, 0}
  end
  used = seed
  redis.call('SET', KEYS[1], used, 'EX', ttl)
else
  used = tonumber(current)
end

local carry = tonumber(ARGV[3])
if carry ~= 0 then
  used = used + carry
  if used < 0 then
    used = 0
  end
  redis.call('SET', KEYS[1], used, 'KEEPTTL')
end

local limit = tonumber(ARGV[1])
local tokens = tonumber(ARGV[2])
if limit - used < tokens then
  return {0, used}
end

used = redis.call('INCRBY', KEYS[1], tokens)
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('SET', KEYS[2], cjson.encode({
  quota = limit,
  used = used,
  last_used = tonumber(ARGV[6]),
  caller = ARGV[7],
  period = tonumber(ARGV[8]),
}), 'EX', ttl)
return {1, used}
`)

// releaseScript lowers a counter without letting it go negative.
//
// KEYS[1] counter; ARGV[1] tokens. Returns the new value or -1 if missing.
var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return -1
end
local used = tonumber(current) - tonumber(ARGV[1])
if used < 0 then
  used = 0
end
redis.call('SET', KEYS[1], used, 'KEEPTTL')
return used
`)

// RedisStore is the CounterStore backed by Redis. Every call runs through a
// circuit breaker so that an unreachable server costs one fast error instead of
// a dial timeout per request.
type RedisStore struct {
	client  redis.UniversalClient
	breaker *health.CircuitBreaker
	now     func() time.Time
	ttl     time.Duration
}

var _ CounterStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. ttl bounds the lifetime of counters and
// their metadata; breaker may be nil.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, breaker *health.CircuitBreaker) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{
		client:  client,
		breaker: breaker,
		ttl:     ttl,
		now:     time.Now,
	}
}

func counterKey(k Key) string {
	return "quota:used:" + k.String()
}

func metaKey(k Key) string {
	return "quota:meta:" + k.String()
}

// ConsumeIfWithin implements CounterStore.
func (s *RedisStore) ConsumeIfWithin(
	ctx context.Context, key Key, limit, tokens, carry, seed int64,
) (Decision, error) {
	var res []int64
	err := s.breaker.Execute(func() error {
		var err error
		res, err = consumeScript.Run(ctx, s.client,
			[]string{counterKey(key), metaKey(key)},
			limit, tokens, carry, seed,
			int64(s.ttl/time.Second), s.now().Unix(),
			key.CallerID, strconv.FormatInt(key.Period, 10),
		).Int64Slice()
		return err
	})
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, errors.New("quota: unexpected consume script reply")
	}

	switch res[0] {
	case -1:
		return Decision{}, ErrCounterMissing
	case 1:
		return Decision{Granted: true, Used: res[1]}, nil
	default:
		return Decision{Used: res[1]}, nil
	}
}

// Release implements CounterStore.
func (s *RedisStore) Release(ctx context.Context, key Key, tokens int64) (int64, error) {
	var used int64
	err := s.breaker.Execute(func() error {
		var err error
		used, err = releaseScript.Run(ctx, s.client, []string{counterKey(key)}, tokens).Int64()
		return err
	})
	if err != nil {
		return 0, err
	}
	if used < 0 {
		return 0, ErrCounterMissing
	}
	return used, nil
}

// Used implements CounterStore.
func (s *RedisStore) Used(ctx context.Context, key Key) (int64, bool, error) {
	var (
		used  int64
		found = true
	)
	err := s.breaker.Execute(func() error {
		v, err := s.client.Get(ctx, counterKey(key)).Int64()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		used = v
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return used, found, nil
}
