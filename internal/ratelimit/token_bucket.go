package ratelimit

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is the in-process token bucket backend built on
// golang.org/x/time/rate. Each key gets its own bucket of size burst that
// refills requests_per_period tokens per window.
type TokenBucket struct {
	entries *table[*rate.Limiter]
	rate    rate.Limit
	burst   int
}

// NewTokenBucket creates a token bucket backend. now may be nil.
func NewTokenBucket(limits Limits, maxEntries int, now func() time.Time) *TokenBucket {
	r := rate.Limit(float64(limits.RequestsPerWindow) / limits.Window.Seconds())
	burst := max(limits.Burst, 1)
	return &TokenBucket{
		rate:  r,
		burst: burst,
		entries: newTable(maxEntries, limits.Window, now, func(time.Time) *rate.Limiter {
			return rate.NewLimiter(r, burst)
		}),
	}
}

// Name implements Backend.
func (b *TokenBucket) Name() string { return "local" }

// IsAllowed implements Backend.
func (b *TokenBucket) IsAllowed(_ context.Context, key string, cost int) (Result, error) {
	return b.entries.with(key, func(lim *rate.Limiter, now time.Time) Result {
		res := Result{Limit: b.burst}
		if lim.AllowN(now, cost) {
			res.Allowed = true
		}
		tokens := lim.TokensAt(now)
		res.Remaining = max(0, int(math.Floor(tokens)))

		missing := float64(b.burst) - tokens
		res.ResetTime = now.Add(b.refill(missing))
		if !res.Allowed {
			res.RetryAfter = max(b.refill(float64(cost)-tokens), time.Second)
		}
		return res
	}), nil
}

// refill is how long the bucket needs to gain n tokens, rounded up to a second.
func (b *TokenBucket) refill(n float64) time.Duration {
	if n <= 0 || b.rate <= 0 {
		return 0
	}
	secs := math.Ceil(n / float64(b.rate))
	return time.Duration(secs) * time.Second
}
