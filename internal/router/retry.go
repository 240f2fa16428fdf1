package router

import (
	"context"
	"math"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/config"
)

// RetryPolicy is exponential backoff for upstream calls within a pool.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// RetryPolicyFromConfig applies the config defaults.
func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.GetMaxRetries(),
		BaseDelay:  c.GetBaseDelay(),
		MaxDelay:   c.GetMaxDelay(),
		Multiplier: c.GetMultiplier(),
	}
}

// Delay returns min(base * multiplier^attempt, max) for a zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
