package router

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/samber/lo"
)

// Weighted draws a candidate at random with probability proportional to its
// weight, over the healthy subset or over all candidates when none is healthy.
type Weighted struct {
	intn func(n int) int
}

// NewWeighted creates a weighted selector backed by crypto/rand.
func NewWeighted() *Weighted {
	return &Weighted{intn: randIntn}
}

// Select implements Selector.
func (w *Weighted) Select(_ context.Context, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoProviders
	}
	pool := healthyOrAll(candidates)
	total := lo.SumBy(pool, Candidate.Weight)

	draw := w.intn(total)
	for _, c := range pool {
		draw -= c.Weight()
		if draw < 0 {
			return c, nil
		}
	}
	return pool[len(pool)-1], nil
}

// Name implements Selector.
func (w *Weighted) Name() string { return config.StrategyWeighted }

// randIntn returns an integer in [0, n). If n <= 0, it returns 0.
// It prefers a cryptographically secure value and falls back to the clock.
func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	if v, err := rand.Int(rand.Reader, big.NewInt(int64(n))); err == nil {
		return int(v.Int64())
	}
	return int(time.Now().UnixNano() % int64(n))
}
