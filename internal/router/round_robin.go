package router

import (
	"context"
	"sync/atomic"

	"github.com/h-lu/llmGateway-sub000/internal/config"
)

// RoundRobin cycles through the healthy candidates. When none is healthy it
// cycles through all of them.
type RoundRobin struct {
	index atomic.Uint64
}

// NewRoundRobin creates a round-robin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select implements Selector.
func (r *RoundRobin) Select(_ context.Context, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoProviders
	}
	return next(&r.index, healthyOrAll(candidates)), nil
}

// Name implements Selector.
func (r *RoundRobin) Name() string { return config.StrategyRoundRobin }

// HealthFirst cycles through the healthy candidates and refuses to pick an
// unhealthy one.
type HealthFirst struct {
	index atomic.Uint64
}

// NewHealthFirst creates a health-first selector.
func NewHealthFirst() *HealthFirst {
	return &HealthFirst{}
}

// Select implements Selector. It returns ErrNoHealthyProvider when every
// candidate is unhealthy.
func (r *HealthFirst) Select(_ context.Context, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoProviders
	}
	healthy := FilterHealthy(candidates)
	if len(healthy) == 0 {
		return Candidate{}, ErrNoHealthyProvider
	}
	return next(&r.index, healthy), nil
}

// Name implements Selector.
func (r *HealthFirst) Name() string { return config.StrategyHealthFirst }

func next(index *atomic.Uint64, candidates []Candidate) Candidate {
	n := index.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}
