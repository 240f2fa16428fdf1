package router

import (
	"context"
	"fmt"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/providers"
	"github.com/samber/lo"
)

// Selector picks one candidate from a pool.
type Selector interface {
	// Select chooses a candidate. It returns ErrNoProviders for an empty pool.
	Select(ctx context.Context, candidates []Candidate) (Candidate, error)

	// Name returns the strategy name for logging and configuration.
	Name() string
}

// Candidate is a pool member with its health view.
type Candidate struct {
	Provider   providers.Provider
	IsHealthy  func() bool
	Descriptor providers.Descriptor
}

// Healthy reports whether the candidate is currently healthy. Candidates
// without a health function are healthy.
func (c Candidate) Healthy() bool {
	if c.IsHealthy == nil {
		return true
	}
	return c.IsHealthy()
}

// Weight returns the selection weight, minimum 1.
func (c Candidate) Weight() int {
	return max(c.Descriptor.Weight, 1)
}

// FilterHealthy returns the healthy candidates.
func FilterHealthy(candidates []Candidate) []Candidate {
	return lo.Filter(candidates, func(c Candidate, _ int) bool {
		return c.Healthy()
	})
}

// healthyOrAll returns the healthy subset, or every candidate when none is healthy.
func healthyOrAll(candidates []Candidate) []Candidate {
	if healthy := FilterHealthy(candidates); len(healthy) > 0 {
		return healthy
	}
	return candidates
}

// NewSelector creates the selector for a strategy name. Empty means round_robin.
func NewSelector(strategy string) (Selector, error) {
	switch strategy {
	case config.StrategyRoundRobin, "":
		return NewRoundRobin(), nil
	case config.StrategyWeighted:
		return NewWeighted(), nil
	case config.StrategyHealthFirst:
		return NewHealthFirst(), nil
	default:
		return nil, fmt.Errorf("router: unknown strategy %q", strategy)
	}
}
