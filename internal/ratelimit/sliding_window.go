package ratelimit

import (
	"context"
	"time"
)

// Limits are the per-key sizes shared by every backend.
type Limits struct {
	RequestsPerWindow int
	Burst             int
	Window            time.Duration
}

// windowLimit is the number of requests a single window admits.
func (l Limits) windowLimit() int {
	return max(min(l.RequestsPerWindow, l.Burst), 1)
}

type windowState struct {
	start time.Time
	count int
}

// SlidingWindow is the in-process window backend. A key's window opens on its
// first request and admits min(requests_per_period, burst) requests until it
// expires.
type SlidingWindow struct {
	entries *table[*windowState]
	limits  Limits
}

// NewSlidingWindow creates a local window backend. now may be nil.
func NewSlidingWindow(limits Limits, maxEntries int, now func() time.Time) *SlidingWindow {
	return &SlidingWindow{
		limits: limits,
		entries: newTable(maxEntries, limits.Window, now, func(t time.Time) *windowState {
			return &windowState{start: t}
		}),
	}
}

// Name implements Backend.
func (s *SlidingWindow) Name() string { return "local" }

// IsAllowed implements Backend.
func (s *SlidingWindow) IsAllowed(_ context.Context, key string, cost int) (Result, error) {
	limit := s.limits.windowLimit()
	window := s.limits.Window

	return s.entries.with(key, func(st *windowState, now time.Time) Result {
		if now.Sub(st.start) >= window {
			st.start = now
			st.count = 0
		}
		res := Result{Limit: limit, ResetTime: st.start.Add(window)}
		if st.count+cost > limit {
			res.Remaining = max(0, limit-st.count)
			res.RetryAfter = window - now.Sub(st.start)
			return res
		}
		st.count += cost
		res.Allowed = true
		res.Remaining = limit - st.count
		return res
	}), nil
}
