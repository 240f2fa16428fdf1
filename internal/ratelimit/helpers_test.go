package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeClock struct {
	t  time.Time
	mu sync.Mutex
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errBackendDown = errors.New("backend down")

type failingBackend struct{}

func (failingBackend) Name() string { return "broken" }

func (failingBackend) IsAllowed(context.Context, string, int) (Result, error) {
	return Result{}, errBackendDown
}

// swapBackend installs b on l, keeping the limiter enabled.
func swapBackend(l *Limiter, b Backend, failClosed bool) {
	l.state.Store(&limiterState{backend: b, enabled: true, failClosed: failClosed})
}

func defaultLimits() Limits {
	return Limits{RequestsPerWindow: 60, Burst: 10, Window: time.Minute}
}
