package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// noopCache misses on every lookup. It is process-local in the sense that it
// never shares anything, which keeps the quota local tier permanently cold.
type noopCache struct {
	closed atomic.Bool
}

var (
	_ Cache    = (*noopCache)(nil)
	_ Locality = (*noopCache)(nil)
)

func newNoopCache() *noopCache {
	logger().Debug().Str("backend", "noop").Msg("caching is disabled")
	return &noopCache{}
}

func (c *noopCache) Get(_ context.Context, _ string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return nil, ErrNotFound
}

func (c *noopCache) SetWithTTL(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *noopCache) Delete(_ context.Context, _ string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *noopCache) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *noopCache) ProcessLocal() bool { return true }
