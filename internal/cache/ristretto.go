package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
)

// ristrettoCache is the in-process backend. Writes are flushed with Wait before
// returning so that a Get issued after SetWithTTL observes the new value, which
// the quota coordinator's compare-and-swap depends on.
type ristrettoCache struct {
	cache  *ristretto.Cache[string, []byte]
	log    zerolog.Logger
	closed atomic.Bool
	mu     sync.RWMutex
}

var (
	_ Cache         = (*ristrettoCache)(nil)
	_ StatsProvider = (*ristrettoCache)(nil)
	_ Locality      = (*ristrettoCache)(nil)
)

func newRistrettoCache(cfg RistrettoConfig) (*ristrettoCache, error) {
	log := logger().With().Str("backend", "ristretto").Logger()

	bufferItems := cfg.BufferItems
	if bufferItems <= 0 {
		bufferItems = 64
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: bufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int64("num_counters", cfg.NumCounters).
		Int64("max_cost", cfg.MaxCost).
		Msg("ristretto cache created")

	return &ristrettoCache{cache: c, log: log}, nil
}

// guard runs fn under the read lock unless the cache is closed.
func (r *ristrettoCache) guard(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return ErrClosed
	}
	fn()
	return nil
}

func (r *ristrettoCache) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value []byte
		found bool
	)
	if err := r.guard(ctx, func() {
		var v []byte
		v, found = r.cache.Get(key)
		if found {
			value = make([]byte, len(v))
			copy(value, v)
		}
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

func (r *ristrettoCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.guard(ctx, func() {
		v := make([]byte, len(value))
		copy(v, value)
		if !r.cache.SetWithTTL(key, v, int64(len(v)), ttl) {
			r.log.Debug().Str("key", key).Msg("cache set dropped")
			return
		}
		r.cache.Wait()
	})
}

func (r *ristrettoCache) Delete(ctx context.Context, key string) error {
	return r.guard(ctx, func() {
		r.cache.Del(key)
	})
}

func (r *ristrettoCache) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Swap(true) {
		return nil
	}
	r.cache.Wait()
	r.cache.Close()
	r.log.Debug().Msg("ristretto cache closed")
	return nil
}

func (r *ristrettoCache) ProcessLocal() bool { return true }

func (r *ristrettoCache) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return Stats{}
	}
	m := r.cache.Metrics
	return Stats{
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		KeyCount:  m.KeysAdded() - m.KeysEvicted(),
		Evictions: m.KeysEvicted(),
	}
}
