package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("connection refused")

// memStore is an in-memory CounterStore with the same semantics as the Redis scripts.
type memStore struct {
	counters map[Key]int64
	calls    atomic.Int64
	fail     atomic.Bool
	mu       sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{counters: make(map[Key]int64)}
}

func (s *memStore) ConsumeIfWithin(_ context.Context, key Key, limit, tokens, carry, seed int64) (Decision, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return Decision{}, errStoreDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	used, ok := s.counters[key]
	if !ok {
		if seed < 0 {
			return Decision{}, ErrCounterMissing
		}
		used = seed
	}
	used = max(used+carry, 0)
	s.counters[key] = used
	if limit-used < tokens {
		return Decision{Used: used}, nil
	}
	used += tokens
	s.counters[key] = used
	return Decision{Granted: true, Used: used}, nil
}

func (s *memStore) Release(_ context.Context, key Key, tokens int64) (int64, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return 0, errStoreDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	used, ok := s.counters[key]
	if !ok {
		return 0, ErrCounterMissing
	}
	used = max(used-tokens, 0)
	s.counters[key] = used
	return used, nil
}

func (s *memStore) Used(_ context.Context, key Key) (int64, bool, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return 0, false, errStoreDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	used, ok := s.counters[key]
	return used, ok, nil
}

func (s *memStore) counter(key Key) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

// flakyLedger wraps a Ledger and fails while down is set.
type flakyLedger struct {
	Ledger
	down atomic.Bool
}

func (l *flakyLedger) ConsumeIfWithin(ctx context.Context, key Key, limit, tokens, carry int64) (Decision, error) {
	if l.down.Load() {
		return Decision{}, errors.New("database is locked")
	}
	return l.Ledger.ConsumeIfWithin(ctx, key, limit, tokens, carry)
}

func (l *flakyLedger) Used(ctx context.Context, key Key) (int64, error) {
	if l.down.Load() {
		return 0, errors.New("database is locked")
	}
	return l.Ledger.Used(ctx, key)
}

func (l *flakyLedger) Adjust(ctx context.Context, key Key, limit, delta int64) (int64, error) {
	if l.down.Load() {
		return 0, errors.New("database is locked")
	}
	return l.Ledger.Adjust(ctx, key, limit, delta)
}

// sharedCache is a map cache that reports itself as shared between processes.
type sharedCache struct {
	data map[string][]byte
	mu   sync.Mutex
}

func newSharedCache() *sharedCache {
	return &sharedCache{data: make(map[string][]byte)}
}

func (c *sharedCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return v, nil
}

func (c *sharedCache) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *sharedCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *sharedCache) Close() error { return nil }

func newSmallCache() (cache.Cache, error) {
	return cache.New(context.Background(), &cache.Config{
		Mode:      cache.ModeSingle,
		Ristretto: cache.RistrettoConfig{NumCounters: 10_000, MaxCost: 1 << 20, BufferItems: 64},
	})
}

func newLocalCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := newSmallCache()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type tierSetup struct {
	name  string
	build func(t *testing.T) (*Coordinator, *memStore, Ledger)
}

// tierSetups covers every combination of tiers the coordinator supports.
func tierSetups() []tierSetup {
	nop := zerolog.Nop()
	return []tierSetup{
		{"local+shared+ledger", func(t *testing.T) (*Coordinator, *memStore, Ledger) {
			store, ledger := newMemStore(), NewMemoryLedger()
			c, err := NewCoordinator(Options{Cache: newLocalCache(t), Store: store, Ledger: ledger, Logger: &nop})
			require.NoError(t, err)
			return c, store, ledger
		}},
		{"shared+ledger", func(t *testing.T) (*Coordinator, *memStore, Ledger) {
			store, ledger := newMemStore(), NewMemoryLedger()
			c, err := NewCoordinator(Options{Store: store, Ledger: ledger, Logger: &nop})
			require.NoError(t, err)
			return c, store, ledger
		}},
		{"local+ledger", func(t *testing.T) (*Coordinator, *memStore, Ledger) {
			ledger := NewMemoryLedger()
			c, err := NewCoordinator(Options{Cache: newLocalCache(t), Ledger: ledger, Logger: &nop})
			require.NoError(t, err)
			return c, nil, ledger
		}},
		{"ledger only", func(t *testing.T) (*Coordinator, *memStore, Ledger) {
			ledger := NewMemoryLedger()
			c, err := NewCoordinator(Options{Ledger: ledger, Logger: &nop})
			require.NoError(t, err)
			return c, nil, ledger
		}},
		{"shared cache view", func(t *testing.T) (*Coordinator, *memStore, Ledger) {
			store, ledger := newMemStore(), NewMemoryLedger()
			c, err := NewCoordinator(Options{Cache: newSharedCache(), Store: store, Ledger: ledger, Logger: &nop})
			require.NoError(t, err)
			return c, store, ledger
		}},
	}
}
