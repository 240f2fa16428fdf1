package ratelimit

import (
	"slices"
	"sync"
	"time"
)

// evictFraction is the share of entries dropped when a full table needs room.
const evictFraction = 5

// table is a bounded, mutex-guarded map of per-key limiter state.
// Entries idle for two windows are purged lazily; a full table evicts the
// least recently seen fifth of its entries.
type table[S any] struct {
	entries    map[string]*tableEntry[S]
	newState   func(now time.Time) S
	now        func() time.Time
	idle       time.Duration
	maxEntries int
	lastPurge  time.Time
	mu         sync.Mutex
}

type tableEntry[S any] struct {
	lastSeen time.Time
	state    S
}

func newTable[S any](maxEntries int, window time.Duration, now func() time.Time, newState func(time.Time) S) *table[S] {
	if now == nil {
		now = time.Now
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &table[S]{
		entries:    make(map[string]*tableEntry[S]),
		newState:   newState,
		now:        now,
		idle:       2 * window,
		maxEntries: maxEntries,
	}
}

// with runs fn on the state for key while holding the table lock.
func (t *table[S]) with(key string, fn func(state S, now time.Time) Result) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastPurge) >= t.idle/2 {
		t.purgeLocked(now)
	}

	e, ok := t.entries[key]
	if !ok {
		if len(t.entries) >= t.maxEntries {
			t.evictLocked()
		}
		e = &tableEntry[S]{state: t.newState(now)}
		t.entries[key] = e
	}
	e.lastSeen = now
	return fn(e.state, now)
}

func (t *table[S]) purgeLocked(now time.Time) {
	t.lastPurge = now
	for k, e := range t.entries {
		if now.Sub(e.lastSeen) >= t.idle {
			delete(t.entries, k)
		}
	}
}

func (t *table[S]) evictLocked() {
	type aged struct {
		seen time.Time
		key  string
	}
	all := make([]aged, 0, len(t.entries))
	for k, e := range t.entries {
		all = append(all, aged{key: k, seen: e.lastSeen})
	}
	slices.SortFunc(all, func(a, b aged) int { return a.seen.Compare(b.seen) })

	n := max(len(all)/evictFraction, 1)
	for _, a := range all[:n] {
		delete(t.entries, a.key)
	}
}

func (t *table[S]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
