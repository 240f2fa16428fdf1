package quota

import "sync"

type deltaEntry struct {
	carry    int64
	backfill int64
	limit    int64
}

// deltaBook holds writes that have not reached the shared counter yet.
//
// carry is the sum of local grants, less local releases, that no remote tier
// has seen. backfill is what the ledger granted while the shared store was
// unreachable, less what it released meanwhile; it must be applied to the
// counter but not to the ledger again.
// Entries are removed only once both are flushed.
type deltaBook struct {
	entries map[Key]*deltaEntry
	mu      sync.Mutex
}

func newDeltaBook() *deltaBook {
	return &deltaBook{entries: make(map[Key]*deltaEntry)}
}

func (b *deltaBook) entry(key Key) *deltaEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &deltaEntry{}
		b.entries[key] = e
	}
	return e
}

func (b *deltaBook) add(key Key, tokens, limit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.carry += tokens
	e.limit = limit
}

// addBackfill queues tokens the shared counter missed. Releases made while the
// store was down are queued as negative tokens. A zero limit keeps the known one.
func (b *deltaBook) addBackfill(key Key, tokens, limit int64) {
	if tokens == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.backfill += tokens
	if limit != 0 {
		e.limit = limit
	}
	b.prune(key, e)
}

// subtractUpTo removes up to tokens from the carry and returns the amount removed.
func (b *deltaBook) subtractUpTo(key Key, tokens int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || e.carry <= 0 {
		return 0
	}
	n := min(e.carry, tokens)
	e.carry -= n
	b.prune(key, e)
	return n
}

// take removes and returns the carry and backfill for key.
func (b *deltaBook) take(key Key) (carry, backfill int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return 0, 0
	}
	carry, backfill = e.carry, e.backfill
	e.carry, e.backfill = 0, 0
	b.prune(key, e)
	return carry, backfill
}

// restore puts back what take returned after a failed write.
func (b *deltaBook) restore(key Key, carry, backfill, limit int64) {
	if carry == 0 && backfill == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.carry += carry
	e.backfill += backfill
	if e.limit == 0 {
		e.limit = limit
	}
}

// peek returns the unsynced carry for key.
func (b *deltaBook) peek(key Key) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.carry
	}
	return 0
}

// unsynced returns everything the shared counter has not seen for key.
func (b *deltaBook) unsynced(key Key) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.carry + e.backfill
	}
	return 0
}

// snapshot returns every key with its limit.
func (b *deltaBook) snapshot() map[Key]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Key]int64, len(b.entries))
	for k, e := range b.entries {
		out[k] = e.limit
	}
	return out
}

func (b *deltaBook) prune(key Key, e *deltaEntry) {
	if e.carry == 0 && e.backfill == 0 {
		delete(b.entries, key)
	}
}
