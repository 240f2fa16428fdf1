package quota

import (
	"context"
	"sync"
)

type ledgerRow struct {
	limit   int64
	used    int64
	version int64
}

// MemoryLedger is an in-process Ledger. It keeps nothing across restarts and
// is meant for local runs against mock providers.
type MemoryLedger struct {
	rows   map[Key]*ledgerRow
	events []UsageRecord
	mu     sync.Mutex
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[Key]*ledgerRow)}
}

func (m *MemoryLedger) row(key Key, limit int64) *ledgerRow {
	r, ok := m.rows[key]
	if !ok {
		r = &ledgerRow{limit: limit}
		m.rows[key] = r
	}
	return r
}

// ConsumeIfWithin implements Ledger.
func (m *MemoryLedger) ConsumeIfWithin(ctx context.Context, key Key, limit, tokens, carry int64) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.row(key, limit)
	if carry != 0 {
		r.used = max(r.used+carry, 0)
		r.version++
	}
	if r.used+tokens > limit {
		return Decision{Used: r.used}, nil
	}
	r.used += tokens
	r.limit = limit
	r.version++
	return Decision{Granted: true, Used: r.used}, nil
}

// Used implements Ledger.
func (m *MemoryLedger) Used(ctx context.Context, key Key) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[key]; ok {
		return r.used, nil
	}
	return 0, nil
}

// Adjust implements Ledger.
func (m *MemoryLedger) Adjust(ctx context.Context, key Key, limit, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(key, limit)
	r.used = max(r.used+delta, 0)
	r.version++
	return r.used, nil
}

// RecordUsage implements Ledger.
func (m *MemoryLedger) RecordUsage(ctx context.Context, events []UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Events returns a copy of the recorded usage events.
func (m *MemoryLedger) Events() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageRecord, len(m.events))
	copy(out, m.events)
	return out
}

// Close implements Ledger.
func (m *MemoryLedger) Close() error { return nil }
