package quota

import (
	"context"
	"time"
)

// noSeed asks ConsumeIfWithin to report a missing counter instead of creating it.
const noSeed int64 = -1

// CounterStore is the Shared Counter Store: near-real-time counters shared by
// every gateway instance.
type CounterStore interface {
	// ConsumeIfWithin atomically applies carry (floored at zero), then adds
	// tokens only if the result stays within limit. When the counter does not
	// exist it is created from seed; a negative seed makes the call return
	// ErrCounterMissing without side effects.
	ConsumeIfWithin(ctx context.Context, key Key, limit, tokens, carry, seed int64) (Decision, error)

	// Release lowers the counter by tokens, never below zero, and returns the new
	// value. It returns ErrCounterMissing when the counter does not exist.
	Release(ctx context.Context, key Key, tokens int64) (int64, error)

	// Used returns the counter value and whether it exists.
	Used(ctx context.Context, key Key) (int64, bool, error)
}

// Ledger is the durable system of record for quota totals.
type Ledger interface {
	// ConsumeIfWithin applies carry (floored at zero), then adds tokens only if
	// used+tokens <= limit, creating the row if needed. The returned Decision
	// carries the post-update value.
	ConsumeIfWithin(ctx context.Context, key Key, limit, tokens, carry int64) (Decision, error)

	// Used returns the committed usage, zero when the row does not exist.
	Used(ctx context.Context, key Key) (int64, error)

	// Adjust adds delta to used, floored at zero, creating the row with limit if
	// needed. It returns the new value.
	Adjust(ctx context.Context, key Key, limit, delta int64) (int64, error)

	// RecordUsage appends usage events.
	RecordUsage(ctx context.Context, events []UsageRecord) error

	Close() error
}

// UsageRecord is one completed request as stored in the ledger.
type UsageRecord struct {
	At         time.Time
	RequestID  string
	CallerID   string
	Provider   string
	Model      string
	Period     int64
	Reserved   int64
	ActualUsed int64
}
