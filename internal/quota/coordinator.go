// Package quota decides whether a caller may spend tokens in the current period.
//
// Decisions go through three tiers, cheapest first:
//   - a local record cache, updated with an optimistic version check
//   - the shared counter store, one atomic script per decision
//   - the ledger, whose conditional update is the final authority
//
// Counters written to the shared store are reconciled back into the ledger by
// the Reconciler.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/h-lu/llmGateway-sub000/internal/cache"
	"github.com/h-lu/llmGateway-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

const stripeCount = 64

// DefaultLocalTTL is how long a cached record may serve local decisions.
const DefaultLocalTTL = 30 * time.Second

// Options configures a Coordinator. Ledger is required; a nil Cache disables
// the local tier and a nil Store disables the shared tier.
type Options struct {
	Cache    cache.Cache
	Store    CounterStore
	Ledger   Ledger
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger
	LocalTTL time.Duration
}

// Coordinator makes quota decisions. It is safe for concurrent use.
type Coordinator struct {
	cache       cache.Cache
	store       CounterStore
	ledger      Ledger
	metrics     *metrics.Metrics
	deltas      *deltaBook
	pending     *pendingSet
	logger      zerolog.Logger
	localTTL    time.Duration
	localGrants bool
	stripes     [stripeCount]sync.Mutex
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Ledger == nil {
		return nil, errors.New("quota: ledger is required")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "quota").Logger()
	}
	ttl := opts.LocalTTL
	if ttl <= 0 {
		ttl = DefaultLocalTTL
	}

	c := &Coordinator{
		cache:    opts.Cache,
		store:    opts.Store,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		deltas:   newDeltaBook(),
		pending:  newPendingSet(),
		logger:   logger,
		localTTL: ttl,
	}
	// Local grants rely on the stripe lock, which only covers this process.
	// Shared caches still serve read-only views through Remaining.
	c.localGrants = c.cache != nil && cache.IsProcessLocal(c.cache)
	return c, nil
}

// TryReserve reserves tokens for callerID in period. A denied reservation
// returns the Reservation together with an *ExceededError; a ledger failure
// returns ErrBackingStoreUnavailable.
func (c *Coordinator) TryReserve(ctx context.Context, callerID string, period, limit, tokens int64) (Reservation, error) {
	if tokens < 0 {
		return Reservation{}, ErrInvalidTokens
	}
	key := Key{CallerID: callerID, Period: period}

	if res, ok := c.reserveLocal(ctx, key, limit, tokens); ok {
		return c.decided(key, res)
	}

	if c.store != nil {
		res, err := c.reserveShared(ctx, key, limit, tokens)
		if err == nil {
			return c.decided(key, res)
		}
		c.storeFailed(key, err)
	}

	res, err := c.reserveLedger(ctx, key, limit, tokens)
	if err != nil {
		c.metrics.QuotaDecision(SourceLedger.tier(), "error")
		return Reservation{}, err
	}
	return c.decided(key, res)
}

func (c *Coordinator) decided(key Key, res Reservation) (Reservation, error) {
	if !res.Granted {
		c.metrics.QuotaDecision(res.Source.tier(), "denied")
		return res, NewExceededError(key.CallerID, res.Remaining, key.Period)
	}
	c.metrics.QuotaDecision(res.Source.tier(), "granted")
	return res, nil
}

func (c *Coordinator) reserveLocal(ctx context.Context, key Key, limit, tokens int64) (Reservation, bool) {
	if !c.localGrants {
		return Reservation{}, false
	}
	snap, ok := c.loadRecord(ctx, key)
	if !ok || snap.Limit != limit || snap.Remaining() < tokens {
		return Reservation{}, false
	}

	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := c.loadRecord(ctx, key)
	if !ok || cur.Version != snap.Version {
		return Reservation{}, false
	}
	cur.Used += tokens
	cur.Version++
	cur.Source = SourceLocalCache
	if err := c.storeRecord(ctx, key, cur); err != nil {
		return Reservation{}, false
	}
	c.deltas.add(key, tokens, limit)

	return Reservation{
		Granted:   true,
		Used:      cur.Used,
		Remaining: cur.Remaining(),
		Source:    SourceLocalCache,
	}, true
}

func (c *Coordinator) reserveShared(ctx context.Context, key Key, limit, tokens int64) (Reservation, error) {
	carry, backfill := c.deltas.take(key)
	dec, err := c.consumeShared(ctx, key, limit, tokens, carry, backfill)
	if err != nil {
		c.deltas.restore(key, carry, backfill, limit)
		return Reservation{}, err
	}
	c.pending.track(key, dec.Used, limit)
	c.refreshRecord(ctx, key, limit, dec.Used, SourceSharedStore)

	return Reservation{
		Granted:   dec.Granted,
		Used:      dec.Used,
		Remaining: remaining(limit, dec.Used),
		Source:    SourceSharedStore,
	}, nil
}

// consumeShared runs the store script with carry and backfill applied. A
// missing counter is seeded from the ledger, which already holds the backfill.
func (c *Coordinator) consumeShared(ctx context.Context, key Key, limit, tokens, carry, backfill int64) (Decision, error) {
	dec, err := c.store.ConsumeIfWithin(ctx, key, limit, tokens, carry+backfill, noSeed)
	if !errors.Is(err, ErrCounterMissing) {
		return dec, err
	}

	seed, err := c.ledger.Used(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("seed counter: %w", err)
	}
	c.logger.Debug().Str("key", key.String()).Int64("seed", seed).Msg("seeding shared counter from ledger")
	return c.store.ConsumeIfWithin(ctx, key, limit, tokens, carry, seed)
}

func (c *Coordinator) reserveLedger(ctx context.Context, key Key, limit, tokens int64) (Reservation, error) {
	carry, backfill := c.deltas.take(key)
	dec, err := c.ledger.ConsumeIfWithin(ctx, key, limit, tokens, carry)
	if err != nil {
		c.deltas.restore(key, carry, backfill, limit)
		c.metrics.QuotaStoreError("ledger")
		c.logger.Error().Err(err).Str("key", key.String()).Msg("ledger reservation failed")
		return Reservation{}, unavailable(err)
	}
	if c.store != nil {
		// The shared counter missed this write and must catch up later.
		missed := backfill + carry
		if dec.Granted {
			missed += tokens
		}
		c.deltas.addBackfill(key, missed, limit)
	}
	c.refreshRecord(ctx, key, limit, dec.Used, SourceLedger)

	return Reservation{
		Granted:   dec.Granted,
		Used:      dec.Used,
		Remaining: remaining(limit, dec.Used),
		Source:    SourceLedger,
	}, nil
}

// Release returns tokens to the caller's period, never below zero.
func (c *Coordinator) Release(ctx context.Context, callerID string, period, tokens int64) error {
	if tokens < 0 {
		return ErrInvalidTokens
	}
	if tokens == 0 {
		return nil
	}
	key := Key{CallerID: callerID, Period: period}

	// Tokens granted locally and not yet synced are handed back in place first.
	covered := c.deltas.subtractUpTo(key, tokens)
	rest := tokens - covered
	if rest == 0 {
		c.adjustRecord(ctx, key, -tokens)
		return nil
	}

	if c.store != nil {
		used, err := c.store.Release(ctx, key, rest)
		switch {
		case err == nil:
			c.pending.track(key, used, 0)
			c.adjustRecord(ctx, key, -tokens)
			return nil
		case !errors.Is(err, ErrCounterMissing):
			c.storeFailed(key, err)
		}
	}

	if _, err := c.ledger.Adjust(ctx, key, 0, -rest); err != nil {
		c.deltas.restore(key, covered, 0, 0)
		c.metrics.QuotaStoreError("ledger")
		return unavailable(err)
	}
	if c.store != nil {
		// The shared counter still holds the released tokens; lower it once
		// the store answers again.
		c.deltas.addBackfill(key, -rest, 0)
	}
	c.adjustRecord(ctx, key, -tokens)
	return nil
}

// Remaining returns the tokens left for callerID in period without reserving.
func (c *Coordinator) Remaining(ctx context.Context, callerID string, period, limit int64) (int64, error) {
	key := Key{CallerID: callerID, Period: period}

	if rec, ok := c.loadRecord(ctx, key); ok && rec.Limit == limit {
		return rec.Remaining(), nil
	}

	if c.store != nil {
		used, found, err := c.store.Used(ctx, key)
		switch {
		case err != nil:
			c.storeFailed(key, err)
		case found:
			return remaining(limit, used+c.deltas.unsynced(key)), nil
		}
	}

	used, err := c.ledger.Used(ctx, key)
	if err != nil {
		c.metrics.QuotaStoreError("ledger")
		return 0, unavailable(err)
	}
	return remaining(limit, used+c.deltas.peek(key)), nil
}

// FlushUnsynced pushes local grants and backfill to the shared store. Local
// grants go to the ledger instead when the store is unavailable.
func (c *Coordinator) FlushUnsynced(ctx context.Context) error {
	var errs []error
	for key, limit := range c.deltas.snapshot() {
		carry, backfill := c.deltas.take(key)
		if carry == 0 && backfill == 0 {
			continue
		}

		if c.store != nil {
			dec, err := c.consumeShared(ctx, key, limit, 0, carry, backfill)
			if err == nil {
				c.pending.track(key, dec.Used, limit)
				continue
			}
			c.storeFailed(key, err)
		}

		if carry == 0 {
			c.deltas.restore(key, 0, backfill, limit)
			continue
		}
		if _, err := c.ledger.Adjust(ctx, key, limit, carry); err != nil {
			c.deltas.restore(key, carry, backfill, limit)
			c.metrics.QuotaStoreError("ledger")
			errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
			continue
		}
		if c.store != nil {
			c.deltas.addBackfill(key, backfill+carry, limit)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) storeFailed(key Key, err error) {
	c.metrics.QuotaStoreError("shared")
	c.logger.Warn().Err(err).Str("key", key.String()).Msg("shared counter store unavailable, falling back")
}

func (c *Coordinator) stripe(key Key) *sync.Mutex {
	return &c.stripes[xxhash.Sum64String(key.String())%stripeCount]
}

func recordKey(key Key) string {
	return "quota:rec:" + key.String()
}

func (c *Coordinator) loadRecord(ctx context.Context, key Key) (Record, bool) {
	if c.cache == nil {
		return Record{}, false
	}
	data, err := c.cache.Get(ctx, recordKey(key))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.Debug().Err(err).Str("key", key.String()).Msg("record cache read failed")
		}
		return Record{}, false
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return Record{}, false
	}
	return rec, true
}

func (c *Coordinator) storeRecord(ctx context.Context, key Key, rec Record) error {
	data, err := rec.encode()
	if err != nil {
		return err
	}
	return c.cache.SetWithTTL(ctx, recordKey(key), data, c.localTTL)
}

// refreshRecord caches a remote result. The cached value never drops below
// what is already cached for the same limit, since concurrent remote calls may
// finish out of order.
func (c *Coordinator) refreshRecord(ctx context.Context, key Key, limit, used int64, source Source) {
	if c.cache == nil {
		return
	}
	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	rec := Record{Limit: limit, Used: used + c.deltas.peek(key), Version: 1, Source: source}
	if cur, ok := c.loadRecord(ctx, key); ok {
		rec.Version = cur.Version + 1
		if cur.Limit == limit && cur.Used > rec.Used {
			rec.Used = cur.Used
		}
	}
	if err := c.storeRecord(ctx, key, rec); err != nil {
		c.logger.Debug().Err(err).Str("key", key.String()).Msg("record cache write failed")
	}
}

func (c *Coordinator) adjustRecord(ctx context.Context, key Key, delta int64) {
	if c.cache == nil {
		return
	}
	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := c.loadRecord(ctx, key)
	if !ok {
		return
	}
	rec.Used = max(rec.Used+delta, 0)
	rec.Version++
	if err := c.storeRecord(ctx, key, rec); err != nil {
		// A stale record would over-report usage; drop it instead.
		_ = c.cache.Delete(ctx, recordKey(key))
	}
}
