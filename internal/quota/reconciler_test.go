package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerWritesCounterDeltas(t *testing.T) {
	t.Parallel()

	store, ledger := newMemStore(), NewMemoryLedger()
	c, err := NewCoordinator(Options{Store: store, Ledger: ledger})
	require.NoError(t, err)
	r := NewReconciler(c, time.Minute, time.Second)
	ctx := context.Background()
	key := Key{CallerID: "alice", Period: 1}

	for range 3 {
		_, err := c.TryReserve(ctx, key.CallerID, key.Period, 1000, 100)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, r.Pending())

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Written: 1}, res)

	used, err := ledger.Used(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(300), used)
	assert.Zero(t, r.Pending())

	// Nothing new: the next pass has no work.
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, res)
}

func TestReconcilerNeverLowersLedger(t *testing.T) {
	t.Parallel()

	store, ledger := newMemStore(), NewMemoryLedger()
	c, err := NewCoordinator(Options{Store: store, Ledger: ledger})
	require.NoError(t, err)
	r := NewReconciler(c, time.Minute, time.Second)
	ctx := context.Background()
	key := Key{CallerID: "bob", Period: 1}

	_, err = c.TryReserve(ctx, key.CallerID, key.Period, 1000, 100)
	require.NoError(t, err)
	_, err = ledger.Adjust(ctx, key, 1000, 500)
	require.NoError(t, err)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	used, err := ledger.Used(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(500), used)
}

func TestReconcilerRetriesFailedEntries(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ledger := &flakyLedger{Ledger: NewMemoryLedger()}
	c, err := NewCoordinator(Options{Store: store, Ledger: ledger})
	require.NoError(t, err)
	r := NewReconciler(c, time.Minute, time.Second)
	ctx := context.Background()
	key := Key{CallerID: "carol", Period: 2}

	_, err = c.TryReserve(ctx, key.CallerID, key.Period, 1000, 40)
	require.NoError(t, err)

	ledger.down.Store(true)
	res, err := r.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, r.Pending())

	ledger.down.Store(false)
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	used, err := ledger.Used(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(40), used)
}

func TestReconcilerKeepsNewerValueOverFailedOne(t *testing.T) {
	t.Parallel()

	p := newPendingSet()
	key := Key{CallerID: "dave", Period: 1}
	p.track(key, 50, 100)
	stale := p.drain()[key]

	p.track(key, 70, 0)
	p.requeue(key, stale)

	got := p.drain()[key]
	assert.Equal(t, pendingEntry{used: 70, limit: 100}, got)
}

func TestReconcilerFlushesLocalGrantsWithoutStore(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	c, err := NewCoordinator(Options{Cache: newLocalCache(t), Ledger: ledger})
	require.NoError(t, err)
	r := NewReconciler(c, time.Minute, time.Second)
	ctx := context.Background()
	key := Key{CallerID: "erin", Period: 1}

	_, err = c.TryReserve(ctx, key.CallerID, key.Period, 1000, 100)
	require.NoError(t, err)
	res, err := c.TryReserve(ctx, key.CallerID, key.Period, 1000, 100)
	require.NoError(t, err)
	require.Equal(t, SourceLocalCache, res.Source)

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	used, err := ledger.Used(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(200), used)
}

func TestReconcilerStopRunsFinalPass(t *testing.T) {
	t.Parallel()

	store, ledger := newMemStore(), NewMemoryLedger()
	c, err := NewCoordinator(Options{Store: store, Ledger: ledger})
	require.NoError(t, err)
	r := NewReconciler(c, time.Hour, time.Second)
	require.NoError(t, r.Start())
	require.NoError(t, r.Start(), "second start is a no-op")

	ctx := context.Background()
	_, err = c.TryReserve(ctx, "frank", 1, 1000, 250)
	require.NoError(t, err)

	require.NoError(t, r.Stop(ctx))

	used, err := ledger.Used(ctx, Key{CallerID: "frank", Period: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(250), used)
}
