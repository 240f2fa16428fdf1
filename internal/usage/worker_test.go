package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h-lu/llmGateway-sub000/internal/metrics"
	"github.com/h-lu/llmGateway-sub000/internal/quota"
)

type release struct {
	callerID string
	period   int64
	tokens   int64
}

// fakeReleaser returns err for every call, or only for the first failFirst
// calls when failFirst is set.
type fakeReleaser struct {
	err       error
	calls     []release
	failFirst int
	mu        sync.Mutex
}

func (f *fakeReleaser) Release(_ context.Context, callerID string, period, tokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, release{callerID: callerID, period: period, tokens: tokens})
	if f.failFirst > 0 && len(f.calls) > f.failFirst {
		return nil
	}
	return f.err
}

func (f *fakeReleaser) released() []release {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]release(nil), f.calls...)
}

type failingRecorder struct{}

func (failingRecorder) RecordUsage(context.Context, []quota.UsageRecord) error {
	return errors.New("disk full")
}

func newWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	logger := zerolog.Nop()
	opts.Logger = &logger
	w, err := NewWorker(opts)
	require.NoError(t, err)
	return w
}

func TestEventUnused(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   Event
		want int64
	}{
		{"under estimate", Event{Reserved: 500, ActualUsed: 120}, 380},
		{"exact", Event{Reserved: 500, ActualUsed: 500}, 0},
		{"over estimate", Event{Reserved: 500, ActualUsed: 700}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.ev.Unused())
		})
	}
}

func TestNewWorkerRequiresStores(t *testing.T) {
	t.Parallel()

	_, err := NewWorker(Options{Recorder: quota.NewMemoryLedger()})
	require.Error(t, err)
	_, err = NewWorker(Options{Releaser: &fakeReleaser{}})
	require.Error(t, err)
}

func TestWorkerReleasesAndRecordsOnShutdown(t *testing.T) {
	t.Parallel()

	rel := &fakeReleaser{}
	ledger := quota.NewMemoryLedger()
	m := metrics.New()
	w := newWorker(t, Options{Releaser: rel, Recorder: ledger, Metrics: m, FlushInterval: time.Hour})
	w.Start()

	require.NoError(t, w.Submit(Event{RequestID: "r1", CallerID: "alice", Period: 3, Reserved: 1000, ActualUsed: 400}))
	require.NoError(t, w.Submit(Event{RequestID: "r2", CallerID: "bob", Period: 3, Reserved: 200, ActualUsed: 200}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))

	assert.Equal(t, []release{{callerID: "alice", period: 3, tokens: 600}}, rel.released())

	events := ledger.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "r1", events[0].RequestID)
	assert.Equal(t, int64(400), events[0].ActualUsed)
	assert.False(t, events[0].At.IsZero())

	count, err := testutil.GatherAndCount(m.Registry(), "llmgw_usage_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "released and recorded series")
}

func TestWorkerFlushesFullBatch(t *testing.T) {
	t.Parallel()

	ledger := quota.NewMemoryLedger()
	w := newWorker(t, Options{Releaser: &fakeReleaser{}, Recorder: ledger, BatchSize: 2, FlushInterval: time.Hour})
	w.Start()
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })

	require.NoError(t, w.Submit(Event{RequestID: "a", CallerID: "c", Reserved: 10, ActualUsed: 10}))
	require.NoError(t, w.Submit(Event{RequestID: "b", CallerID: "c", Reserved: 10, ActualUsed: 10}))

	require.Eventually(t, func() bool { return len(ledger.Events()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerFlushesOnInterval(t *testing.T) {
	t.Parallel()

	ledger := quota.NewMemoryLedger()
	w := newWorker(t, Options{Releaser: &fakeReleaser{}, Recorder: ledger, BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	w.Start()
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })

	require.NoError(t, w.Submit(Event{RequestID: "a", CallerID: "c", Reserved: 10, ActualUsed: 5}))

	require.Eventually(t, func() bool { return len(ledger.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerQueueFull(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	w := newWorker(t, Options{Releaser: &fakeReleaser{}, Recorder: quota.NewMemoryLedger(), Metrics: m, BufferSize: 1})

	require.NoError(t, w.Submit(Event{RequestID: "a"}))
	require.ErrorIs(t, w.Submit(Event{RequestID: "b"}), ErrQueueFull)
	assert.Equal(t, 1, w.Pending())
}

func TestWorkerShutdownWithoutStartDrains(t *testing.T) {
	t.Parallel()

	rel := &fakeReleaser{}
	ledger := quota.NewMemoryLedger()
	w := newWorker(t, Options{Releaser: rel, Recorder: ledger, BatchSize: 2})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.Submit(Event{RequestID: id, CallerID: "c", Reserved: 10, ActualUsed: 4}))
	}
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Len(t, ledger.Events(), 3)
	assert.Len(t, rel.released(), 3)
	require.ErrorIs(t, w.Submit(Event{RequestID: "d"}), ErrClosed)
	require.NoError(t, w.Shutdown(context.Background()))
}

func TestWorkerRecordsEvenWhenReleaseFails(t *testing.T) {
	t.Parallel()

	ledger := quota.NewMemoryLedger()
	w := newWorker(t, Options{Releaser: &fakeReleaser{err: quota.ErrBackingStoreUnavailable}, Recorder: ledger})

	require.NoError(t, w.Submit(Event{RequestID: "a", CallerID: "c", Reserved: 10, ActualUsed: 1}))
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Len(t, ledger.Events(), 1)
}

func TestWorkerSurvivesRecorderFailure(t *testing.T) {
	t.Parallel()

	rel := &fakeReleaser{}
	w := newWorker(t, Options{Releaser: rel, Recorder: failingRecorder{}})

	require.NoError(t, w.Submit(Event{RequestID: "a", CallerID: "c", Reserved: 10, ActualUsed: 1}))
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Len(t, rel.released(), 1)
}

func TestWorkerRetriesReleaseWhileStoreUnavailable(t *testing.T) {
	t.Parallel()

	rel := &fakeReleaser{err: quota.ErrBackingStoreUnavailable, failFirst: 2}
	ledger := quota.NewMemoryLedger()
	w := newWorker(t, Options{Releaser: rel, Recorder: ledger, BatchSize: 2})

	require.NoError(t, w.Submit(Event{RequestID: "a", CallerID: "nina", Period: 7, Reserved: 500, ActualUsed: 100}))
	require.NoError(t, w.Submit(Event{RequestID: "b", CallerID: "nina", Period: 7, Reserved: 300, ActualUsed: 100}))
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Equal(t, []release{
		{callerID: "nina", period: 7, tokens: 400},
		{callerID: "nina", period: 7, tokens: 200},
		{callerID: "nina", period: 7, tokens: 600},
	}, rel.released(), "failed releases are merged and retried")
	assert.Zero(t, w.PendingReleases())
	assert.Len(t, ledger.Events(), 2)
}

func TestWorkerRetriesReleaseWithNextBatch(t *testing.T) {
	t.Parallel()

	rel := &fakeReleaser{err: quota.ErrBackingStoreUnavailable, failFirst: 1}
	w := newWorker(t, Options{Releaser: rel, Recorder: quota.NewMemoryLedger(), BatchSize: 1, FlushInterval: time.Hour})
	w.Start()
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })

	require.NoError(t, w.Submit(Event{RequestID: "a", CallerID: "omar", Period: 1, Reserved: 50, ActualUsed: 10}))
	require.Eventually(t, func() bool { return w.PendingReleases() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Submit(Event{RequestID: "b", CallerID: "omar", Period: 1, Reserved: 50, ActualUsed: 50}))
	require.Eventually(t, func() bool { return len(rel.released()) == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, w.PendingReleases())
	assert.Equal(t, []release{
		{callerID: "omar", period: 1, tokens: 40},
		{callerID: "omar", period: 1, tokens: 40},
	}, rel.released())
}

func TestWorkerDoesNotRetryRejectedRelease(t *testing.T) {
	t.Parallel()

	rel := &fakeReleaser{err: quota.ErrInvalidTokens}
	w := newWorker(t, Options{Releaser: rel, Recorder: quota.NewMemoryLedger()})

	require.NoError(t, w.Submit(Event{RequestID: "a", CallerID: "c", Reserved: 10, ActualUsed: 1}))
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Len(t, rel.released(), 1)
	assert.Zero(t, w.PendingReleases())
}
