// Package usage settles completed requests against the quota.
//
// The admission pipeline reserves an estimate before a request is routed. When
// the request finishes, a usage Event carries the estimate and the real token
// count. The Worker batches events by time or count, hands unused tokens back
// to the coordinator, and appends the batch to the ledger's usage log.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/samber/ro"

	"github.com/h-lu/llmGateway-sub000/internal/metrics"
	"github.com/h-lu/llmGateway-sub000/internal/quota"
)

// Default worker sizing.
const (
	DefaultBufferSize    = 1024
	DefaultBatchSize     = 100
	DefaultFlushInterval = 2 * time.Second

	// batchTimeout bounds the store calls made for one batch.
	batchTimeout = 10 * time.Second

	// maxReleaseAttempts bounds how many batches retry one failed release.
	maxReleaseAttempts = 5
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("usage: worker closed")

// ErrQueueFull is returned by Submit when the buffer is full.
var ErrQueueFull = errors.New("usage: queue full")

// Event is one completed request.
type Event struct {
	At         time.Time `json:"at"`
	RequestID  string    `json:"request_id"`
	CallerID   string    `json:"caller_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Period     int64     `json:"period_id"`
	Reserved   int64     `json:"tokens_reserved"`
	ActualUsed int64     `json:"tokens_actually_used"`
}

// Unused returns the reserved tokens the request did not spend.
func (e Event) Unused() int64 {
	return max(e.Reserved-e.ActualUsed, 0)
}

func (e Event) record() quota.UsageRecord {
	return quota.UsageRecord{
		At:         e.At,
		RequestID:  e.RequestID,
		CallerID:   e.CallerID,
		Provider:   e.Provider,
		Model:      e.Model,
		Period:     e.Period,
		Reserved:   e.Reserved,
		ActualUsed: e.ActualUsed,
	}
}

// Releaser hands reserved tokens back to a caller's period.
type Releaser interface {
	Release(ctx context.Context, callerID string, period, tokens int64) error
}

// Recorder persists usage records.
type Recorder interface {
	RecordUsage(ctx context.Context, records []quota.UsageRecord) error
}

// Options configures a Worker.
type Options struct {
	Releaser      Releaser
	Recorder      Recorder
	Metrics       *metrics.Metrics
	Logger        *zerolog.Logger
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type releaseKey struct {
	callerID string
	period   int64
}

type retryEntry struct {
	tokens   int64
	attempts int
}

// Worker consumes usage events in the background.
type Worker struct {
	releaser Releaser
	recorder Recorder
	metrics  *metrics.Metrics
	events   chan Event
	done     chan struct{}
	retries  map[releaseKey]*retryEntry
	doneOnce sync.Once
	logger   zerolog.Logger
	every    time.Duration
	batch    int
	mu       sync.RWMutex
	retryMu  sync.Mutex
	started  bool
	closed   bool
}

// NewWorker creates a worker. Zero sizes fall back to the defaults.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Releaser == nil || opts.Recorder == nil {
		return nil, errors.New("usage: releaser and recorder are required")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	buffer := lo.Ternary(opts.BufferSize > 0, opts.BufferSize, DefaultBufferSize)

	return &Worker{
		releaser: opts.Releaser,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
		retries:  make(map[releaseKey]*retryEntry),
		logger:   logger.With().Str("component", "usage_worker").Logger(),
		every:    lo.Ternary(opts.FlushInterval > 0, opts.FlushInterval, DefaultFlushInterval),
		batch:    lo.Ternary(opts.BatchSize > 0, opts.BatchSize, DefaultBatchSize),
	}, nil
}

// Submit queues ev without blocking.
func (w *Worker) Submit(ev Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case w.events <- ev:
		return nil
	default:
		w.metrics.UsageEvent("dropped")
		w.logger.Warn().
			Str("request_id", ev.RequestID).
			Str("caller_id", ev.CallerID).
			Msg("usage queue full, event dropped")
		return ErrQueueFull
	}
}

// Start subscribes the batching stream. It is a no-op when already started.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true

	batches := ro.Pipe1(
		ro.FromChannel[Event](w.events),
		ro.BufferWithTimeOrCount[Event](w.batch, w.every),
	)
	go batches.Subscribe(ro.NewObserver(
		func(batch []Event) {
			if len(batch) > 0 || w.PendingReleases() > 0 {
				w.process(batch)
			}
		},
		func(err error) {
			w.logger.Error().Err(err).Msg("usage stream failed")
			w.finish()
		},
		func() {
			w.finish()
		},
	))

	w.logger.Info().
		Int("batch_size", w.batch).
		Dur("flush_interval", w.every).
		Msg("usage worker started")
}

// Shutdown stops accepting events and waits for queued ones to be settled,
// bounded by ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	close(w.events)
	w.mu.Unlock()

	if !started {
		w.drainSync()
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage worker drain: %w", ctx.Err())
	}
}

// Pending returns the number of queued events.
func (w *Worker) Pending() int {
	return len(w.events)
}

func (w *Worker) drainSync() {
	var batch []Event
	for ev := range w.events {
		batch = append(batch, ev)
		if len(batch) == w.batch {
			w.process(batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		w.process(batch)
	}
	w.retryReleases()
	w.abandonReleases()
}

func (w *Worker) finish() {
	w.doneOnce.Do(func() {
		w.retryReleases()
		w.abandonReleases()
		close(w.done)
	})
}

// PendingReleases returns the number of failed releases awaiting a retry.
func (w *Worker) PendingReleases() int {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	return len(w.retries)
}

// queueRelease keeps a release that failed because the quota stores were
// unreachable, merging it with earlier failures for the same period.
func (w *Worker) queueRelease(callerID string, period, tokens int64) {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	k := releaseKey{callerID: callerID, period: period}
	if e, ok := w.retries[k]; ok {
		e.tokens += tokens
		return
	}
	w.retries[k] = &retryEntry{tokens: tokens}
}

// retryReleases makes one more attempt at every queued release. Entries that
// keep failing are dropped after maxReleaseAttempts.
func (w *Worker) retryReleases() {
	w.retryMu.Lock()
	queued := w.retries
	w.retries = make(map[releaseKey]*retryEntry, len(queued))
	w.retryMu.Unlock()
	if len(queued) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()
	for k, e := range queued {
		err := w.releaser.Release(ctx, k.callerID, k.period, e.tokens)
		if err == nil {
			w.metrics.UsageEvent("released")
			continue
		}
		e.attempts++
		if !errors.Is(err, quota.ErrBackingStoreUnavailable) || e.attempts >= maxReleaseAttempts {
			w.metrics.UsageEvent("error")
			w.logger.Error().Err(err).
				Str("caller_id", k.callerID).
				Int64("period_id", k.period).
				Int64("tokens", e.tokens).
				Int("attempts", e.attempts).
				Msg("giving up on releasing unused tokens")
			continue
		}
		w.retryMu.Lock()
		if cur, ok := w.retries[k]; ok {
			cur.tokens += e.tokens
			cur.attempts = max(cur.attempts, e.attempts)
		} else {
			w.retries[k] = e
		}
		w.retryMu.Unlock()
	}
}

// abandonReleases logs what is still queued when the worker stops.
func (w *Worker) abandonReleases() {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	for k, e := range w.retries {
		w.metrics.UsageEvent("error")
		w.logger.Error().
			Str("caller_id", k.callerID).
			Int64("period_id", k.period).
			Int64("tokens", e.tokens).
			Msg("unused tokens not released before shutdown")
	}
	clear(w.retries)
}

// process releases unused reservations, then appends the batch to the ledger.
func (w *Worker) process(batch []Event) {
	w.retryReleases()

	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()

	for _, ev := range batch {
		unused := ev.Unused()
		if unused == 0 {
			continue
		}
		if err := w.releaser.Release(ctx, ev.CallerID, ev.Period, unused); err != nil {
			if errors.Is(err, quota.ErrBackingStoreUnavailable) {
				w.queueRelease(ev.CallerID, ev.Period, unused)
				w.logger.Warn().Err(err).
					Str("request_id", ev.RequestID).
					Str("caller_id", ev.CallerID).
					Int64("tokens", unused).
					Msg("release failed, retrying with the next batch")
				continue
			}
			w.metrics.UsageEvent("error")
			w.logger.Warn().Err(err).
				Str("request_id", ev.RequestID).
				Str("caller_id", ev.CallerID).
				Int64("tokens", unused).
				Msg("failed to release unused tokens")
			continue
		}
		w.metrics.UsageEvent("released")
	}

	if len(batch) == 0 {
		return
	}
	records := lo.Map(batch, func(ev Event, _ int) quota.UsageRecord { return ev.record() })
	if err := w.recorder.RecordUsage(ctx, records); err != nil {
		for range batch {
			w.metrics.UsageEvent("error")
		}
		w.logger.Error().Err(err).Int("events", len(batch)).Msg("failed to record usage batch")
		return
	}
	for range batch {
		w.metrics.UsageEvent("recorded")
	}
	w.logger.Debug().
		Int("events", len(batch)).
		Int64("tokens", lo.SumBy(batch, func(ev Event) int64 { return ev.ActualUsed })).
		Msg("usage batch recorded")
}
