package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Default reconciliation timings.
const (
	DefaultReconcileInterval = 60 * time.Second
	DefaultShutdownGrace     = 5 * time.Second
)

type pendingEntry struct {
	used  int64
	limit int64
}

// pendingSet is the touched set: the latest shared counter value per key
// since the last reconciliation.
type pendingSet struct {
	entries map[Key]pendingEntry
	mu      sync.Mutex
}

func newPendingSet() *pendingSet {
	return &pendingSet{entries: make(map[Key]pendingEntry)}
}

// track records used for key. A zero limit keeps the previously known limit.
func (p *pendingSet) track(key Key, used, limit int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit == 0 {
		limit = p.entries[key].limit
	}
	p.entries[key] = pendingEntry{used: used, limit: limit}
}

func (p *pendingSet) drain() map[Key]pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.entries
	p.entries = make(map[Key]pendingEntry, len(out))
	return out
}

// requeue puts a failed entry back unless a newer value arrived meanwhile.
func (p *pendingSet) requeue(key Key, e pendingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, newer := p.entries[key]; !newer {
		p.entries[key] = e
	}
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Written int
	Skipped int
	Failed  int
}

// Reconciler copies shared counter values into the ledger on a schedule and
// once more at shutdown.
type Reconciler struct {
	coord    *Coordinator
	cron     *cron.Cron
	logger   zerolog.Logger
	interval time.Duration
	grace    time.Duration
	runMu    sync.Mutex
	mu       sync.Mutex
	running  bool
}

// NewReconciler creates a Reconciler for c. Non-positive durations use the defaults.
func NewReconciler(c *Coordinator, interval, grace time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &Reconciler{
		coord:    c,
		cron:     cron.New(),
		logger:   c.logger.With().Str("component", "quota_reconciler").Logger(),
		interval: interval,
		grace:    grace,
	}
}

// Start schedules reconciliation every interval.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	schedule := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(schedule, r.scheduled); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	r.cron.Start()
	r.running = true

	r.logger.Info().Dur("interval", r.interval).Msg("quota reconciler started")
	return nil
}

func (r *Reconciler) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("reconciliation incomplete")
	}
}

// RunOnce flushes unsynced local grants, then writes every touched counter into
// the ledger as a non-negative delta against the ledger's current value.
// Entries that fail are retried on the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	var (
		res  ReconcileResult
		errs []error
	)
	if err := r.coord.FlushUnsynced(ctx); err != nil {
		errs = append(errs, err)
	}

	m := r.coord.metrics
	for key, e := range r.coord.pending.drain() {
		ledgerUsed, err := r.coord.ledger.Used(ctx, key)
		if err == nil {
			delta := e.used - ledgerUsed
			if delta <= 0 {
				res.Skipped++
				m.ReconcileEntry("skipped")
				continue
			}
			_, err = r.coord.ledger.Adjust(ctx, key, e.limit, delta)
		}
		if err != nil {
			res.Failed++
			m.ReconcileEntry("failed")
			r.coord.pending.requeue(key, e)
			errs = append(errs, fmt.Errorf("reconcile %s: %w", key, err))
			continue
		}
		res.Written++
		m.ReconcileEntry("written")
	}

	if res.Written > 0 || res.Failed > 0 {
		r.logger.Debug().
			Int("written", res.Written).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Msg("reconciliation pass complete")
	}
	return res, errors.Join(errs...)
}

// Pending returns the number of keys awaiting reconciliation.
func (r *Reconciler) Pending() int {
	return r.coord.pending.len()
}

// Stop halts the schedule, waits for a running pass, and runs a final pass.
// The whole shutdown is bounded by the grace period and by ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.grace)
	defer cancel()

	r.mu.Lock()
	if r.running {
		stopped := r.cron.Stop()
		r.running = false
		r.mu.Unlock()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for reconciliation: %w", ctx.Err())
		}
	} else {
		r.mu.Unlock()
	}

	res, err := r.RunOnce(ctx)
	r.logger.Info().
		Int("written", res.Written).
		Int("failed", res.Failed).
		Msg("quota reconciler stopped")
	return err
}
