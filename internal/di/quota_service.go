package di

import (
	"context"
	"fmt"

	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/quota"
)

// QuotaService holds the coordinator, its reconciler and the current-period view.
type QuotaService struct {
	Coordinator *quota.Coordinator
	Reconciler  *quota.Reconciler
	View        *quota.View
}

// NewQuota builds the three-tier coordinator: record cache, shared counters
// (when redis is enabled) and the ledger.
func NewQuota(i do.Injector) (*QuotaService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	metricsSvc := do.MustInvoke[*MetricsService](i)
	cacheSvc := do.MustInvoke[*CacheService](i)
	redisSvc := do.MustInvoke[*RedisService](i)
	ledgerSvc := do.MustInvoke[*LedgerService](i)
	qc := cfgSvc.Get().Quota

	opts := quota.Options{
		Cache:    cacheSvc.Cache,
		Ledger:   ledgerSvc.Ledger,
		Metrics:  metricsSvc.Metrics,
		Logger:   loggerSvc.Logger,
		LocalTTL: qc.GetLocalTTL(),
	}
	if redisSvc.Client != nil {
		opts.Store = quota.NewRedisStore(redisSvc.Client, qc.GetCounterTTL(), redisSvc.Breaker)
	}

	coord, err := quota.NewCoordinator(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota coordinator: %w", err)
	}
	clock := quota.NewPeriodClock(qc.GetStartDate(), qc.GetPeriodLength(), qc.GetMaxPeriods())

	return &QuotaService{
		Coordinator: coord,
		Reconciler:  quota.NewReconciler(coord, qc.GetReconcileInterval(), qc.GetShutdownGrace()),
		View:        quota.NewView(coord, clock, qc.GetDefaultLimit()),
	}, nil
}

// Start schedules reconciliation.
func (q *QuotaService) Start() error {
	return q.Reconciler.Start()
}

// Shutdown stops the schedule and runs the final reconciliation pass, bounded
// by the configured grace period.
func (q *QuotaService) Shutdown() error {
	return q.Reconciler.Stop(context.Background())
}
