package di

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/usage"
)

// UsageService holds the usage event worker.
type UsageService struct {
	Worker *usage.Worker
}

// NewUsage creates the worker over the coordinator and the ledger.
func NewUsage(i do.Injector) (*UsageService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	metricsSvc := do.MustInvoke[*MetricsService](i)
	quotaSvc := do.MustInvoke[*QuotaService](i)
	ledgerSvc := do.MustInvoke[*LedgerService](i)
	uc := cfgSvc.Get().Usage

	w, err := usage.NewWorker(usage.Options{
		Releaser:      quotaSvc.Coordinator,
		Recorder:      ledgerSvc.Ledger,
		Metrics:       metricsSvc.Metrics,
		Logger:        loggerSvc.Logger,
		BufferSize:    uc.GetBufferSize(),
		BatchSize:     uc.GetBatchSize(),
		FlushInterval: uc.GetFlushInterval(),
	})
	if err != nil {
		return nil, err
	}
	return &UsageService{Worker: w}, nil
}

// Start subscribes the batching stream.
func (u *UsageService) Start() {
	u.Worker.Start()
}

// Shutdown drains queued events within the shutdown grace.
func (u *UsageService) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return u.Worker.Shutdown(ctx)
}
