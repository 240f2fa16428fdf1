package di

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/health"
)

// HealthService holds the provider health monitor.
type HealthService struct {
	Monitor *health.Monitor
}

// NewHealth creates the monitor and mirrors every health write into the
// provider_healthy gauge. Providers are registered by the router.
func NewHealth(i do.Injector) (*HealthService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	metricsSvc := do.MustInvoke[*MetricsService](i)

	monitor := health.NewMonitor(cfgSvc.Get().Routing.Health, loggerSvc.Logger)
	monitor.OnChange(metricsSvc.Metrics.ProviderHealth)
	return &HealthService{Monitor: monitor}, nil
}

// Start launches the probe loop.
func (h *HealthService) Start() {
	h.Monitor.Start()
}

// Shutdown implements do.Shutdowner.
func (h *HealthService) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return h.Monitor.Stop(ctx)
}
