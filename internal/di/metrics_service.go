package di

import (
	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/metrics"
)

// MetricsService holds the Prometheus collectors. Metrics is nil when
// metrics.enabled is false; every recorder accepts a nil receiver.
type MetricsService struct {
	Metrics *metrics.Metrics
}

// NewMetrics creates the collectors.
func NewMetrics(i do.Injector) (*MetricsService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cfg := cfgSvc.Get()
	if !cfg.Metrics.IsEnabled() {
		return &MetricsService{}, nil
	}
	return &MetricsService{Metrics: metrics.New()}, nil
}
