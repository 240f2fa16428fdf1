package di

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/server"
)

// ServerService holds the admin listener.
type ServerService struct {
	Server *server.Server
}

// NewServer builds the admin listener over the router status, the quota view
// and the metrics registry.
func NewServer(i do.Injector) (*ServerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	metricsSvc := do.MustInvoke[*MetricsService](i)
	routerSvc := do.MustInvoke[*RouterService](i)
	quotaSvc := do.MustInvoke[*QuotaService](i)
	cfg := cfgSvc.Get()

	handler := server.NewHandler(server.Options{
		Status:      routerSvc.Router,
		Quota:       quotaSvc.View,
		Metrics:     metricsSvc.Metrics,
		MetricsPath: cfg.Metrics.GetPath(),
		Logger:      loggerSvc.Logger,
	})
	return &ServerService{
		Server: server.New(cfg.Server.GetAdminListen(), handler, cfg.Server.EnableHTTP2),
	}, nil
}

// Shutdown implements do.Shutdowner.
func (s *ServerService) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.Server.Shutdown(ctx)
}
