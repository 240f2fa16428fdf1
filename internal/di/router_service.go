package di

import (
	"net"
	"net/http"
	"time"

	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/router"
)

// RouterService holds the provider router.
type RouterService struct {
	Router *router.Router
}

// NewRouter builds the pools from routing config. The routing section is read
// once; changing it requires a restart.
func NewRouter(i do.Injector) (*RouterService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	metricsSvc := do.MustInvoke[*MetricsService](i)
	healthSvc := do.MustInvoke[*HealthService](i)
	quotaSvc := do.MustInvoke[*QuotaService](i)

	r, err := router.New(router.Options{
		Monitor:    healthSvc.Monitor,
		Quota:      quotaSvc.View,
		HTTPClient: newUpstreamClient(),
		Metrics:    metricsSvc.Metrics,
		Logger:     loggerSvc.Logger,
		Routing:    cfgSvc.Get().Routing,
	})
	if err != nil {
		return nil, err
	}
	return &RouterService{Router: r}, nil
}

// newUpstreamClient returns the shared client for provider calls. Per-call
// deadlines come from the routing decision, so the client has no timeout.
func newUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
