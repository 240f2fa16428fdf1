package di

import (
	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/ratelimit"
)

// RateLimitService holds the request limiter.
type RateLimitService struct {
	Limiter *ratelimit.Limiter
}

// NewRateLimit builds the limiter and applies ratelimit changes on hot reload.
func NewRateLimit(i do.Injector) (*RateLimitService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	metricsSvc := do.MustInvoke[*MetricsService](i)
	redisSvc := do.MustInvoke[*RedisService](i)

	opts := []ratelimit.Option{
		ratelimit.WithLogger(loggerSvc.Logger),
		ratelimit.WithMetrics(metricsSvc.Metrics),
	}
	if redisSvc.Client != nil {
		opts = append(opts, ratelimit.WithRedis(redisSvc.Client, redisSvc.Breaker))
	}

	limiter, err := ratelimit.New(cfgSvc.Get().RateLimit, opts...)
	if err != nil {
		return nil, err
	}

	cfgSvc.OnReload(func(newCfg *config.Config) error {
		if err := limiter.Reconfigure(newCfg.RateLimit); err != nil {
			return err
		}
		loggerSvc.Logger.Info().
			Str("algorithm", newCfg.RateLimit.GetAlgorithm()).
			Str("backend", newCfg.RateLimit.GetBackend()).
			Bool("enabled", newCfg.RateLimit.IsEnabled()).
			Msg("rate limiter reconfigured via hot-reload")
		return nil
	})

	return &RateLimitService{Limiter: limiter}, nil
}
