package di

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/health"
	"github.com/h-lu/llmGateway-sub000/internal/quota"
)

// storeInitTimeout bounds opening the ledger and the first redis ping.
const storeInitTimeout = 10 * time.Second

// RedisService holds the Shared Counter Store client and the circuit breaker
// guarding it. Client is nil when redis is disabled.
type RedisService struct {
	Client  redis.UniversalClient
	Breaker *health.CircuitBreaker
}

// NewRedis connects to redis when enabled. An unreachable server is logged,
// not fatal: quota falls back to the ledger and rate limiting fails open.
func NewRedis(i do.Injector) (*RedisService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	cfg := cfgSvc.Get().Redis
	if !cfg.Enabled {
		return &RedisService{}, nil
	}

	opts, err := redis.ParseURL(cfg.GetURL())
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = cfg.GetPoolSize()
	opts.DialTimeout = cfg.GetDialTimeout()
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), storeInitTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		loggerSvc.Logger.Warn().Err(err).Str("addr", opts.Addr).Msg("redis unreachable at startup")
	}

	return &RedisService{
		Client:  client,
		Breaker: health.NewCircuitBreaker("redis", cfg.CircuitBreaker, loggerSvc.Logger),
	}, nil
}

// Shutdown implements do.Shutdowner.
func (r *RedisService) Shutdown() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// LedgerService holds the durable Ledger Store.
type LedgerService struct {
	Ledger quota.Ledger
}

// NewLedger opens the ledger selected by ledger.driver.
func NewLedger(i do.Injector) (*LedgerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	cfg := cfgSvc.Get().Ledger

	switch cfg.GetDriver() {
	case config.DriverMemory:
		loggerSvc.Logger.Warn().Msg("using in-memory ledger, quota totals are lost on restart")
		return &LedgerService{Ledger: quota.NewMemoryLedger()}, nil
	case config.DriverSQLite:
		ctx, cancel := context.WithTimeout(context.Background(), storeInitTimeout)
		defer cancel()
		l, err := quota.OpenSQLite(ctx, cfg.GetDSN())
		if err != nil {
			return nil, err
		}
		loggerSvc.Logger.Info().Str("dsn", cfg.GetDSN()).Msg("sqlite ledger opened")
		return &LedgerService{Ledger: l}, nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

// Shutdown implements do.Shutdowner.
func (l *LedgerService) Shutdown() error {
	return l.Ledger.Close()
}
