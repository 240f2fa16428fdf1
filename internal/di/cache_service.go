package di

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/cache"
)

// cacheInitTimeout bounds olric startup.
const cacheInitTimeout = 30 * time.Second

// CacheService wraps the quota record cache.
type CacheService struct {
	Cache cache.Cache
}

// NewCache creates the record cache selected by cache.mode.
func NewCache(i do.Injector) (*CacheService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	cache.SetLogger(loggerSvc.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), cacheInitTimeout)
	defer cancel()

	cfg := cfgSvc.Get().Cache
	cfg.ApplyDefaults()
	c, err := cache.New(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &CacheService{Cache: c}, nil
}

// Shutdown implements do.Shutdowner.
func (c *CacheService) Shutdown() error {
	if c.Cache != nil {
		return c.Cache.Close()
	}
	return nil
}
