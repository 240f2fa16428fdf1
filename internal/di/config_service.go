package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/config"
)

// ConfigService holds the live configuration. Reads are lock-free through
// config.Runtime; in-flight requests keep the snapshot they started with.
type ConfigService struct {
	runtime *config.Runtime
	watcher *config.Watcher
	path    string
}

// Get returns the current configuration.
func (c *ConfigService) Get() *config.Config {
	return c.runtime.Get()
}

// Runtime returns the live configuration holder.
func (c *ConfigService) Runtime() *config.Runtime {
	return c.runtime
}

// OnReload registers cb with the watcher. It is a no-op when hot reload is
// unavailable.
func (c *ConfigService) OnReload(cb config.ReloadCallback) {
	if c.watcher != nil {
		c.watcher.OnReload(cb)
	}
}

// StartWatching begins watching the config file. Only the rate limit and
// logging sections are applied live; the other sections need a restart.
func (c *ConfigService) StartWatching(ctx context.Context) {
	if c.watcher == nil {
		return
	}

	c.watcher.OnReload(func(newCfg *config.Config) error {
		c.runtime.Store(newCfg)
		log.Info().Str("path", c.path).Msg("config hot-reloaded")
		return nil
	})

	go func() {
		if err := c.watcher.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("config watcher error")
		}
	}()

	log.Info().Str("path", c.path).Msg("config file watcher started")
}

// Shutdown implements do.Shutdowner.
func (c *ConfigService) Shutdown() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// NewConfig loads and validates the configuration and creates a watcher. The
// watcher is started by StartWatching.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	svc := &ConfigService{runtime: config.NewRuntime(cfg), path: path}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watcher creation failed, hot-reload disabled")
	} else {
		svc.watcher = watcher
	}
	return svc, nil
}
