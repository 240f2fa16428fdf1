package di

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/logging"
)

// LoggerService wraps the zerolog logger for DI.
type LoggerService struct {
	Logger *zerolog.Logger
	closer io.Closer
}

// NewLogger creates the logger from configuration and installs it as the
// global and default context logger. The level follows logging.level across
// hot reloads.
func NewLogger(i do.Injector) (*LoggerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cfg := cfgSvc.Get()

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	// The level is enforced globally so reloads can change it in place.
	logger = logger.Level(zerolog.TraceLevel)
	zerolog.SetGlobalLevel(cfg.Logging.ParseLevel())
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	cfgSvc.OnReload(func(newCfg *config.Config) error {
		level := newCfg.Logging.ParseLevel()
		if level != zerolog.GlobalLevel() {
			zerolog.SetGlobalLevel(level)
			logger.Info().Str("level", level.String()).Msg("log level updated via hot-reload")
		}
		return nil
	})

	return &LoggerService{Logger: &logger, closer: closer}, nil
}

// Shutdown implements do.Shutdowner.
func (l *LoggerService) Shutdown() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
