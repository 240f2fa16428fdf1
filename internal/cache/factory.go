package cache

import (
	"context"
	"fmt"
	"time"
)

// New validates cfg and opens the backend its mode selects. ctx bounds olric
// startup only.
func New(ctx context.Context, cfg *Config) (Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	began := time.Now()
	c, err := open(ctx, cfg)
	if err != nil {
		logger().Error().Err(err).Str("mode", string(cfg.Mode)).Msg("quota record cache failed to open")
		return nil, err
	}
	logger().Info().
		Str("mode", string(cfg.Mode)).
		Bool("process_local", IsProcessLocal(c)).
		Dur("took", time.Since(began)).
		Msg("quota record cache ready")
	return c, nil
}

func open(ctx context.Context, cfg *Config) (Cache, error) {
	switch cfg.Mode {
	case ModeSingle, "":
		return newRistrettoCache(cfg.Ristretto)
	case ModeHA:
		return newOlricCache(ctx, &cfg.Olric)
	case ModeDisabled:
		return newNoopCache(), nil
	default:
		return nil, fmt.Errorf("cache: unknown mode %q", cfg.Mode)
	}
}
