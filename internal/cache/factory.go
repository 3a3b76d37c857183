package cache

import (
	"context"
	"fmt"
)

// New creates a Cache from configuration. The context is used only for
// distributed backend initialization (cluster join, dmap creation).
func New(ctx context.Context, cfg *Config) (Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case ModeSingle:
		return newRistrettoCache(cfg.Ristretto)
	case ModeHA:
		return newOlricCache(ctx, &cfg.Olric)
	case ModeDisabled, "":
		return newNoopCache(), nil
	default:
		return nil, fmt.Errorf("cache: unknown mode %q", cfg.Mode)
	}
}
