package di

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/clipforge/ingestgate/internal/cache"
)

// FallbackCacheService is the distributed cache tier carrying terminal
// idempotency results through store outages.
type FallbackCacheService struct {
	Cache cache.Cache
}

// Shutdown implements do.Shutdowner.
func (s *FallbackCacheService) Shutdown() error {
	return s.Cache.Close()
}

// NewFallbackCache builds the configured distributed tier. Disabled mode
// yields a noop cache, which the coordinator tolerates.
func NewFallbackCache(i do.Injector) (*FallbackCacheService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cacheCfg := cfgSvc.Get().Cache

	c, err := cache.New(context.Background(), &cacheCfg)
	if err != nil {
		return nil, err
	}
	return &FallbackCacheService{Cache: c}, nil
}

// LocalCacheService is the in-process LRU, the last line of duplicate
// suppression when both the store and the distributed tier are down.
type LocalCacheService struct {
	Cache cache.Cache
}

// Shutdown implements do.Shutdowner.
func (s *LocalCacheService) Shutdown() error {
	return s.Cache.Close()
}

// NewLocalCache builds the Ristretto LRU with default sizing.
func NewLocalCache(do.Injector) (*LocalCacheService, error) {
	cfg := &cache.Config{
		Mode:      cache.ModeSingle,
		Ristretto: cache.DefaultRistrettoConfig(),
	}
	c, err := cache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &LocalCacheService{Cache: c}, nil
}
