package di

import (
	"context"
	"time"

	"github.com/samber/do/v2"

	"github.com/clipforge/ingestgate/internal/backoff"
	"github.com/clipforge/ingestgate/internal/fairness"
	"github.com/clipforge/ingestgate/internal/gate"
	"github.com/clipforge/ingestgate/internal/idempotency"
	"github.com/clipforge/ingestgate/internal/ratelimit"
)

// lockAgeSampleInterval paces the processing-lock age scan. The scan walks
// the idempotency keyspace, so it stays well above the hot-path cadence.
const lockAgeSampleInterval = 15 * time.Second

// GateService wraps the coordination facade.
type GateService struct {
	Gate   *gate.Gate
	cancel context.CancelFunc
}

// NewGate assembles the admission engine, fairness scheduler, backoff
// advisor and idempotency coordinator into the facade, hooks the facade
// into config hot-reload and starts the lock-age sampler.
func NewGate(i do.Injector) (*GateService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	logSvc := do.MustInvoke[*LoggerService](i)
	metricsSvc := do.MustInvoke[*MetricsService](i)
	storeSvc := do.MustInvoke[*StoreService](i)
	fallbackSvc := do.MustInvoke[*FallbackCacheService](i)
	localSvc := do.MustInvoke[*LocalCacheService](i)

	runtime := cfgSvc.Runtime()
	logger := logSvc.Logger
	m := metricsSvc.Metrics

	engine := ratelimit.NewEngine(runtime, storeSvc.Store, m, logger)
	scheduler := fairness.NewScheduler(runtime, engine, storeSvc.Store, logger)
	advisor := backoff.NewAdvisor(runtime, logger)
	coordinator := idempotency.NewCoordinator(runtime, storeSvc.Store, fallbackSvc.Cache, localSvc.Cache, m, logger)

	g := gate.New(runtime, engine, scheduler, advisor, coordinator, m, logger)
	cfgSvc.OnReload(g.OnConfigReload)

	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.RunLockAgeSampler(ctx, lockAgeSampleInterval)

	return &GateService{Gate: g, cancel: cancel}, nil
}

// Shutdown stops the lock-age sampler.
func (s *GateService) Shutdown() error {
	s.cancel()
	return nil
}
