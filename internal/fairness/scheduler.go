// Package fairness schedules per-identity admission inside shared service
// buckets so one heavy tenant cannot starve the rest.
//
// Each identity is checked against its tier's proportional share of the
// bucket before the global bucket itself. The scheduler is work-conserving: a
// tenant that exhausts its share may borrow idle capacity, but never the
// slice reserved for heavier tiers. Tiers may additionally cap simultaneous
// in-flight operations per identity.
package fairness

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/ingestgate/internal/config"
	"github.com/clipforge/ingestgate/internal/ratelimit"
	"github.com/clipforge/ingestgate/internal/store"
)

// concurrencyRetry is the advised requeue delay when an identity is at its
// in-flight cap. Slots free as soon as running operations complete, so the
// delay is deliberately short.
const concurrencyRetry = time.Second

// Release returns a held in-flight slot. Always non-nil; a no-op when the
// admission carried no concurrency slot.
type Release func(ctx context.Context)

func noRelease(context.Context) {}

// Scheduler composes per-identity shares, in-flight caps and the global
// bucket into one admission decision. Safe for concurrent use.
type Scheduler struct {
	runtime config.RuntimeConfig
	engine  *ratelimit.Engine
	store   store.Store
	log     zerolog.Logger
}

// NewScheduler creates a Scheduler over the given admission engine and store.
func NewScheduler(runtime config.RuntimeConfig, engine *ratelimit.Engine, st store.Store, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runtime: runtime,
		engine:  engine,
		store:   st,
		log:     logger.With().Str("component", "fairness").Logger(),
	}
}

// Admit decides whether one operation for identity may proceed against the
// service bucket. With fairness disabled or no identity given it degenerates
// to the plain engine admission. On an allow, the returned Release must be
// called when the operation finishes.
func (s *Scheduler) Admit(ctx context.Context, service, identity, tier string, cost float64) (ratelimit.Decision, Release, error) {
	cfg := s.runtime.Get()
	if !cfg.Fairness.Enabled() || identity == "" {
		d, err := s.engine.Admit(ctx, service, "", cost)
		return d, noRelease, err
	}

	svc, ok := cfg.Service(service)
	if !ok {
		return ratelimit.Decision{}, noRelease, ratelimit.ErrUnknownService
	}

	release, decision, held := s.acquireSlot(ctx, cfg, service, identity, tier)
	if !held {
		return decision, noRelease, nil
	}

	d, err := s.admitShared(ctx, cfg, svc, identity, tier, cost)
	if err != nil || !d.Allowed {
		release(ctx)
		return d, noRelease, err
	}
	return d, release, nil
}

// acquireSlot takes an in-flight slot when the tier caps concurrency. Returns
// held=false with a denial when the identity is at its cap. A store error
// skips the cap rather than denying; concurrency limits are protective, not
// load-bearing for correctness.
func (s *Scheduler) acquireSlot(ctx context.Context, cfg *config.Config, service, identity, tier string) (Release, ratelimit.Decision, bool) {
	tierCfg := cfg.Fairness.Tiers[tier]
	if tierCfg.MaxInFlight <= 0 {
		return noRelease, ratelimit.Decision{}, true
	}

	key := store.InFlightKey(service, identity)
	ttl := 2 * cfg.Idempotency.GetMaxProcessingTime()

	ok, count, err := s.store.AcquireInFlight(ctx, key, int64(tierCfg.MaxInFlight), ttl)
	if err != nil {
		s.log.Warn().Err(err).Str("service", service).Msg("in-flight acquire failed, skipping concurrency cap")
		return noRelease, ratelimit.Decision{}, true
	}
	if !ok {
		return noRelease, ratelimit.Decision{
			Reason:     ratelimit.ReasonConcurrency,
			RetryAfter: concurrencyRetry,
		}, false
	}

	s.log.Debug().Str("service", service).Int64("in_flight", count).Msg("slot acquired")
	release := func(ctx context.Context) {
		if _, err := s.store.ReleaseInFlight(ctx, key, ttl); err != nil {
			// The counter TTL bounds the leak if release never lands.
			s.log.Warn().Err(err).Str("service", service).Msg("in-flight release failed")
		}
	}
	return release, ratelimit.Decision{}, true
}

// admitShared runs the identity's share, the work-conserving surplus and the
// global bucket in order. The global check runs last so a fairness denial
// never consumes bucket capacity.
func (s *Scheduler) admitShared(ctx context.Context, cfg *config.Config, svc config.ServiceConfig, identity, tier string, cost float64) (ratelimit.Decision, error) {
	primary, hasPrimary := svc.PrimaryLimit()
	if hasPrimary {
		shareKey := store.RateLimitKey(svc.GetAlgorithm(), svc.Service, identity) + ":fair"
		d, err := s.engine.AdmitWithLimit(ctx, svc, shareKey, shareLimit(cfg.Fairness.Tiers, tier, primary), cost)
		if err != nil {
			return ratelimit.Decision{}, err
		}
		if !d.Allowed && !d.Degraded {
			sd, err := s.borrowSurplus(ctx, cfg, svc, tier, cost)
			if err != nil {
				return ratelimit.Decision{}, err
			}
			if !sd.Allowed {
				sd.Reason = ratelimit.ReasonFairness
				if sd.RetryAfter < d.RetryAfter {
					sd.RetryAfter = d.RetryAfter
				}
				return sd, nil
			}
		}
	}

	return s.engine.Admit(ctx, svc.Service, "", cost)
}

// borrowSurplus admits against the tier's borrowable slice of the bucket,
// shared by every identity in the tier.
func (s *Scheduler) borrowSurplus(ctx context.Context, cfg *config.Config, svc config.ServiceConfig, tier string, cost float64) (ratelimit.Decision, error) {
	primary, _ := svc.PrimaryLimit()
	key := store.RateLimitKey(svc.GetAlgorithm(), svc.Service, "") + ":surplus:" + tierLabel(cfg.Fairness.Tiers, tier)
	return s.engine.AdmitWithLimit(ctx, svc, key, surplusLimit(cfg.Fairness.Tiers, tier, primary), cost)
}

// tierLabel maps unknown tier names onto a single bucket so arbitrary caller
// input cannot fan out store keys.
func tierLabel(tiers map[string]config.TierConfig, tier string) string {
	if _, ok := tiers[tier]; ok {
		return tier
	}
	return "default"
}
