package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/clipforge/ingestgate/internal/config"
	"github.com/clipforge/ingestgate/internal/metrics"
	"github.com/clipforge/ingestgate/internal/store"
)

// quotaWindow is the window size at or above which a denial is classified as
// a quota exhaustion (long retry) rather than a short-term rate limit.
const quotaWindow = time.Hour

// Engine evaluates admission for configured service buckets against the
// shared store. Safe for concurrent use; all per-bucket state lives in the
// store behind atomic scripted operations.
type Engine struct {
	runtime  config.RuntimeConfig
	store    store.Store
	circuit  *Circuit
	fallback *fallbackLimiters
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine over the given store. The circuit breaker
// guards every store call; when open, admission degrades to the local
// fallback limiter until the store recovers.
func NewEngine(runtime config.RuntimeConfig, st store.Store, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	e := &Engine{
		runtime:  runtime,
		store:    st,
		fallback: newFallbackLimiters(),
		metrics:  m,
		log:      logger.With().Str("component", "ratelimit").Logger(),
		now:      time.Now,
	}
	e.circuit = NewCircuit("primary", CircuitConfig{}, e.log, func(to gobreaker.State) {
		m.CircuitState("primary", circuitStateValue(to))
	})
	return e
}

// Admit checks whether one operation of the given cost may proceed for the
// service bucket, optionally scoped to a sub-identity. Every configured limit
// for the service must admit; the denial with the largest retry-after wins.
func (e *Engine) Admit(ctx context.Context, service, identity string, cost float64) (Decision, error) {
	svc, ok := e.runtime.Get().Service(service)
	if !ok {
		return Decision{}, ErrUnknownService
	}
	return e.admit(ctx, svc, identity, cost)
}

// AdmitOperation resolves the operation type's cost from the service's cost
// mapping and admits it.
func (e *Engine) AdmitOperation(ctx context.Context, service, identity, operation string) (Decision, error) {
	svc, ok := e.runtime.Get().Service(service)
	if !ok {
		return Decision{}, ErrUnknownService
	}
	return e.admit(ctx, svc, identity, svc.CostFor(operation))
}

// AdmitWithLimit runs a single admission against an explicit limit. Used by
// the fairness scheduler for per-identity sub-allowances.
func (e *Engine) AdmitWithLimit(ctx context.Context, svc config.ServiceConfig, key string, limit config.LimitConfig, cost float64) (Decision, error) {
	return e.admitOne(ctx, svc, key, limit, cost, 0)
}

// CostFor returns the configured cost of an operation type, defaulting to 1.
func (e *Engine) CostFor(service, operation string) float64 {
	svc, ok := e.runtime.Get().Service(service)
	if !ok {
		return 1
	}
	return svc.CostFor(operation)
}

// Record feeds an API call outcome into telemetry. Advisory only.
func (e *Engine) Record(service string, success bool) {
	e.metrics.Outcome(service, success)
	e.log.Debug().Str("service", service).Bool("success", success).Msg("api outcome recorded")
}

// OnConfigReload drops cached fallback limiters so they rebuild from the new
// snapshot.
func (e *Engine) OnConfigReload(*config.Config) error {
	e.fallback.reset()
	return nil
}

func (e *Engine) admit(ctx context.Context, svc config.ServiceConfig, identity string, cost float64) (Decision, error) {
	// Limits admit independently; an early allow consumes even if a later
	// limit denies. That direction only ever under-admits, and the window
	// self-corrects as entries expire.
	denied := Decision{}
	allowed := Decision{Allowed: true}
	for i, limit := range svc.Limits {
		d, err := e.admitOne(ctx, svc, e.bucketKey(svc, identity, i), limit, cost, i)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			if d.RetryAfter > denied.RetryAfter {
				denied = d
			}
			continue
		}
		if i == 0 || d.Remaining < allowed.Remaining {
			allowed = d
		}
	}
	if denied.Reason != "" {
		return denied, nil
	}
	return allowed, nil
}

// admitOne evaluates one limit through the circuit breaker, falling back to
// the local limiter when the store cannot serve the call.
func (e *Engine) admitOne(ctx context.Context, svc config.ServiceConfig, key string, limit config.LimitConfig, cost float64, idx int) (Decision, error) {
	done, err := e.circuit.Allow()
	if err != nil {
		return e.fallback.allow(svc, cost), nil
	}

	adm, err := e.storeAdmit(ctx, svc, key, limit, cost, idx)
	done(err)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Decision{}, err
		}
		e.log.Warn().Err(err).Str("service", svc.Service).Msg("store admission failed, using local fallback")
		return e.fallback.allow(svc, cost), nil
	}

	d := Decision{
		Allowed:    adm.Allowed,
		Remaining:  adm.Remaining,
		RetryAfter: adm.RetryAfter,
	}
	if !adm.Allowed {
		d.Reason = ReasonRateLimit
		if limit.Window() >= quotaWindow {
			d.Reason = ReasonQuota
		}
	}
	return d, nil
}

func (e *Engine) storeAdmit(ctx context.Context, svc config.ServiceConfig, key string, limit config.LimitConfig, cost float64, idx int) (store.Admission, error) {
	start := e.now()
	defer func() {
		e.metrics.StoreOp("admit", time.Since(start))
	}()

	// Only the primary limit of a token_bucket service uses the bucket
	// algorithm; supplementary limits (e.g. daily caps) are windows.
	if svc.GetAlgorithm() == config.AlgorithmTokenBucket && idx == 0 {
		return e.store.TokenBucketAdmit(ctx, key, store.TokenBucketParams{
			Now:             start,
			Capacity:        limit.Requests,
			RefillPerSecond: limit.RefillPerSecond(),
			Burst:           limit.GetBurstOption().OrElse(0),
			Cost:            cost,
			IdleTTL:         2 * limit.Window(),
		})
	}
	return e.store.SlidingWindowAdmit(ctx, key, store.SlidingWindowParams{
		Now:    start,
		Window: limit.Window(),
		Limit:  limit.Requests + limit.GetBurstOption().OrElse(0),
		Cost:   cost,
	})
}

// bucketKey builds the store key for the idx-th limit of a service bucket.
// Supplementary limits get a window suffix so they never collide.
func (e *Engine) bucketKey(svc config.ServiceConfig, identity string, idx int) string {
	key := store.RateLimitKey(svc.GetAlgorithm(), svc.Service, identity)
	if idx > 0 {
		key += ":w" + strconv.Itoa(svc.Limits[idx].WindowSeconds)
	}
	return key
}

func circuitStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
