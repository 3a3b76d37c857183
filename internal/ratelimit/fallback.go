package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clipforge/ingestgate/internal/config"
)

// localFallbackRatio shrinks the configured rate when the authoritative
// store is unreachable. Every worker runs its own fallback limiter, so the
// per-worker cap must stay conservative to keep the fleet-wide total near the
// real limit.
const localFallbackRatio = 0.5

// costScale converts fractional costs into integer token counts for
// x/time/rate, which only reserves whole tokens.
const costScale = 1000

// fallbackLimiters holds one in-process rate.Limiter per service, lazily
// built from the current config snapshot. Best-effort only: state is
// per-worker and never synchronized.
type fallbackLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newFallbackLimiters() *fallbackLimiters {
	return &fallbackLimiters{limiters: make(map[string]*rate.Limiter)}
}

// allow runs a local admission for the service at the reduced cap.
func (f *fallbackLimiters) allow(svc config.ServiceConfig, cost float64) Decision {
	limit, ok := svc.PrimaryLimit()
	if !ok {
		return Decision{Allowed: true, Degraded: true}
	}

	f.mu.Lock()
	limiter, exists := f.limiters[svc.Service]
	if !exists {
		perSecond := limit.RefillPerSecond() * localFallbackRatio * costScale
		burst := int(math.Max(1, limit.Requests*localFallbackRatio)) * costScale
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		f.limiters[svc.Service] = limiter
	}
	f.mu.Unlock()

	n := int(math.Ceil(cost * costScale))
	if limiter.AllowN(time.Now(), n) {
		return Decision{Allowed: true, Degraded: true, Remaining: limiter.Tokens() / costScale}
	}

	// Advise a retry when enough tokens have replenished.
	retry := time.Duration(float64(n) / float64(limiter.Limit()) * float64(time.Second))
	return Decision{
		Degraded:   true,
		Reason:     ReasonRateLimit,
		RetryAfter: retry,
		Remaining:  limiter.Tokens() / costScale,
	}
}

// reset drops all limiters, picking up new parameters after a config reload.
func (f *fallbackLimiters) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiters = make(map[string]*rate.Limiter)
}
