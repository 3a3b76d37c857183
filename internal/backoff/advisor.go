// Package backoff computes advisory requeue delays from rolling outcome
// statistics.
//
// The advisor never gates correctness: it only shapes how long a denied or
// failed operation waits before requeueing. A bucket with no recorded history
// degrades to plain exponential backoff from the service's configured (or
// default) parameters.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/ingestgate/internal/config"
)

// streakCap bounds the exponential streak multiplier at 2^3 = 8x.
const streakCap = 3

// jitterSpread is the ± fraction applied last to every delay, breaking up
// synchronized retry storms across workers.
const jitterSpread = 0.3

// badHourFactor widens delays during hours with historically elevated
// failure rates.
const badHourFactor = 1.5

// Advisor tracks per-bucket outcome history and advises retry delays.
// Safe for concurrent use. State is in-process and advisory only.
type Advisor struct {
	runtime config.RuntimeConfig
	log     zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*history

	now  func() time.Time
	rand func() float64
}

// NewAdvisor creates an Advisor reading backoff policy from runtime config.
func NewAdvisor(runtime config.RuntimeConfig, logger zerolog.Logger) *Advisor {
	return &Advisor{
		runtime: runtime,
		log:     logger.With().Str("component", "backoff").Logger(),
		buckets: make(map[string]*history),
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// RecordOutcome feeds one API call outcome into the bucket's history.
func (a *Advisor) RecordOutcome(service string, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bucket(service).record(a.now(), success)
}

// NextDelay advises how long the caller should wait before requeueing work
// for the bucket. Delay grows with the consecutive-failure streak and with a
// poor recent success rate, and always lands in [initial, max] with jitter.
func (a *Advisor) NextDelay(service string) time.Duration {
	svc, _ := a.runtime.Get().Service(service)
	policy := svc.Backoff

	a.mu.Lock()
	h := a.bucket(service)
	now := a.now()
	streak := h.streak
	rate, haveStats := h.successRate(now)
	badHour := h.hourFailureFactor(now)
	a.mu.Unlock()

	base := policy.GetInitialDelay()
	maxDelay := policy.GetMaxDelay()

	multiplier := 1.0
	if policy.GetType() == config.BackoffAdaptive && haveStats {
		multiplier = bandMultiplier(rate)
		if badHour {
			multiplier *= badHourFactor
		}
	}

	streakFactor := math.Pow(policy.GetMultiplier(), math.Min(float64(streak), streakCap))

	delay := time.Duration(float64(base) * multiplier * streakFactor)
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < base {
		delay = base
	}

	jittered := a.jitter(delay)
	if jittered > maxDelay {
		jittered = maxDelay
	}
	return jittered
}

// bandMultiplier maps a success rate to a delay multiplier.
func bandMultiplier(rate float64) float64 {
	switch {
	case rate < 0.2:
		return 8
	case rate < 0.5:
		return 4
	case rate < 0.8:
		return 2
	default:
		return 1
	}
}

// jitter applies ±30% uniform noise.
func (a *Advisor) jitter(d time.Duration) time.Duration {
	factor := 1 - jitterSpread + 2*jitterSpread*a.rand()
	return time.Duration(float64(d) * factor)
}

// bucket returns the history for service. Caller holds a.mu.
func (a *Advisor) bucket(service string) *history {
	h, ok := a.buckets[service]
	if !ok {
		h = &history{}
		a.buckets[service] = h
	}
	return h
}
