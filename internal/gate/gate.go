// Package gate is the single entry point worker code talks to. It composes
// rate-limit admission, fairness scheduling, idempotency coordination and
// backoff advice behind a small facade so callers never wire the subsystems
// themselves.
package gate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/ingestgate/internal/backoff"
	"github.com/clipforge/ingestgate/internal/config"
	"github.com/clipforge/ingestgate/internal/fairness"
	"github.com/clipforge/ingestgate/internal/idempotency"
	"github.com/clipforge/ingestgate/internal/metrics"
	"github.com/clipforge/ingestgate/internal/ratelimit"
	"github.com/clipforge/ingestgate/internal/store"
)

// AdmitRequest describes one operation asking for admission.
type AdmitRequest struct {
	// Service names the configured bucket, e.g. "openai".
	Service string

	// Identity scopes fairness scheduling. Empty means no per-identity share.
	Identity string

	// Tier is the identity's priority tier. Ignored when fairness is off.
	Tier string

	// Operation selects a cost from the service's cost mapping. Ignored when
	// Cost is set.
	Operation string

	// Cost overrides the mapped cost when positive.
	Cost float64
}

// Admission is the outcome of TryAdmit. On an allow the caller must invoke
// Release once the operation finishes.
type Admission struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	Reason     string
	Degraded   bool

	release fairness.Release
}

// Release returns any held concurrency slot. Safe to call on a denial.
func (a *Admission) Release(ctx context.Context) {
	if a.release != nil {
		a.release(ctx)
	}
}

// OperationRequest identifies one logical request for idempotency purposes.
type OperationRequest struct {
	Service string

	// IdempotencyKey is the caller-supplied key. Empty means derive a
	// fingerprint from the request material below.
	IdempotencyKey string

	Identity string
	Method   string
	Path     string
	Body     []byte

	// At is the request's ingress timestamp. Zero means now.
	At time.Time
}

// Gate is the coordination facade. Safe for concurrent use.
type Gate struct {
	runtime     config.RuntimeConfig
	engine      *ratelimit.Engine
	scheduler   *fairness.Scheduler
	advisor     *backoff.Advisor
	coordinator *idempotency.Coordinator
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

// New wires the subsystems into a Gate.
func New(
	runtime config.RuntimeConfig,
	engine *ratelimit.Engine,
	scheduler *fairness.Scheduler,
	advisor *backoff.Advisor,
	coordinator *idempotency.Coordinator,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Gate {
	return &Gate{
		runtime:     runtime,
		engine:      engine,
		scheduler:   scheduler,
		advisor:     advisor,
		coordinator: coordinator,
		metrics:     m,
		log:         logger.With().Str("component", "gate").Logger(),
		now:         time.Now,
	}
}

// TryAdmit asks whether one operation may proceed. Denials carry a requeue
// delay that already folds in the backoff advisor's view of the service, so
// callers schedule the retry and nothing here blocks.
func (g *Gate) TryAdmit(ctx context.Context, req AdmitRequest) (Admission, error) {
	cost := req.Cost
	if cost <= 0 {
		cost = g.engine.CostFor(req.Service, req.Operation)
	}

	d, release, err := g.scheduler.Admit(ctx, req.Service, req.Identity, req.Tier, cost)
	if err != nil {
		return Admission{}, err
	}

	adm := Admission{
		Allowed:    d.Allowed,
		Remaining:  d.Remaining,
		RetryAfter: d.RetryAfter,
		Reason:     d.Reason,
		Degraded:   d.Degraded,
		release:    release,
	}
	if d.Allowed {
		g.metrics.Admitted(req.Service)
		return adm, nil
	}

	g.metrics.Denied(req.Service, d.Reason)
	if advised := g.advisor.NextDelay(req.Service); advised > adm.RetryAfter {
		adm.RetryAfter = advised
	}
	g.log.Debug().
		Str("service", req.Service).
		Str("reason", d.Reason).
		Dur("retry_after", adm.RetryAfter).
		Msg("admission denied")
	return adm, nil
}

// BeginIdempotent resolves the request's idempotency key (deriving a
// fingerprint when none was supplied) and runs the atomic begin step. The
// resolved key is returned so the caller can complete or wait on it.
func (g *Gate) BeginIdempotent(ctx context.Context, req OperationRequest) (idempotency.BeginResult, string, error) {
	key := req.IdempotencyKey
	if key == "" {
		at := req.At
		if at.IsZero() {
			at = g.now()
		}
		key = g.coordinator.DeriveKey(idempotency.FingerprintInput{
			Identity: req.Identity,
			Method:   req.Method,
			Path:     req.Path,
			Body:     req.Body,
			At:       at,
		})
	}

	res, err := g.coordinator.Begin(ctx, req.Service, key, req.Body)
	return res, key, err
}

// BeginExclusive is BeginIdempotent for mutating operations that must not
// run against a replayed result: an existing terminal record surfaces as
// idempotency.ErrConflict, with the prior result still attached for callers
// that want to report it.
func (g *Gate) BeginExclusive(ctx context.Context, req OperationRequest) (idempotency.BeginResult, string, error) {
	res, key, err := g.BeginIdempotent(ctx, req)
	if err == nil && res.Outcome == idempotency.OutcomeReplay {
		return res, key, idempotency.ErrConflict
	}
	return res, key, err
}

// CompleteIdempotent records the terminal outcome for a held lock.
func (g *Gate) CompleteIdempotent(ctx context.Context, key, lockToken string, result []byte, status store.RecordStatus) error {
	return g.coordinator.Complete(ctx, key, lockToken, result, status)
}

// WaitForCompletion blocks until the lock holder for key finishes or maxWait
// elapses, returning the holder's result.
func (g *Gate) WaitForCompletion(ctx context.Context, key string, maxWait time.Duration) ([]byte, error) {
	return g.coordinator.WaitForCompletion(ctx, key, maxWait)
}

// RecordOutcome feeds one upstream call outcome into backoff history and
// telemetry. Call it for every executed operation, success or not.
func (g *Gate) RecordOutcome(service string, success bool) {
	g.advisor.RecordOutcome(service, success)
	g.engine.Record(service, success)
}

// NextDelay returns the advisor's current requeue delay for the service.
func (g *Gate) NextDelay(service string) time.Duration {
	return g.advisor.NextDelay(service)
}

// OnConfigReload propagates a new snapshot to subsystems holding derived
// state.
func (g *Gate) OnConfigReload(cfg *config.Config) error {
	return g.engine.OnConfigReload(cfg)
}
