// Package idempotency coordinates at-most-one concurrent execution per
// logical request and replays prior results for duplicates.
//
// The record lifecycle is absent → processing → {completed | failed}. A
// processing record older than the configured max processing time is
// reclaimable by any caller, so locks abandoned by crashed workers self-heal
// without external intervention.
//
// Storage is tiered: the shared store is authoritative; a distributed cache
// carries terminal results through store outages; a small in-process LRU is
// the last line of defense so duplicate suppression degrades gracefully
// instead of failing open.
package idempotency

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipforge/ingestgate/internal/cache"
	"github.com/clipforge/ingestgate/internal/config"
	"github.com/clipforge/ingestgate/internal/metrics"
	"github.com/clipforge/ingestgate/internal/store"
)

// Outcome classifies the result of Begin.
type Outcome int

const (
	// OutcomeProceed means the caller holds the lock and must execute the
	// operation, then call Complete.
	OutcomeProceed Outcome = iota

	// OutcomeReplay means a terminal result exists; the caller treats it as
	// a fresh success with the original payload.
	OutcomeReplay

	// OutcomeWait means another caller is executing; poll WaitForCompletion
	// or requeue with RetryIn.
	OutcomeWait
)

// BeginResult is the outcome of one Begin call.
type BeginResult struct {
	Outcome Outcome

	// LockToken is set on OutcomeProceed and must be passed to Complete.
	LockToken string

	// Status and Result are set on OutcomeReplay.
	Status store.RecordStatus
	Result []byte

	// RetryIn estimates when the current lock becomes reclaimable, set on
	// OutcomeWait.
	RetryIn time.Duration

	// Reclaimed is set when the lock was acquired over a stale record.
	Reclaimed bool

	// Degraded is set when the authoritative store was unreachable and the
	// decision came from the cache tiers.
	Degraded bool
}

// Coordinator manages the idempotency lifecycle. Safe for concurrent use
// from any number of workers; all exclusivity guarantees come from the
// atomic begin operation in the authoritative store.
type Coordinator struct {
	runtime  config.RuntimeConfig
	primary  store.Store
	fallback cache.Cache
	local    cache.Cache
	metrics  *metrics.Metrics
	log      zerolog.Logger
	owner    string
	now      func() time.Time
}

// NewCoordinator creates a Coordinator. fallback is the distributed cache
// tier shared across workers; local is the in-process LRU. Either may be a
// noop cache.
func NewCoordinator(
	runtime config.RuntimeConfig,
	primary store.Store,
	fallback cache.Cache,
	local cache.Cache,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Coordinator {
	hostname, _ := os.Hostname()
	return &Coordinator{
		runtime:  runtime,
		primary:  primary,
		fallback: fallback,
		local:    local,
		metrics:  m,
		log:      logger.With().Str("component", "idempotency").Logger(),
		owner:    hostname + "/" + uuid.NewString()[:8],
		now:      time.Now,
	}
}

// DeriveKey computes the fingerprint fallback key for callers that supply no
// explicit idempotency key.
func (c *Coordinator) DeriveKey(in FingerprintInput) string {
	return Fingerprint(in, c.runtime.Get().Idempotency.GetCoalesceWindow())
}

// Begin atomically resolves one logical request: acquire the lock (fresh or
// reclaimed), replay a terminal result, or report that another caller holds
// a fresh lock. service tags telemetry only.
func (c *Coordinator) Begin(ctx context.Context, service, key string, digest []byte) (BeginResult, error) {
	cfg := c.runtime.Get().Idempotency
	storeKey := store.IdempotencyKey(key)

	ttl := cfg.GetRecordTTL()
	if isFingerprint(key) {
		// Fingerprints suppress only truly concurrent duplicates; a repeat
		// after 2x the coalesce window is a new logical operation.
		ttl = 2 * cfg.GetCoalesceWindow()
	}

	start := c.now()
	lockToken := uuid.NewString()
	reply, err := c.primary.BeginIdempotency(ctx, storeKey, store.BeginParams{
		Now:               start,
		MaxProcessingTime: cfg.GetMaxProcessingTime(),
		LockToken:         lockToken,
		Owner:             c.owner,
		Digest:            SanitizeDigest(digest),
		ProcessingTTL:     maxDuration(ttl, 2*cfg.GetMaxProcessingTime()),
	})
	c.metrics.StoreOp("idem_begin", c.now().Sub(start))

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return BeginResult{}, err
		}
		return c.beginDegraded(ctx, service, storeKey, err)
	}

	switch reply.Outcome {
	case store.BeginProceed, store.BeginReclaimed:
		reclaimed := reply.Outcome == store.BeginReclaimed
		if reclaimed {
			// Informational: processing proceeds normally for the reclaimer.
			c.log.Info().Str("key", key).Str("owner", c.owner).Msg("stale lock reclaimed")
			c.metrics.StaleLockReclaimed(service)
		}
		return BeginResult{
			Outcome:   OutcomeProceed,
			LockToken: lockToken,
			Reclaimed: reclaimed,
		}, nil

	case store.BeginWait:
		return BeginResult{Outcome: OutcomeWait, RetryIn: reply.RetryIn}, nil

	case store.BeginReplay:
		c.metrics.DuplicatePrevented(service)
		return BeginResult{
			Outcome: OutcomeReplay,
			Status:  reply.Status,
			Result:  reply.Result,
		}, nil

	default:
		return BeginResult{}, store.ErrBadReply
	}
}

// Complete writes the terminal state and cached result, then releases the
// lock. A stale lock token (the record was reclaimed since Begin) makes the
// write a silent no-op so a slow former holder cannot overwrite the current
// holder's result.
func (c *Coordinator) Complete(ctx context.Context, key, lockToken string, result []byte, status store.RecordStatus) error {
	if lockToken == "" {
		return ErrNoLock
	}

	cfg := c.runtime.Get().Idempotency
	storeKey := store.IdempotencyKey(key)
	now := c.now()

	ttl := cfg.GetRecordTTL()
	if isFingerprint(key) {
		// Same retention as Begin: a terminal fingerprint only matters while
		// its coalesce bucket can still produce duplicates.
		ttl = 2 * cfg.GetCoalesceWindow()
	}

	written, err := c.primary.CompleteIdempotency(ctx, storeKey, store.CompleteParams{
		Now:       now,
		LockToken: lockToken,
		Status:    status,
		Result:    result,
		ResultTTL: ttl,
	})
	c.metrics.StoreOp("idem_complete", c.now().Sub(now))

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.log.Warn().Err(err).Str("key", key).Msg("store complete failed, caching terminal result")
		return c.cacheTerminal(ctx, storeKey, status, result, now, ttl, true)
	}

	if !written {
		c.log.Debug().Str("key", key).Msg("stale lock token, terminal write skipped")
		return nil
	}

	// Best-effort propagation to the advisory tiers so replay survives a
	// later store outage.
	_ = c.cacheTerminal(ctx, storeKey, status, result, now, ttl, false)
	return nil
}

// WaitForCompletion polls the record at a fixed interval until it turns
// terminal or maxWait elapses. It never recurses and never waits past the
// deadline; expiry surfaces as ErrTimeout.
func (c *Coordinator) WaitForCompletion(ctx context.Context, key string, maxWait time.Duration) ([]byte, error) {
	cfg := c.runtime.Get().Idempotency
	storeKey := store.IdempotencyKey(key)
	interval := cfg.GetPollInterval()

	start := c.now()
	defer func() {
		c.metrics.LockWait(c.now().Sub(start))
	}()

	deadline := start.Add(maxWait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rec, err := c.primary.GetIdempotencyRecord(ctx, storeKey)
		switch {
		case err == nil && rec.Status.Terminal():
			return rec.Result, nil
		case errors.Is(err, store.ErrNotFound):
			// The holder's record expired or was cleaned up; the caller
			// should requeue and re-begin.
			return nil, ErrTimeout
		case err != nil && !errors.Is(err, store.ErrUnavailable):
			return nil, err
		}

		if !c.now().Add(interval).Before(deadline) {
			return nil, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// beginDegraded serves Begin from the cache tiers during a store outage.
// Terminal results still replay; within one worker the local LRU suppresses
// concurrent duplicates. Cross-worker exclusivity cannot be guaranteed here
// and Degraded is set so callers can choose to requeue instead.
func (c *Coordinator) beginDegraded(ctx context.Context, service, storeKey string, cause error) (BeginResult, error) {
	c.log.Warn().Err(cause).Str("key", storeKey).Msg("store begin failed, using cache tiers")

	for _, tier := range []cache.Cache{c.fallback, c.local} {
		raw, err := tier.Get(ctx, storeKey)
		if err != nil {
			continue
		}
		if rec, ok := decodeCached(raw); ok {
			c.metrics.DuplicatePrevented(service)
			return BeginResult{
				Outcome:  OutcomeReplay,
				Status:   rec.Status,
				Result:   rec.Result,
				Degraded: true,
			}, nil
		}
		// A processing marker means this worker already started the
		// operation; make the duplicate wait rather than double-execute.
		return BeginResult{
			Outcome:  OutcomeWait,
			RetryIn:  c.runtime.Get().Idempotency.GetMaxProcessingTime(),
			Degraded: true,
		}, nil
	}

	cfg := c.runtime.Get().Idempotency
	if err := c.local.SetWithTTL(ctx, storeKey, processingMarker, cfg.GetMaxProcessingTime()); err != nil {
		// Both backing tiers and the local cache are gone: surface the
		// outage instead of silently failing open.
		return BeginResult{}, cause
	}
	return BeginResult{
		Outcome:   OutcomeProceed,
		LockToken: uuid.NewString(),
		Degraded:  true,
	}, nil
}

// cacheTerminal writes the terminal record into the advisory tiers.
// required controls whether a total miss is an error (degraded Complete) or
// ignorable (best-effort propagation).
func (c *Coordinator) cacheTerminal(ctx context.Context, storeKey string, status store.RecordStatus, result []byte, completedAt time.Time, ttl time.Duration, required bool) error {
	raw := encodeCached(status, result, completedAt)

	fallbackErr := c.fallback.SetWithTTL(ctx, storeKey, raw, ttl)
	localErr := c.local.SetWithTTL(ctx, storeKey, raw, ttl)

	if required && fallbackErr != nil && localErr != nil {
		return fallbackErr
	}
	return nil
}

// Age range boundaries for the active-lock gauge.
const (
	lockAgeShort = 30 * time.Second
	lockAgeLong  = 5 * time.Minute
)

// SampleLockAges publishes the current count of processing locks per age
// range. All three ranges are always set so a drained range reads zero
// instead of holding its last value.
func (c *Coordinator) SampleLockAges(ctx context.Context) error {
	ages, err := c.primary.ProcessingRecordAges(ctx, c.now())
	if err != nil {
		return err
	}

	var short, mid, long float64
	for _, age := range ages {
		switch {
		case age < lockAgeShort:
			short++
		case age < lockAgeLong:
			mid++
		default:
			long++
		}
	}
	c.metrics.ActiveLockAge("<30s", short)
	c.metrics.ActiveLockAge("30s-5m", mid)
	c.metrics.ActiveLockAge(">5m", long)
	return nil
}

// RunLockAgeSampler samples lock ages at the given interval until ctx is
// canceled. Sampling scans the keyspace, so the interval should stay in the
// tens of seconds.
func (c *Coordinator) RunLockAgeSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SampleLockAges(ctx); err != nil {
				c.log.Debug().Err(err).Msg("lock age sample skipped")
			}
		}
	}
}

func isFingerprint(key string) bool {
	return len(key) > 3 && key[:3] == "fp:"
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
