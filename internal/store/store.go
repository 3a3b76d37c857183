// Package store provides the shared key/value store behind the admission and
// idempotency subsystems.
//
// The store abstracts over two implementations:
//   - Redis: the authoritative shared store used by all worker processes
//   - Memory: an in-process store with identical semantics, used in tests and
//     as a last-resort reference during total store outages
//
// Every multi-step mutation is executed as a single atomic operation (a Lua
// script on Redis, a mutex-guarded section in memory). Separate read-then-write
// round trips are deliberately not part of this interface: they reintroduce
// time-of-check/time-of-use races under concurrent admission.
//
// All implementations are safe for concurrent use.
package store

import (
	"context"
	"time"
)

// SlidingWindowParams carries the inputs for one sliding-window admission.
type SlidingWindowParams struct {
	// Now is the caller's notion of the current time. Passing it in keeps the
	// decision deterministic and testable.
	Now time.Time

	// Window is the trailing interval over which costs are summed.
	Window time.Duration

	// Limit is the maximum total cost allowed inside the window.
	Limit float64

	// Cost is the cost of the operation being admitted.
	Cost float64
}

// TokenBucketParams carries the inputs for one token-bucket admission.
type TokenBucketParams struct {
	Now time.Time

	// Capacity is the steady-state bucket size.
	Capacity float64

	// RefillPerSecond is the replenishment rate.
	RefillPerSecond float64

	// Burst is extra capacity above the steady rate. May be zero.
	Burst float64

	// Cost supports fractional values (e.g. 0.5 for cheap operations).
	Cost float64

	// IdleTTL bounds how long an untouched bucket survives in the store.
	IdleTTL time.Duration
}

// Admission is the result of an atomic admission check.
type Admission struct {
	Allowed bool

	// Remaining is the capacity left after this decision.
	Remaining float64

	// RetryAfter is the earliest interval after which a retry could succeed.
	// Zero when allowed.
	RetryAfter time.Duration
}

// RecordStatus is the lifecycle state of an idempotency record.
type RecordStatus string

// Idempotency record states.
const (
	StatusProcessing RecordStatus = "processing"
	StatusCompleted  RecordStatus = "completed"
	StatusFailed     RecordStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RecordStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is one persisted idempotency record.
type Record struct {
	Key         string       `json:"key"`
	Status      RecordStatus `json:"status"`
	Owner       string       `json:"owner"`
	LockToken   string       `json:"lock_token"`
	Digest      string       `json:"digest"`
	Result      []byte       `json:"result,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

// BeginOutcome is the low-level result of the atomic begin operation.
type BeginOutcome string

// Begin outcomes.
const (
	// BeginProceed means the caller acquired the lock on a fresh key.
	BeginProceed BeginOutcome = "proceed"

	// BeginReclaimed means the caller acquired the lock by reclaiming a
	// provably-stale processing record.
	BeginReclaimed BeginOutcome = "reclaimed"

	// BeginWait means another caller holds a fresh processing lock.
	BeginWait BeginOutcome = "wait"

	// BeginReplay means a terminal record exists and its result is returned.
	BeginReplay BeginOutcome = "replay"
)

// BeginParams carries the inputs for one atomic begin operation.
type BeginParams struct {
	Now time.Time

	// MaxProcessingTime is the staleness threshold after which a processing
	// record is reclaimable by any caller.
	MaxProcessingTime time.Duration

	// LockToken is the fresh token written if the caller acquires the lock.
	LockToken string

	// Owner identifies the acquiring worker, for audit.
	Owner string

	// Digest is the sanitized request digest stored with the record.
	Digest string

	// ProcessingTTL bounds the processing record's lifetime in the store.
	ProcessingTTL time.Duration
}

// BeginReply is the result of the atomic begin operation.
type BeginReply struct {
	Outcome BeginOutcome

	// Status and Result are set on BeginReplay.
	Status RecordStatus
	Result []byte

	// RetryIn estimates when the lock becomes reclaimable, set on BeginWait.
	RetryIn time.Duration
}

// CompleteParams carries the inputs for one atomic complete operation.
type CompleteParams struct {
	Now time.Time

	// LockToken must match the current holder or the write is a no-op.
	LockToken string

	Status RecordStatus
	Result []byte

	// ResultTTL is how long the terminal record is retained for replay.
	ResultTTL time.Duration
}

// Store is the narrow interface the coordination core requires from the
// shared key/value store.
type Store interface {
	// Ping verifies connectivity. Used by circuit breaker probes and tooling.
	Ping(ctx context.Context) error

	// SlidingWindowAdmit atomically prunes, sums and conditionally records a
	// costed event in the trailing window at key.
	SlidingWindowAdmit(ctx context.Context, key string, p SlidingWindowParams) (Admission, error)

	// TokenBucketAdmit atomically refills and conditionally drains the token
	// bucket at key.
	TokenBucketAdmit(ctx context.Context, key string, p TokenBucketParams) (Admission, error)

	// AcquireInFlight increments the concurrency counter at key unless it has
	// reached cap. Returns whether the slot was acquired and the new count.
	AcquireInFlight(ctx context.Context, key string, cap int64, ttl time.Duration) (bool, int64, error)

	// ReleaseInFlight decrements the concurrency counter at key, never below
	// zero. Returns the new count.
	ReleaseInFlight(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// BeginIdempotency executes the atomic acquire-or-replay-or-wait step.
	// Exactly one concurrent caller for a fresh key receives BeginProceed.
	BeginIdempotency(ctx context.Context, key string, p BeginParams) (BeginReply, error)

	// CompleteIdempotency writes the terminal state if the lock token still
	// matches. Returns false (no error) on token or state mismatch.
	CompleteIdempotency(ctx context.Context, key string, p CompleteParams) (bool, error)

	// GetIdempotencyRecord reads the current record. Returns ErrNotFound if
	// the key is absent or expired.
	GetIdempotencyRecord(ctx context.Context, key string) (Record, error)

	// DeleteIdempotencyRecord removes a record. Idempotent.
	DeleteIdempotencyRecord(ctx context.Context, key string) error

	// StaleProcessingKeys scans for processing records older than olderThan.
	// Used by incident-recovery tooling, not by the hot path.
	StaleProcessingKeys(ctx context.Context, now time.Time, olderThan time.Duration) ([]string, error)

	// ProcessingRecordAges scans for processing records and returns their
	// ages relative to now. Feeds the active-lock-age gauge; like
	// StaleProcessingKeys this walks the keyspace and stays off the hot path.
	ProcessingRecordAges(ctx context.Context, now time.Time) ([]time.Duration, error)

	// Close releases the underlying connection resources.
	Close() error
}

// Inspector is an optional interface for stores that expose read-only bucket
// state for operational tooling.
type Inspector interface {
	// SlidingWindowState returns the current non-expired cost sum and the
	// oldest entry timestamp for a sliding-window key.
	SlidingWindowState(ctx context.Context, key string, now time.Time, window time.Duration) (sum float64, oldest time.Time, err error)

	// TokenBucketState returns the stored token count and last refill time
	// for a token-bucket key.
	TokenBucketState(ctx context.Context, key string) (tokens float64, refilledAt time.Time, err error)
}
