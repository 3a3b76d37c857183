package idempotency

import "errors"

// Sentinel errors for request coordination.
var (
	// ErrTimeout is returned when WaitForCompletion reaches its deadline
	// before the holder finishes. Distinct from a rate-limit denial so
	// callers can requeue differently.
	ErrTimeout = errors.New("idempotency: wait for completion timed out")

	// ErrConflict is returned when an operation that must not run against a
	// replayed result finds an existing terminal record.
	ErrConflict = errors.New("idempotency: terminal record replayed")

	// ErrNoLock is returned when Complete is called without a lock token.
	ErrNoLock = errors.New("idempotency: missing lock token")
)
