package store

import "errors"

// Sentinel errors for store operations.
//
// Use errors.Is to check for these errors:
//
//	rec, err := s.GetIdempotencyRecord(ctx, key)
//	if errors.Is(err, store.ErrNotFound) {
//		// no record
//	}
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers treat this as the trigger for degraded local-fallback mode.
	ErrUnavailable = errors.New("store: backing store unavailable")

	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store: store is closed")

	// ErrBadReply is returned when a scripted operation produces a reply the
	// client cannot decode. Indicates a script/client version mismatch.
	ErrBadReply = errors.New("store: malformed script reply")
)
