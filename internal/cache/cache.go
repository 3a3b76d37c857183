// Package cache provides the advisory cache tiers behind the idempotency
// coordinator.
//
// Two backends matter operationally:
//   - Ristretto: the bounded in-process LRU, the last line of duplicate
//     suppression when every shared store is down
//   - Olric: an embedded distributed map shared across worker processes, the
//     durable fallback tier when the primary store is unavailable
//
// A noop backend exists for deployments that disable a tier. Cached state is
// always advisory: the shared store stays authoritative (see internal/store).
//
// All implementations are safe for concurrent use.
package cache

import (
	"context"
	"time"
)

// Cache is the interface both tiers implement.
type Cache interface {
	// Get retrieves a value. Returns ErrNotFound if the key does not exist
	// and ErrClosed after Close.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores a value that expires after ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources. Idempotent; later operations return
	// ErrClosed.
	Close() error
}

// Pinger is an optional interface for backends with real connectivity.
// Local backends always report healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}
