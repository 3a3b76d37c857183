// Package ratelimit evaluates admission against the shared store.
//
// Two algorithms are supported, selected per service by configuration:
//   - Sliding window: costed events in a trailing interval, exact pruning
//   - Token bucket: replenishing capacity pool with burst and fractional costs
//
// Both run as single atomic operations in the store, so concurrent admissions
// for one bucket are serialized at the store and never race. When the store
// is unreachable a circuit breaker opens and admission degrades to a
// conservative in-process limiter until the store recovers.
package ratelimit

import (
	"fmt"
	"time"
)

// Deny reasons, used in errors and as low-cardinality metric labels.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonQuota       = "quota"
	ReasonFairness    = "fairness"
	ReasonConcurrency = "concurrency"
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the caller may proceed.
	Allowed bool

	// Remaining is the bucket capacity left after this decision.
	Remaining float64

	// RetryAfter is the advised requeue delay when denied.
	RetryAfter time.Duration

	// Reason classifies a denial (rate_limit, quota, fairness, concurrency).
	Reason string

	// Degraded is set when the decision came from the local fallback limiter
	// because the authoritative store was unreachable.
	Degraded bool
}

// DeniedError is returned by callers that prefer error-shaped denials. The
// core itself never retries a denial internally: the caller's requeue layer
// owns retry scheduling.
type DeniedError struct {
	Service    string
	Reason     string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("ratelimit: %s denied for %s, retry after %s", e.Reason, e.Service, e.RetryAfter)
}

// Err converts a denial into a *DeniedError, or nil when allowed.
func (d Decision) Err(service string) error {
	if d.Allowed {
		return nil
	}
	reason := d.Reason
	if reason == "" {
		reason = ReasonRateLimit
	}
	return &DeniedError{Service: service, Reason: reason, RetryAfter: d.RetryAfter}
}
