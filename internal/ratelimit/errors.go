package ratelimit

import "errors"

// Sentinel errors for admission.
var (
	// ErrUnknownService is returned when no policy is configured for the
	// requested bucket.
	ErrUnknownService = errors.New("ratelimit: no policy configured for service")

	// ErrStoreDegraded is logged (not returned to callers) when admission
	// falls back to the local limiter.
	ErrStoreDegraded = errors.New("ratelimit: store unavailable, local fallback active")
)
