package store

// Key naming convention for the shared store. Every key carries an explicit
// TTL so idle state expires on its own.
//
//	rl:{algorithm}:{service}:{identity}  rate-limit state
//	rl:inflight:{service}:{identity}     concurrency counters
//	idem:{key}                           idempotency records
const (
	rateLimitPrefix   = "rl:"
	inFlightPrefix    = "rl:inflight:"
	idempotencyPrefix = "idem:"
)

// RateLimitKey builds the store key for one rate-limited bucket. identity may
// be empty for service-global buckets.
func RateLimitKey(algorithm, service, identity string) string {
	k := rateLimitPrefix + algorithm + ":" + service
	if identity != "" {
		k += ":" + identity
	}
	return k
}

// InFlightKey builds the store key for one identity's concurrency counter.
func InFlightKey(service, identity string) string {
	return inFlightPrefix + service + ":" + identity
}

// IdempotencyKey builds the store key for one logical request.
func IdempotencyKey(key string) string {
	return idempotencyPrefix + key
}
