package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis implements Store against a shared Redis instance. All multi-step
// operations run as server-side Lua scripts loaded via EVALSHA with automatic
// EVAL fallback (go-redis Script.Run).
type Redis struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

var (
	_ Store     = (*Redis)(nil)
	_ Inspector = (*Redis)(nil)
)

// NewRedis creates a Redis-backed store around an existing client.
// The caller owns client configuration (timeouts, pooling, auth).
func NewRedis(client redis.UniversalClient, log zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		log:    log.With().Str("component", "store").Str("backend", "redis").Logger(),
	}
}

// Ping verifies connectivity to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// SlidingWindowAdmit atomically prunes, sums and conditionally records a
// costed event in the trailing window at key.
func (r *Redis) SlidingWindowAdmit(ctx context.Context, key string, p SlidingWindowParams) (Admission, error) {
	reply, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		p.Now.UnixMilli(),
		p.Window.Milliseconds(),
		p.Limit,
		p.Cost,
		uuid.NewString(),
	).Result()
	if err != nil {
		return Admission{}, unavailable(err)
	}
	return decodeAdmission(reply)
}

// TokenBucketAdmit atomically refills and conditionally drains the token
// bucket at key.
func (r *Redis) TokenBucketAdmit(ctx context.Context, key string, p TokenBucketParams) (Admission, error) {
	refillPerMs := p.RefillPerSecond / 1000.0
	reply, err := tokenBucketScript.Run(ctx, r.client, []string{key},
		p.Now.UnixMilli(),
		p.Capacity,
		refillPerMs,
		p.Burst,
		p.Cost,
		p.IdleTTL.Milliseconds(),
	).Result()
	if err != nil {
		return Admission{}, unavailable(err)
	}
	return decodeAdmission(reply)
}

// AcquireInFlight increments the concurrency counter at key unless it has
// reached cap.
func (r *Redis) AcquireInFlight(ctx context.Context, key string, cap int64, ttl time.Duration) (bool, int64, error) {
	reply, err := inFlightAcquireScript.Run(ctx, r.client, []string{key},
		cap, ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, unavailable(err)
	}
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, ErrBadReply
	}
	acquired, _ := values[0].(int64)
	count, _ := values[1].(int64)
	return acquired == 1, count, nil
}

// ReleaseInFlight decrements the concurrency counter at key, never below zero.
func (r *Redis) ReleaseInFlight(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	reply, err := inFlightReleaseScript.Run(ctx, r.client, []string{key},
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	count, ok := reply.(int64)
	if !ok {
		return 0, ErrBadReply
	}
	return count, nil
}

// BeginIdempotency executes the atomic acquire-or-replay-or-wait step.
func (r *Redis) BeginIdempotency(ctx context.Context, key string, p BeginParams) (BeginReply, error) {
	reply, err := idemBeginScript.Run(ctx, r.client, []string{key},
		p.Now.UnixMilli(),
		p.MaxProcessingTime.Milliseconds(),
		p.LockToken,
		p.Owner,
		p.Digest,
		p.ProcessingTTL.Milliseconds(),
	).Result()
	if err != nil {
		return BeginReply{}, unavailable(err)
	}

	values, ok := reply.([]interface{})
	if !ok || len(values) == 0 {
		return BeginReply{}, ErrBadReply
	}
	outcome, _ := values[0].(string)

	switch BeginOutcome(outcome) {
	case BeginProceed, BeginReclaimed:
		return BeginReply{Outcome: BeginOutcome(outcome)}, nil
	case BeginWait:
		if len(values) != 2 {
			return BeginReply{}, ErrBadReply
		}
		retryMs := asFloat(values[1])
		return BeginReply{
			Outcome: BeginWait,
			RetryIn: time.Duration(retryMs) * time.Millisecond,
		}, nil
	case BeginReplay:
		if len(values) != 3 {
			return BeginReply{}, ErrBadReply
		}
		status, _ := values[1].(string)
		result, _ := values[2].(string)
		return BeginReply{
			Outcome: BeginReplay,
			Status:  RecordStatus(status),
			Result:  []byte(result),
		}, nil
	default:
		return BeginReply{}, ErrBadReply
	}
}

// CompleteIdempotency writes the terminal state if the lock token still
// matches the current holder.
func (r *Redis) CompleteIdempotency(ctx context.Context, key string, p CompleteParams) (bool, error) {
	reply, err := idemCompleteScript.Run(ctx, r.client, []string{key},
		p.LockToken,
		string(p.Status),
		string(p.Result),
		p.Now.UnixMilli(),
		p.ResultTTL.Milliseconds(),
	).Result()
	if err != nil {
		return false, unavailable(err)
	}
	written, ok := reply.(int64)
	if !ok {
		return false, ErrBadReply
	}
	return written == 1, nil
}

// GetIdempotencyRecord reads the current record at key.
func (r *Redis) GetIdempotencyRecord(ctx context.Context, key string) (Record, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, unavailable(err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromFields(key, fields), nil
}

// DeleteIdempotencyRecord removes a record. Idempotent.
func (r *Redis) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// StaleProcessingKeys scans idem:* for processing records older than
// olderThan. This walks the keyspace with SCAN and is intended for incident
// recovery tooling, not the hot path.
func (r *Redis) StaleProcessingKeys(ctx context.Context, now time.Time, olderThan time.Duration) ([]string, error) {
	var stale []string
	iter := r.client.Scan(ctx, 0, idempotencyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := r.client.HMGet(ctx, key, "status", "started_at_ms").Result()
		if err != nil {
			return nil, unavailable(err)
		}
		status, _ := fields[0].(string)
		if RecordStatus(status) != StatusProcessing {
			continue
		}
		startedMs, _ := fields[1].(string)
		started, err := strconv.ParseInt(startedMs, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.UnixMilli(started)) > olderThan {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err)
	}
	return stale, nil
}

// ProcessingRecordAges scans idem:* for processing records and returns their
// ages. Same SCAN walk as StaleProcessingKeys; intended for the periodic
// lock-age sampler, not the hot path.
func (r *Redis) ProcessingRecordAges(ctx context.Context, now time.Time) ([]time.Duration, error) {
	var ages []time.Duration
	iter := r.client.Scan(ctx, 0, idempotencyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		fields, err := r.client.HMGet(ctx, iter.Val(), "status", "started_at_ms").Result()
		if err != nil {
			return nil, unavailable(err)
		}
		status, _ := fields[0].(string)
		if RecordStatus(status) != StatusProcessing {
			continue
		}
		startedMs, _ := fields[1].(string)
		started, err := strconv.ParseInt(startedMs, 10, 64)
		if err != nil {
			continue
		}
		ages = append(ages, now.Sub(time.UnixMilli(started)))
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err)
	}
	return ages, nil
}

// SlidingWindowState returns the non-expired cost sum and oldest entry time
// for a sliding-window key. Read-only, for inspection tooling.
func (r *Redis) SlidingWindowState(ctx context.Context, key string, now time.Time, window time.Duration) (float64, time.Time, error) {
	entries, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, time.Time{}, unavailable(err)
	}

	var sum float64
	var oldest time.Time
	for i, z := range entries {
		member, _ := z.Member.(string)
		sum += memberCost(member)
		if i == 0 {
			oldest = time.UnixMilli(int64(z.Score))
		}
	}
	return sum, oldest, nil
}

// TokenBucketState returns the stored token count and last refill timestamp
// for a token-bucket key. Read-only, for inspection tooling.
func (r *Redis) TokenBucketState(ctx context.Context, key string) (float64, time.Time, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, unavailable(err)
	}
	if len(fields) == 0 {
		return 0, time.Time{}, ErrNotFound
	}
	tokens, _ := strconv.ParseFloat(fields["tokens"], 64)
	tsMs, _ := strconv.ParseFloat(fields["ts"], 64)
	return tokens, time.UnixMilli(int64(tsMs)), nil
}

// Close releases the underlying Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// decodeAdmission parses the {allowed, remaining, retry_after_ms} reply shared
// by the admission scripts.
func decodeAdmission(reply interface{}) (Admission, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 3 {
		return Admission{}, ErrBadReply
	}
	allowed, _ := values[0].(int64)
	return Admission{
		Allowed:    allowed == 1,
		Remaining:  asFloat(values[1]),
		RetryAfter: time.Duration(asFloat(values[2])) * time.Millisecond,
	}, nil
}

// asFloat decodes a Lua number that may arrive as int64 or string.
func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// memberCost extracts the cost suffix from a "<id>:<cost>" zset member.
func memberCost(member string) float64 {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == ':' {
			cost, _ := strconv.ParseFloat(member[i+1:], 64)
			return cost
		}
	}
	return 0
}

// recordFromFields builds a Record from a Redis hash.
func recordFromFields(key string, fields map[string]string) Record {
	rec := Record{
		Key:       key,
		Status:    RecordStatus(fields["status"]),
		Owner:     fields["owner"],
		LockToken: fields["lock_token"],
		Digest:    fields["digest"],
	}
	if result, ok := fields["result"]; ok && result != "" {
		rec.Result = []byte(result)
	}
	if ms, err := strconv.ParseInt(fields["started_at_ms"], 10, 64); err == nil {
		rec.StartedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["completed_at_ms"], 10, 64); err == nil {
		rec.CompletedAt = time.UnixMilli(ms)
	}
	return rec
}

// unavailable classifies a Redis error for callers. Anything other than a
// missing key means the authoritative store cannot serve the operation.
func unavailable(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
