package store

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// Memory implements Store entirely in process. Each operation runs under one
// mutex, giving the same serialization guarantees the Lua scripts provide on
// Redis. It backs tests and serves as the reference implementation of the
// script semantics; it is never authoritative across workers.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	windows  map[string][]windowEntry
	buckets  map[string]bucketState
	counters map[string]expiringInt
	records  map[string]expiringRecord
	closed   bool
}

type windowEntry struct {
	at   time.Time
	cost float64
}

type bucketState struct {
	tokens    float64
	ts        time.Time
	expiresAt time.Time
}

type expiringInt struct {
	value     int64
	expiresAt time.Time
}

type expiringRecord struct {
	rec       Record
	expiresAt time.Time
}

var (
	_ Store     = (*Memory)(nil)
	_ Inspector = (*Memory)(nil)
)

// NewMemory creates an in-memory store using the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an in-memory store with an injected clock.
// The clock governs TTL expiry only; admission decisions use the timestamps
// the caller passes in, exactly like the Redis scripts.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now:      now,
		windows:  make(map[string][]windowEntry),
		buckets:  make(map[string]bucketState),
		counters: make(map[string]expiringInt),
		records:  make(map[string]expiringRecord),
	}
}

// Ping reports whether the store is open.
func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// SlidingWindowAdmit mirrors slidingWindowScript.
func (m *Memory) SlidingWindowAdmit(_ context.Context, key string, p SlidingWindowParams) (Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Admission{}, ErrClosed
	}

	cutoff := p.Now.Add(-p.Window)
	entries := m.windows[key][:0]
	var sum float64
	for _, e := range m.windows[key] {
		if e.at.After(cutoff) {
			entries = append(entries, e)
			sum += e.cost
		}
	}

	if sum+p.Cost > p.Limit {
		retry := p.Window
		if len(entries) > 0 {
			retry = entries[0].at.Add(p.Window).Sub(p.Now)
			if retry < 0 {
				retry = 0
			}
		}
		m.windows[key] = entries
		return Admission{Remaining: p.Limit - sum, RetryAfter: retry}, nil
	}

	m.windows[key] = append(entries, windowEntry{at: p.Now, cost: p.Cost})
	return Admission{Allowed: true, Remaining: p.Limit - sum - p.Cost}, nil
}

// TokenBucketAdmit mirrors tokenBucketScript.
func (m *Memory) TokenBucketAdmit(_ context.Context, key string, p TokenBucketParams) (Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Admission{}, ErrClosed
	}

	cap := p.Capacity + p.Burst
	state, ok := m.buckets[key]
	if !ok || (!state.expiresAt.IsZero() && m.now().After(state.expiresAt)) {
		state = bucketState{tokens: cap, ts: p.Now}
	}
	if p.Now.After(state.ts) {
		elapsed := p.Now.Sub(state.ts).Seconds()
		state.tokens = math.Min(cap, state.tokens+elapsed*p.RefillPerSecond)
	}
	state.ts = p.Now
	state.expiresAt = m.now().Add(p.IdleTTL)

	adm := Admission{}
	if state.tokens+1e-9 >= p.Cost {
		state.tokens -= p.Cost
		adm.Allowed = true
	} else if p.RefillPerSecond > 0 {
		deficit := p.Cost - state.tokens
		adm.RetryAfter = time.Duration(math.Ceil(deficit/p.RefillPerSecond*1000)) * time.Millisecond
	}
	adm.Remaining = state.tokens
	m.buckets[key] = state
	return adm, nil
}

// AcquireInFlight mirrors inFlightAcquireScript.
func (m *Memory) AcquireInFlight(_ context.Context, key string, cap int64, ttl time.Duration) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, 0, ErrClosed
	}

	counter := m.counters[key]
	if !counter.expiresAt.IsZero() && m.now().After(counter.expiresAt) {
		counter.value = 0
	}
	if counter.value >= cap {
		return false, counter.value, nil
	}
	counter.value++
	counter.expiresAt = m.now().Add(ttl)
	m.counters[key] = counter
	return true, counter.value, nil
}

// ReleaseInFlight mirrors inFlightReleaseScript.
func (m *Memory) ReleaseInFlight(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	counter := m.counters[key]
	if !counter.expiresAt.IsZero() && m.now().After(counter.expiresAt) {
		counter.value = 0
	}
	if counter.value > 0 {
		counter.value--
	}
	counter.expiresAt = m.now().Add(ttl)
	m.counters[key] = counter
	return counter.value, nil
}

// BeginIdempotency mirrors idemBeginScript.
func (m *Memory) BeginIdempotency(_ context.Context, key string, p BeginParams) (BeginReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return BeginReply{}, ErrClosed
	}

	existing, ok := m.liveRecord(key)
	if ok && existing.rec.Status.Terminal() {
		return BeginReply{
			Outcome: BeginReplay,
			Status:  existing.rec.Status,
			Result:  existing.rec.Result,
		}, nil
	}

	reclaimed := false
	if ok && existing.rec.Status == StatusProcessing {
		age := p.Now.Sub(existing.rec.StartedAt)
		if age <= p.MaxProcessingTime {
			return BeginReply{
				Outcome: BeginWait,
				RetryIn: p.MaxProcessingTime - age,
			}, nil
		}
		reclaimed = true
	}

	m.records[key] = expiringRecord{
		rec: Record{
			Key:       key,
			Status:    StatusProcessing,
			Owner:     p.Owner,
			LockToken: p.LockToken,
			Digest:    p.Digest,
			StartedAt: p.Now,
		},
		expiresAt: m.now().Add(p.ProcessingTTL),
	}

	if reclaimed {
		return BeginReply{Outcome: BeginReclaimed}, nil
	}
	return BeginReply{Outcome: BeginProceed}, nil
}

// CompleteIdempotency mirrors idemCompleteScript.
func (m *Memory) CompleteIdempotency(_ context.Context, key string, p CompleteParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	existing, ok := m.liveRecord(key)
	if !ok || existing.rec.LockToken != p.LockToken || existing.rec.Status != StatusProcessing {
		return false, nil
	}

	existing.rec.Status = p.Status
	existing.rec.Result = p.Result
	existing.rec.CompletedAt = p.Now
	existing.expiresAt = m.now().Add(p.ResultTTL)
	m.records[key] = existing
	return true, nil
}

// GetIdempotencyRecord reads the current record at key.
func (m *Memory) GetIdempotencyRecord(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}

	existing, ok := m.liveRecord(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	return existing.rec, nil
}

// DeleteIdempotencyRecord removes a record. Idempotent.
func (m *Memory) DeleteIdempotencyRecord(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, key)
	return nil
}

// StaleProcessingKeys returns keys of processing records older than olderThan.
func (m *Memory) StaleProcessingKeys(_ context.Context, now time.Time, olderThan time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var stale []string
	for key, existing := range m.records {
		if !strings.HasPrefix(key, idempotencyPrefix) {
			continue
		}
		if existing.rec.Status != StatusProcessing {
			continue
		}
		if now.Sub(existing.rec.StartedAt) > olderThan {
			stale = append(stale, key)
		}
	}
	return stale, nil
}

// ProcessingRecordAges returns the ages of all processing records.
func (m *Memory) ProcessingRecordAges(_ context.Context, now time.Time) ([]time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var ages []time.Duration
	for key, existing := range m.records {
		if !strings.HasPrefix(key, idempotencyPrefix) {
			continue
		}
		if existing.rec.Status != StatusProcessing {
			continue
		}
		ages = append(ages, now.Sub(existing.rec.StartedAt))
	}
	return ages, nil
}

// SlidingWindowState returns the non-expired cost sum and oldest entry time.
func (m *Memory) SlidingWindowState(_ context.Context, key string, now time.Time, window time.Duration) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, time.Time{}, ErrClosed
	}

	cutoff := now.Add(-window)
	var sum float64
	var oldest time.Time
	for _, e := range m.windows[key] {
		if !e.at.After(cutoff) {
			continue
		}
		sum += e.cost
		if oldest.IsZero() || e.at.Before(oldest) {
			oldest = e.at
		}
	}
	return sum, oldest, nil
}

// TokenBucketState returns the stored token count and last refill timestamp.
func (m *Memory) TokenBucketState(_ context.Context, key string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, time.Time{}, ErrClosed
	}

	state, ok := m.buckets[key]
	if !ok {
		return 0, time.Time{}, ErrNotFound
	}
	return state.tokens, state.ts, nil
}

// Close marks the store closed. Further operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// liveRecord returns the record at key if present and not TTL-expired.
// Caller must hold m.mu.
func (m *Memory) liveRecord(key string) (expiringRecord, bool) {
	existing, ok := m.records[key]
	if !ok {
		return expiringRecord{}, false
	}
	if !existing.expiresAt.IsZero() && m.now().After(existing.expiresAt) {
		delete(m.records, key)
		return expiringRecord{}, false
	}
	return existing, true
}
