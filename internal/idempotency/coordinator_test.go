package idempotency

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/ingestgate/internal/cache"
	"github.com/clipforge/ingestgate/internal/config"
	"github.com/clipforge/ingestgate/internal/metrics"
	"github.com/clipforge/ingestgate/internal/store"
)

// mapCache is a deterministic Cache for tests. Ristretto's asynchronous
// admission makes it unsuitable for asserting on individual writes.
type mapCache struct {
	mu     sync.Mutex
	items  map[string][]byte
	failed bool
}

func newMapCache() *mapCache {
	return &mapCache{items: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return nil, cache.ErrClosed
	}
	v, ok := c.items[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return v, nil
}

func (c *mapCache) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return cache.ErrClosed
	}
	c.items[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *mapCache) Close() error { return nil }

// failingStore wraps Memory with an unreachable idempotency path.
type failingStore struct {
	*store.Memory
}

func (f *failingStore) BeginIdempotency(context.Context, string, store.BeginParams) (store.BeginReply, error) {
	return store.BeginReply{}, store.ErrUnavailable
}

func (f *failingStore) CompleteIdempotency(context.Context, string, store.CompleteParams) (bool, error) {
	return false, store.ErrUnavailable
}

func testConfig() config.RuntimeConfig {
	return config.NewStatic(&config.Config{
		Idempotency: config.IdempotencyConfig{
			RecordTTLSeconds:    3600,
			MaxProcessingTimeMS: 60_000,
			CoalesceWindowMS:    100,
			PollIntervalMS:      5,
		},
	})
}

func newTestCoordinator(st store.Store) (*Coordinator, *mapCache, *mapCache) {
	fallback := newMapCache()
	local := newMapCache()
	c := NewCoordinator(testConfig(), st, fallback, local, nil, zerolog.Nop())
	return c, fallback, local
}

func TestBeginFreshKeyProceeds(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(store.NewMemory())
	res, err := c.Begin(context.Background(), "openai", "order-1", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, res.Outcome)
	assert.NotEmpty(t, res.LockToken)
	assert.False(t, res.Reclaimed)
	assert.False(t, res.Degraded)
}

func TestBeginDuplicateWaitsThenReplays(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(store.NewMemory())
	ctx := context.Background()

	first, err := c.Begin(ctx, "openai", "order-2", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, first.Outcome)

	dup, err := c.Begin(ctx, "openai", "order-2", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWait, dup.Outcome)
	assert.Greater(t, dup.RetryIn, time.Duration(0))

	require.NoError(t, c.Complete(ctx, "order-2", first.LockToken, []byte("done"), store.StatusCompleted))

	replay, err := c.Begin(ctx, "openai", "order-2", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, replay.Outcome)
	assert.Equal(t, store.StatusCompleted, replay.Status)
	assert.Equal(t, []byte("done"), replay.Result)
}

func TestConcurrentBeginsHaveOneWinner(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(store.NewMemory())
	ctx := context.Background()

	const workers = 8
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Begin(ctx, "openai", "contested", nil)
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	proceeds := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeProceed:
			proceeds++
		case OutcomeWait:
		default:
			t.Fatalf("unexpected outcome %v", o)
		}
	}
	assert.Equal(t, 1, proceeds)
}

func TestStaleLockReclaimedAfterMaxProcessingTime(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	st := store.NewMemoryWithClock(func() time.Time { return clock })

	c, _, _ := newTestCoordinator(st)
	c.now = now
	ctx := context.Background()

	first, err := c.Begin(ctx, "openai", "crashed", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, first.Outcome)

	// Within the threshold a duplicate still waits.
	clock = clock.Add(30 * time.Second)
	res, err := c.Begin(ctx, "openai", "crashed", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeWait, res.Outcome)

	// Past it, the lock is reclaimed and execution proceeds.
	clock = clock.Add(45 * time.Second)
	res, err = c.Begin(ctx, "openai", "crashed", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, res.Outcome)
	assert.True(t, res.Reclaimed)
	assert.NotEqual(t, first.LockToken, res.LockToken)

	// The crashed worker's late completion is silently dropped.
	err = c.Complete(ctx, "crashed", first.LockToken, []byte("late"), store.StatusCompleted)
	require.NoError(t, err)
	rec, err := st.GetIdempotencyRecord(ctx, store.IdempotencyKey("crashed"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, rec.Status)
}

func TestCompleteRequiresLockToken(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(store.NewMemory())
	err := c.Complete(context.Background(), "k", "", nil, store.StatusCompleted)
	assert.ErrorIs(t, err, ErrNoLock)
}

func TestCompletePropagatesToCacheTiers(t *testing.T) {
	t.Parallel()

	c, fallback, local := newTestCoordinator(store.NewMemory())
	ctx := context.Background()

	res, err := c.Begin(ctx, "openai", "order-3", nil)
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, "order-3", res.LockToken, []byte("out"), store.StatusCompleted))

	for _, tier := range []*mapCache{fallback, local} {
		raw, err := tier.Get(ctx, store.IdempotencyKey("order-3"))
		require.NoError(t, err)
		rec, ok := decodeCached(raw)
		require.True(t, ok)
		assert.Equal(t, store.StatusCompleted, rec.Status)
		assert.Equal(t, []byte("out"), rec.Result)
	}
}

func TestBeginPersistsSanitizedDigest(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	c, _, _ := newTestCoordinator(st)
	ctx := context.Background()

	body := []byte(`{"user_email":"jo@example.com","payload":"ok"}`)
	_, err := c.Begin(ctx, "openai", "order-4", body)
	require.NoError(t, err)

	rec, err := st.GetIdempotencyRecord(ctx, store.IdempotencyKey("order-4"))
	require.NoError(t, err)
	assert.NotContains(t, rec.Digest, "jo@example.com")
	assert.Contains(t, rec.Digest, `"payload":"ok"`)
}

func TestWaitForCompletionReturnsHolderResult(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(store.NewMemory())
	ctx := context.Background()

	res, err := c.Begin(ctx, "openai", "slow", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = c.Complete(ctx, "slow", res.LockToken, []byte("finished"), store.StatusCompleted)
	}()

	result, err := c.WaitForCompletion(ctx, "slow", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("finished"), result)
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(store.NewMemory())
	ctx := context.Background()

	_, err := c.Begin(ctx, "openai", "stuck", nil)
	require.NoError(t, err)

	_, err = c.WaitForCompletion(ctx, "stuck", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForCompletionMissingRecord(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(store.NewMemory())
	_, err := c.WaitForCompletion(context.Background(), "gone", time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBeginDegradedReplaysFromFallbackTier(t *testing.T) {
	t.Parallel()

	c, fallback, _ := newTestCoordinator(&failingStore{Memory: store.NewMemory()})
	ctx := context.Background()

	raw := encodeCached(store.StatusCompleted, []byte("cached"), time.Now())
	require.NoError(t, fallback.SetWithTTL(ctx, store.IdempotencyKey("replayed"), raw, time.Hour))

	res, err := c.Begin(ctx, "openai", "replayed", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, res.Outcome)
	assert.True(t, res.Degraded)
	assert.Equal(t, []byte("cached"), res.Result)
}

func TestBeginDegradedSuppressesLocalDuplicates(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(&failingStore{Memory: store.NewMemory()})
	ctx := context.Background()

	first, err := c.Begin(ctx, "openai", "outage", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, first.Outcome)
	assert.True(t, first.Degraded)

	// The local processing marker makes a duplicate wait instead of running.
	dup, err := c.Begin(ctx, "openai", "outage", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWait, dup.Outcome)
	assert.True(t, dup.Degraded)
}

func TestCompleteDegradedCachesTerminalResult(t *testing.T) {
	t.Parallel()

	c, fallback, _ := newTestCoordinator(&failingStore{Memory: store.NewMemory()})
	ctx := context.Background()

	err := c.Complete(ctx, "offline", "tok", []byte("kept"), store.StatusCompleted)
	require.NoError(t, err)

	raw, err := fallback.Get(ctx, store.IdempotencyKey("offline"))
	require.NoError(t, err)
	rec, ok := decodeCached(raw)
	require.True(t, ok)
	assert.Equal(t, []byte("kept"), rec.Result)
}

// recordReadCountingStore counts GetIdempotencyRecord calls.
type recordReadCountingStore struct {
	*store.Memory
	reads atomic.Int32
}

func (s *recordReadCountingStore) GetIdempotencyRecord(ctx context.Context, key string) (store.Record, error) {
	s.reads.Add(1)
	return s.Memory.GetIdempotencyRecord(ctx, key)
}

func TestBeginReturnsTokenWithoutRecordRead(t *testing.T) {
	t.Parallel()

	st := &recordReadCountingStore{Memory: store.NewMemory()}
	c, _, _ := newTestCoordinator(st)
	ctx := context.Background()

	res, err := c.Begin(ctx, "openai", "one-trip", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, res.Outcome)
	assert.Zero(t, st.reads.Load(), "the begin step already knows its own token")

	// The returned token is the live one.
	require.NoError(t, c.Complete(ctx, "one-trip", res.LockToken, []byte("ok"), store.StatusCompleted))
	rec, err := st.GetIdempotencyRecord(ctx, store.IdempotencyKey("one-trip"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}

func TestCompleteShortensFingerprintRetention(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryWithClock(func() time.Time { return clock })
	c, _, _ := newTestCoordinator(st)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	fpKey := c.DeriveKey(FingerprintInput{Identity: "acct-1", Method: "POST", Path: "/v1/publish", Body: []byte(`{"a":1}`), At: clock})

	res, err := c.Begin(ctx, "openai", fpKey, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, res.Outcome)
	require.NoError(t, c.Complete(ctx, fpKey, res.LockToken, []byte("out"), store.StatusCompleted))

	plain, err := c.Begin(ctx, "openai", "kept", nil)
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, "kept", plain.LockToken, []byte("out"), store.StatusCompleted))

	// Past twice the coalesce window the terminal fingerprint is gone while
	// the explicitly keyed record keeps its full retention.
	clock = clock.Add(250 * time.Millisecond)
	_, err = st.GetIdempotencyRecord(ctx, store.IdempotencyKey(fpKey))
	assert.ErrorIs(t, err, store.ErrNotFound)
	rec, err := st.GetIdempotencyRecord(ctx, store.IdempotencyKey("kept"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}

func TestSampleLockAgesFeedsGauge(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryWithClock(func() time.Time { return clock })

	reg := prometheus.NewRegistry()
	c := NewCoordinator(testConfig(), st, newMapCache(), newMapCache(), metrics.New(reg), zerolog.Nop())
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := c.Begin(ctx, "openai", "aging", nil)
	require.NoError(t, err)
	clock = clock.Add(2 * time.Minute)
	_, err = c.Begin(ctx, "openai", "fresh", nil)
	require.NoError(t, err)

	require.NoError(t, c.SampleLockAges(ctx))

	assert.InDelta(t, 1, lockAgeGauge(t, reg, "<30s"), 1e-9)
	assert.InDelta(t, 1, lockAgeGauge(t, reg, "30s-5m"), 1e-9)
	assert.InDelta(t, 0, lockAgeGauge(t, reg, ">5m"), 1e-9)
}

// lockAgeGauge reads one age range of the active-lock gauge from reg.
func lockAgeGauge(t *testing.T, reg *prometheus.Registry, ageRange string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "ingestgate_active_lock_age" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "age_range" && label.GetValue() == ageRange {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("age range %q not found", ageRange)
	return 0
}

func TestDeriveKeyIsStableWithinWindow(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(store.NewMemory())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := FingerprintInput{Identity: "acct-1", Method: "POST", Path: "/v1/publish", Body: []byte(`{"a":1}`), At: at}
	k1 := c.DeriveKey(in)

	in.At = at.Add(20 * time.Millisecond)
	k2 := c.DeriveKey(in)
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "fp:"))
}
