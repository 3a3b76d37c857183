package backoff

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/ingestgate/internal/config"
)

func advisorForTest(policy config.BackoffConfig) *Advisor {
	cfg := &config.Config{
		Services: []config.ServiceConfig{{Service: "openai", Backoff: policy}},
	}
	a := NewAdvisor(config.NewStatic(cfg), zerolog.Nop())
	a.now = func() time.Time { return time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC) }
	a.rand = func() float64 { return 0.5 } // jitter factor exactly 1
	return a
}

func TestNextDelayDefaultsToInitial(t *testing.T) {
	t.Parallel()

	a := advisorForTest(config.BackoffConfig{InitialDelayMS: 1000, MaxDelayMS: 60000})
	assert.Equal(t, time.Second, a.NextDelay("openai"))
}

func TestNextDelayGrowsWithFailureStreak(t *testing.T) {
	t.Parallel()

	a := advisorForTest(config.BackoffConfig{InitialDelayMS: 1000, MaxDelayMS: 600000})

	var prev time.Duration
	for i := 0; i < 5; i++ {
		a.RecordOutcome("openai", false)
		delay := a.NextDelay("openai")
		assert.GreaterOrEqual(t, delay, prev, "delay must not shrink while failures continue")
		prev = delay
	}

	// Streak growth is exponential with the configured multiplier, capped at
	// three doublings: 2s, 4s, 8s, then flat at 8s.
	assert.Equal(t, 8*time.Second, prev)
}

func TestNextDelayResetsAfterSuccess(t *testing.T) {
	t.Parallel()

	a := advisorForTest(config.BackoffConfig{InitialDelayMS: 1000, MaxDelayMS: 600000})

	for i := 0; i < 3; i++ {
		a.RecordOutcome("openai", false)
	}
	require.Equal(t, 8*time.Second, a.NextDelay("openai"))

	a.RecordOutcome("openai", true)
	assert.Equal(t, time.Second, a.NextDelay("openai"))
}

func TestNextDelayNeverExceedsMax(t *testing.T) {
	t.Parallel()

	a := advisorForTest(config.BackoffConfig{InitialDelayMS: 1000, MaxDelayMS: 5000})
	a.rand = func() float64 { return 1 } // jitter at +30%

	for i := 0; i < 10; i++ {
		a.RecordOutcome("openai", false)
	}
	assert.LessOrEqual(t, a.NextDelay("openai"), 5*time.Second)
}

func TestNextDelayAdaptiveLowSuccessRate(t *testing.T) {
	t.Parallel()

	a := advisorForTest(config.BackoffConfig{
		Type: config.BackoffAdaptive, InitialDelayMS: 1000, MaxDelayMS: 600000,
	})

	// 15% success rate lands in the <20% band (8x). Successes first so the
	// streak stays zero and only the band multiplier applies.
	for i := 0; i < 3; i++ {
		a.RecordOutcome("openai", true)
	}
	for i := 0; i < 17; i++ {
		a.RecordOutcome("openai", false)
	}
	a.RecordOutcome("openai", true)

	assert.Equal(t, 8*time.Second, a.NextDelay("openai"))
}

func TestNextDelayAdaptiveBands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rate float64
		want float64
	}{
		{0.1, 8},
		{0.3, 4},
		{0.6, 2},
		{0.95, 1},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, bandMultiplier(tc.rate), 1e-9, "rate %.2f", tc.rate)
	}
}

func TestJitterStaysWithinSpread(t *testing.T) {
	t.Parallel()

	a := advisorForTest(config.BackoffConfig{InitialDelayMS: 1000, MaxDelayMS: 600000})

	a.rand = func() float64 { return 0 }
	assert.Equal(t, 700*time.Millisecond, a.jitter(time.Second))

	a.rand = func() float64 { return 1 }
	assert.Equal(t, 1300*time.Millisecond, a.jitter(time.Second))
}

func TestNextDelayUnknownServiceUsesDefaults(t *testing.T) {
	t.Parallel()

	a := advisorForTest(config.BackoffConfig{})
	// An unconfigured service still gets the default exponential policy.
	assert.Equal(t, time.Second, a.NextDelay("mystery"))
}

func TestHourFailureFactorNeedsSignal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	h := &history{}
	for i := 0; i < 10; i++ {
		h.record(now, false)
	}
	// Fewer than 20 recorded outcomes is not enough signal.
	assert.False(t, h.hourFailureFactor(now))
}
