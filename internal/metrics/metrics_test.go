package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/ingestgate/internal/metrics"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	// Every method must be a safe no-op on the nil receiver.
	m.Admitted("svc")
	m.Denied("svc", "rate_limit")
	m.DuplicatePrevented("svc")
	m.StaleLockReclaimed("svc")
	m.Outcome("svc", true)
	m.LockWait(time.Second)
	m.StoreOp("admit", time.Millisecond)
	m.ActiveLockAge("<30s", 1)
	m.CircuitState("primary", 2)
}

func TestCollectorsRegisterAndRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Admitted("openai")
	m.Admitted("openai")
	m.Denied("openai", "quota")
	m.DuplicatePrevented("reddit")
	m.StaleLockReclaimed("openai")
	m.Outcome("openai", true)
	m.Outcome("openai", false)
	m.LockWait(120 * time.Millisecond)
	m.StoreOp("admit", 2*time.Millisecond)
	m.ActiveLockAge("<30s", 3)
	m.CircuitState("primary", 1)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				byName[fam.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[fam.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	assert.InDelta(t, 2, byName["ingestgate_admitted_total"], 1e-9)
	assert.InDelta(t, 1, byName["ingestgate_denied_total"], 1e-9)
	assert.InDelta(t, 1, byName["ingestgate_duplicates_prevented_total"], 1e-9)
	assert.InDelta(t, 1, byName["ingestgate_stale_locks_reclaimed_total"], 1e-9)
	assert.InDelta(t, 2, byName["ingestgate_api_outcomes_total"], 1e-9)
	assert.InDelta(t, 3, byName["ingestgate_active_lock_age"], 1e-9)
	assert.InDelta(t, 1, byName["ingestgate_store_circuit_state"], 1e-9)
}
