// Package metrics exposes the Prometheus instrumentation surface for the
// coordination core.
//
// Labels are restricted to low-cardinality values (service names, reasons,
// operation names, age ranges). Identities, idempotency keys and trace IDs
// are never used as labels.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing,
// so components can be wired without instrumentation in tests.
type Metrics struct {
	admitted   *prometheus.CounterVec
	denied     *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	reclaimed  *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	lockWait   prometheus.Histogram
	storeOp    *prometheus.HistogramVec
	lockAge    *prometheus.GaugeVec
	circuit    *prometheus.GaugeVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestgate_admitted_total",
			Help: "Admission decisions that allowed the caller to proceed.",
		}, []string{"service"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestgate_denied_total",
			Help: "Admission decisions that denied the caller.",
		}, []string{"service", "reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestgate_duplicates_prevented_total",
			Help: "Logical requests suppressed by idempotency replay or coalescing.",
		}, []string{"service"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestgate_stale_locks_reclaimed_total",
			Help: "Processing locks reclaimed after exceeding max processing time.",
		}, []string{"service"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestgate_api_outcomes_total",
			Help: "Executed upstream call outcomes reported back per service.",
		}, []string{"service", "outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestgate_lock_wait_seconds",
			Help:    "Time callers spent polling for another holder's completion.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		storeOp: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestgate_store_op_seconds",
			Help:    "Latency of atomic operations against the shared store.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		lockAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestgate_active_lock_age",
			Help: "Active processing locks bucketed by age range.",
		}, []string{"age_range"}),
		circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestgate_store_circuit_state",
			Help: "Store circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"store"}),
	}

	reg.MustRegister(
		m.admitted, m.denied, m.duplicates, m.reclaimed, m.outcomes,
		m.lockWait, m.storeOp, m.lockAge, m.circuit,
	)
	return m
}

// Admitted records an allowed admission for service.
func (m *Metrics) Admitted(service string) {
	if m == nil {
		return
	}
	m.admitted.WithLabelValues(service).Inc()
}

// Denied records a denied admission for service with a coarse reason
// ("rate_limit", "quota", "fairness", "concurrency").
func (m *Metrics) Denied(service, reason string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(service, reason).Inc()
}

// DuplicatePrevented records one suppressed duplicate for service.
func (m *Metrics) DuplicatePrevented(service string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(service).Inc()
}

// StaleLockReclaimed records one reclaimed processing lock for service.
func (m *Metrics) StaleLockReclaimed(service string) {
	if m == nil {
		return
	}
	m.reclaimed.WithLabelValues(service).Inc()
}

// Outcome records one executed upstream call result for service.
func (m *Metrics) Outcome(service string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.outcomes.WithLabelValues(service, outcome).Inc()
}

// LockWait observes how long a caller polled for completion.
func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// StoreOp observes one store operation's latency.
func (m *Metrics) StoreOp(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeOp.WithLabelValues(op).Observe(d.Seconds())
}

// ActiveLockAge sets the gauge for one age range
// ("<30s", "30s-5m", ">5m").
func (m *Metrics) ActiveLockAge(ageRange string, count float64) {
	if m == nil {
		return
	}
	m.lockAge.WithLabelValues(ageRange).Set(count)
}

// CircuitState records the store circuit breaker state.
func (m *Metrics) CircuitState(storeName string, state float64) {
	if m == nil {
		return
	}
	m.circuit.WithLabelValues(storeName).Set(state)
}
