// Package metrics provides the Prometheus collectors for the memory engine,
// adapted from the reference stack's infrastructure/metrics package.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector this service registers.
type Metrics struct {
	serviceName string

	OpsTotal        *prometheus.CounterVec
	OpDuration      *prometheus.HistogramVec
	CacheHitsTotal  *prometheus.CounterVec // labels: tier (l1|l2|l3)
	CacheMissTotal  *prometheus.CounterVec
	ACLDecisions    *prometheus.CounterVec // labels: decision (allow|deny)
	CryptoOpsTotal  *prometheus.CounterVec // labels: operation (encrypt|decrypt), status
	KeyRotations    *prometheus.CounterVec // labels: cause
	ActiveKeysGauge prometheus.Gauge
	EntriesGauge    prometheus.Gauge
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer
// (pass nil to skip registration, used by tests that build multiple
// instances in the same process).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmmem_ops_total",
				Help: "Total number of memory store operations",
			},
			[]string{"service", "operation", "status"},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmmem_op_duration_seconds",
				Help:    "Memory store operation duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmmem_cache_hits_total",
				Help: "Total number of cache hits by tier",
			},
			[]string{"service", "tier"},
		),
		CacheMissTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmmem_cache_misses_total",
				Help: "Total number of cache misses by tier",
			},
			[]string{"service", "tier"},
		),
		ACLDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmmem_acl_decisions_total",
				Help: "Total number of ACL decisions",
			},
			[]string{"service", "decision", "reason_code"},
		),
		CryptoOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmmem_crypto_ops_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"service", "operation", "status"},
		),
		KeyRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmmem_key_rotations_total",
				Help: "Total number of encryption key rotations",
			},
			[]string{"service", "cause"},
		),
		ActiveKeysGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarmmem_active_keys",
				Help: "Number of non-archived encryption key generations",
			},
		),
		EntriesGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarmmem_entries",
				Help: "Number of live (non-expired) memory entries",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.OpsTotal,
			m.OpDuration,
			m.CacheHitsTotal,
			m.CacheMissTotal,
			m.ACLDecisions,
			m.CryptoOpsTotal,
			m.KeyRotations,
			m.ActiveKeysGauge,
			m.EntriesGauge,
		)
	}

	m.serviceName = serviceName
	return m
}

// RecordOp records the outcome and latency of a facade-level operation.
func (m *Metrics) RecordOp(operation, status string, duration time.Duration) {
	m.OpsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
	m.OpDuration.WithLabelValues(m.serviceName, operation).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit at the given tier ("l1", "l2", "l3").
func (m *Metrics) RecordCacheHit(tier string) {
	m.CacheHitsTotal.WithLabelValues(m.serviceName, tier).Inc()
}

// RecordCacheMiss records a cache miss at the given tier.
func (m *Metrics) RecordCacheMiss(tier string) {
	m.CacheMissTotal.WithLabelValues(m.serviceName, tier).Inc()
}

// RecordACLDecision records an ACL outcome ("allow"/"deny") with its reason
// code, mirroring internal/acl's audit reason codes.
func (m *Metrics) RecordACLDecision(decision, reasonCode string) {
	m.ACLDecisions.WithLabelValues(m.serviceName, decision, reasonCode).Inc()
}

// RecordCryptoOp records an encrypt/decrypt attempt's outcome.
func (m *Metrics) RecordCryptoOp(operation, status string) {
	m.CryptoOpsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
}

// RecordKeyRotation records a key rotation by its cause.
func (m *Metrics) RecordKeyRotation(cause string) {
	m.KeyRotations.WithLabelValues(m.serviceName, cause).Inc()
}

// SetActiveKeys sets the current non-archived key generation count.
func (m *Metrics) SetActiveKeys(n int) {
	m.ActiveKeysGauge.Set(float64(n))
}

// SetEntries sets the current live entry count.
func (m *Metrics) SetEntries(n int64) {
	m.EntriesGauge.Set(float64(n))
}
