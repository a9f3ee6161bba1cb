package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels used by Operations.
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeExists       = "exists"
	OutcomeInsufficient = "insufficient"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
)

var (
	// Operations counts inventory operations by name and outcome.
	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lend_operations_total",
		Help: "Total number of inventory operations by outcome",
	}, []string{"op", "outcome"})
	// LockWait observes how long callers waited for a key lock.
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lend_lock_wait_seconds",
		Help:    "Time spent waiting for a per-key lock",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	// SweepEvictions counts cache entries removed by the sweeper.
	SweepEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lend_sweep_evictions_total",
		Help: "Total number of stale cache entries removed by the sweeper",
	})
	// AuditMismatches counts cached records found to differ from the store.
	AuditMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lend_audit_mismatches_total",
		Help: "Total number of cache entries that disagreed with the store",
	})
	// RemoteInvalidations counts invalidations received from other instances.
	RemoteInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lend_remote_invalidations_total",
		Help: "Total number of invalidations received over the bus",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the lend metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Operations, LockWait, SweepEvictions, AuditMismatches, RemoteInvalidations)
}
