// Package metrics exposes Prometheus instrumentation for store operations.
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Count cache results.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

// Recorder holds the collectors for one registry.
type Recorder struct {
	operationDuration *prometheus.HistogramVec
	operationsTotal   *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	capacityUnits     *prometheus.CounterVec
	countCache        *prometheus.CounterVec
	bulkItems         *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is convenient in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strata_operation_duration_seconds",
				Help:    "Duration of remote store operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_operations_total",
				Help: "Total number of remote store operations",
			},
			[]string{"operation", "status"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_retries_total",
				Help: "Total number of retried remote calls after a transient error",
			},
			[]string{"operation"},
		),
		capacityUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_capacity_units_total",
				Help: "Capacity units consumed by remote store operations",
			},
			[]string{"operation"},
		),
		countCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_count_cache_total",
				Help: "Count cache lookups by result",
			},
			[]string{"result"}, // hit | miss | bypass
		),
		bulkItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_bulk_items_total",
				Help: "Items processed by bulk calls by outcome",
			},
			[]string{"operation", "outcome"}, // succeeded | failed
		),
	}

	if reg != nil {
		reg.MustRegister(
			r.operationDuration,
			r.operationsTotal,
			r.retriesTotal,
			r.capacityUnits,
			r.countCache,
			r.bulkItems,
		)
	}
	return r
}

// RecordOperation records one remote call and its duration.
func (r *Recorder) RecordOperation(operation string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.operationsTotal.WithLabelValues(operation, status).Inc()
	r.operationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordRetry counts a retry of operation.
func (r *Recorder) RecordRetry(operation string) {
	if r == nil {
		return
	}
	r.retriesTotal.WithLabelValues(operation).Inc()
}

// RecordCapacity adds consumed capacity units for operation.
func (r *Recorder) RecordCapacity(operation string, units float64) {
	if r == nil || units <= 0 {
		return
	}
	r.capacityUnits.WithLabelValues(operation).Add(units)
}

// RecordCountCache counts a count cache lookup.
func (r *Recorder) RecordCountCache(result string) {
	if r == nil {
		return
	}
	r.countCache.WithLabelValues(result).Inc()
}

// RecordBulkItems counts bulk item outcomes.
func (r *Recorder) RecordBulkItems(operation string, succeeded, failed int) {
	if r == nil {
		return
	}
	if succeeded > 0 {
		r.bulkItems.WithLabelValues(operation, "succeeded").Add(float64(succeeded))
	}
	if failed > 0 {
		r.bulkItems.WithLabelValues(operation, "failed").Add(float64(failed))
	}
}
