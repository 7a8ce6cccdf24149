// Package metrics publishes lifecycle operation outcomes as Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of a lifecycle operation.
const (
	OutcomeOK       = "ok"
	OutcomePartial  = "partial"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Recorder counts operations by op and outcome and times them. The zero value and a nil
// *Recorder discard observations.
type Recorder struct {
	Registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	ingested   *prometheus.CounterVec
}

// New registers the obras collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		Registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obras",
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "obras",
			Name:      "lifecycle_operation_seconds",
			Help:      "Lifecycle operation latency including persistence.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obras",
			Name:      "ingested_rows_total",
			Help:      "CSV rows processed by ingestion, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(r.operations, r.duration, r.ingested)
	return r
}

func (r *Recorder) Observe(op, outcome string, d time.Duration) {
	if r == nil || r.operations == nil {
		return
	}
	r.operations.WithLabelValues(op, outcome).Inc()
	r.duration.WithLabelValues(op).Observe(d.Seconds())
}

// Ingested adds n rows under result ("loaded" or "failed").
func (r *Recorder) Ingested(result string, n int) {
	if r == nil || r.ingested == nil || n <= 0 {
		return
	}
	r.ingested.WithLabelValues(result).Add(float64(n))
}

// Count returns the current value of one operations series.
func (r *Recorder) Count(op, outcome string) float64 {
	if r == nil || r.operations == nil {
		return 0
	}
	return counterValue(r.operations.WithLabelValues(op, outcome))
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.Registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
