package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	chunks    *prometheus.CounterVec
	records   *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	anomalies prometheus.Counter
	repaired  *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		chunks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twpull_chunks_total",
				Help: "Fetch-upsert chunks by source and outcome",
			},
			[]string{"source", "status"},
		),
		records: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twpull_records_total",
				Help: "Price records written, split into new and duplicate",
			},
			[]string{"kind"},
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twpull_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twpull_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		anomalies: f.NewCounter(
			prometheus.CounterOpts{
				Name: "twpull_anomalies_detected_total",
				Help: "Anomalies returned by detection scans",
			},
		),
		repaired: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twpull_repair_rows_total",
				Help: "Rows touched by anomaly repair",
			},
			[]string{"action"},
		),
	}
}

// RecordChunk counts one processed chunk.
func (r *Recorder) RecordChunk(source, status string) {
	r.chunks.WithLabelValues(source, status).Inc()
}

func (r *Recorder) RecordRecords(kind string, n int) {
	if n > 0 {
		r.records.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errors.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordAnomalies(n int) {
	r.anomalies.Add(float64(n))
}

func (r *Recorder) RecordRepair(deleted, inserted, skipped int) {
	r.repaired.WithLabelValues("deleted").Add(float64(deleted))
	r.repaired.WithLabelValues("inserted").Add(float64(inserted))
	r.repaired.WithLabelValues("skipped").Add(float64(skipped))
}
