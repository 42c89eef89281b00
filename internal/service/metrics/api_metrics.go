package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "twpull",
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "Latency of orchestration endpoints",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600, 1800},
		},
		[]string{"endpoint", "method"},
	)

	APIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twpull",
			Subsystem: "api",
			Name:      "errors_total",
			Help:      "Error envelopes returned by endpoint",
		},
		[]string{"endpoint"},
	)

	APIRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twpull",
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client limiter",
		},
		[]string{"endpoint"},
	)
)

// Register adds the API collectors to the default registry once per process.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(APILatency, APIErrors, APIRateLimited)
	})
}
