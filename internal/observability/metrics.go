package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	tileJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stylectl",
			Subsystem: "pool",
			Name:      "jobs_total",
			Help:      "Tile jobs dispatched, by kind and worker.",
		},
		[]string{"kind", "worker"},
	)
	poolMalfunctions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stylectl",
			Subsystem: "pool",
			Name:      "malfunctions_total",
			Help:      "Pool teardowns caused by worker death.",
		},
	)
	iterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stylectl",
			Subsystem: "transfer",
			Name:      "iteration_duration_seconds",
			Help:      "Wall time per optimization iteration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)
	iterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stylectl",
			Subsystem: "transfer",
			Name:      "iterations_total",
			Help:      "Optimization iterations completed.",
		},
	)
	currentLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stylectl",
			Subsystem: "transfer",
			Name:      "loss",
			Help:      "Most recent per-pixel loss.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stylectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Preview server requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			tileJobs, poolMalfunctions, iterationDuration, iterations, currentLoss, httpRequests)
	})
}

func RecordJob(kind string, worker int) {
	RegisterMetrics()
	tileJobs.WithLabelValues(kind, strconv.Itoa(worker)).Inc()
}

func RecordPoolMalfunction() {
	RegisterMetrics()
	poolMalfunctions.Inc()
}

func RecordIteration(loss float32, duration time.Duration) {
	RegisterMetrics()
	iterations.Inc()
	iterationDuration.Observe(duration.Seconds())
	currentLoss.Set(float64(loss))
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
