package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_executions_total",
			Help: "Total number of finished jobs",
		},
		[]string{"mode", "outcome"}, // mode: "batch", "interactive"
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playground_execution_duration_ms",
			Help:    "Job duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000},
		},
		[]string{"mode", "phase"}, // phase: "compile", "run", "total"
	)

	AdmissionActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "playground_admission_active",
			Help: "Jobs currently holding an admission slot",
		},
		[]string{"pool"},
	)

	AdmissionQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "playground_admission_queued",
			Help: "Jobs waiting for an admission slot",
		},
		[]string{"pool"},
	)

	AdmissionWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playground_admission_wait_seconds",
			Help:    "Time spent waiting for an admission slot",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
		},
		[]string{"pool"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "playground_sessions_active",
			Help: "Open interactive terminal sessions",
		},
	)

	ScreenRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_screen_rejections_total",
			Help: "Submissions refused by the source screen",
		},
		[]string{"mode"},
	)

	MemoryUsage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playground_memory_usage_kb",
			Help:    "Peak resident memory per run in KB",
			Buckets: []float64{1024, 4096, 16384, 65536, 131072, 262144},
		},
	)

	WorkspaceCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playground_workspace_cleanup_failures_total",
			Help: "Workspaces that could not be fully removed",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playground_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
