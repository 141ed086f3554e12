package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed by result",
		},
		[]string{"result"},
	)
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transitions_total",
			Help: "Total number of task lifecycle transitions",
		},
		[]string{"to"},
	)
	TaskAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_attempt_duration_seconds",
			Help:    "Invocation attempt duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"agent_type"},
	)

	AwakeablesSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awakeables_settled_total",
			Help: "Total number of awakeable settlements by terminal status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queued tasks per queue",
		},
		[]string{"queue"},
	)
	LeasesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leases_reaped_total",
			Help: "Total number of leases reclaimed from dead workers",
		},
	)
	WorkerActiveSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_active_slots",
			Help: "Currently leased slots per worker",
		},
		[]string{"worker_id"},
	)
)

var initMetricsOnce sync.Once

// InitMetrics registers all metrics with the default registry. Safe to call
// from both the server and worker entry points.
func InitMetrics() {
	initMetricsOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			JobsSubmittedTotal,
			JobsCompletedTotal,
			TaskTransitionsTotal,
			TaskAttemptDuration,
			AwakeablesSettledTotal,
			QueueDepth,
			LeasesReapedTotal,
			WorkerActiveSlots,
		)
	})
}
