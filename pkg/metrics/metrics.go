package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkerState is 1 for the worker's currently active state, 0 otherwise,
	// labelled by state name so a single gauge vec covers the whole state machine.
	WorkerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flamenco_worker_state",
			Help: "Whether the worker is currently in the given state (1) or not (0)",
		},
		[]string{"state"},
	)

	TasksExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flamenco_worker_tasks_executed_total",
			Help: "Total number of tasks executed, by final outcome",
		},
		[]string{"outcome"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flamenco_worker_task_duration_seconds",
			Help:    "Wall-clock duration of task execution",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flamenco_worker_queue_depth",
			Help: "Number of updates currently pending in the durable update queue",
		},
	)

	QueueDrainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flamenco_worker_queue_drained_total",
			Help: "Total number of queued updates successfully pushed to the manager",
		},
	)

	QueueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flamenco_worker_queue_dropped_total",
			Help: "Total number of queued updates dropped after exhausting retries",
		},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flamenco_worker_upstream_requests_total",
			Help: "Total number of requests made to the manager, by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flamenco_worker_upstream_request_duration_seconds",
			Help:    "Duration of requests made to the manager",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	MayIRunDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flamenco_worker_may_i_run_denied_total",
			Help: "Total number of times the manager denied permission to keep running the active task",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkerState,
		TasksExecutedTotal,
		TaskDuration,
		QueueDepth,
		QueueDrainedTotal,
		QueueDroppedTotal,
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		MayIRunDeniedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
