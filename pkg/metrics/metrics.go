package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_submitted_total",
			Help: "Total number of jobs accepted from clients",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_completed_total",
			Help: "Total number of jobs finalized",
		},
	)

	// Task metrics
	TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_assigned_total",
			Help: "Total number of task assignments sent to workers",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_completed_total",
			Help: "Total number of accepted task completions",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_failed_total",
			Help: "Total number of task failures reported by workers",
		},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_retried_total",
			Help: "Total number of failed tasks reset to pending for retry",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_scheduling_latency_seconds",
			Help:    "Time taken to assign a task to a worker in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_workers_connected",
			Help: "Number of currently connected workers",
		},
	)

	WorkersAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_workers_available",
			Help: "Number of connected workers not currently assigned a task",
		},
	)

	// Checkpoint metrics
	CheckpointsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_checkpoints_stored_total",
			Help: "Total number of checkpoints stored by kind",
		},
		[]string{"kind"},
	)

	CheckpointBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_checkpoint_bytes_total",
			Help: "Total compressed checkpoint bytes written",
		},
	)

	CheckpointCompactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_checkpoint_compactions_total",
			Help: "Total number of delta-chain compactions",
		},
	)

	// Sweeper metrics
	TasksSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_swept_total",
			Help: "Total number of stalled assigned tasks reset by the sweeper",
		},
	)
)

// Register registers all metrics with the default registry. Call once at
// startup; a second call is an error by prometheus design.
func Register() {
	prometheus.MustRegister(
		JobsSubmitted,
		JobsCompleted,
		TasksAssigned,
		TasksCompleted,
		TasksFailed,
		TasksRetried,
		SchedulingLatency,
		WorkersConnected,
		WorkersAvailable,
		CheckpointsStored,
		CheckpointBytes,
		CheckpointCompactions,
		TasksSwept,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures operation duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
