package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	TasksScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipeflow_tasks_scheduled_total",
			Help: "Total number of tasks scheduled by kind",
		},
		[]string{"kind"},
	)

	TasksCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snipeflow_tasks_cancelled_total",
			Help: "Total number of tasks cancelled before dispatch",
		},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snipeflow_tasks_dispatched_total",
			Help: "Total number of tasks handed to the dispatch queue",
		},
	)

	EnqueueFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snipeflow_enqueue_failures_total",
			Help: "Total number of due tasks reverted to scheduled after enqueue failed",
		},
	)

	DispatchLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snipeflow_dispatch_lag_seconds",
			Help:    "Delay between a task's execute_at and its dispatch",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	Wakes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snipeflow_shard_wakes_total",
			Help: "Total number of shard wake-ups processed",
		},
	)

	ActiveShards = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snipeflow_active_shards",
			Help: "Number of running shard actors",
		},
	)

	// Worker metrics
	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipeflow_executions_total",
			Help: "Total number of deliveries handled by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snipeflow_execution_duration_seconds",
			Help:    "Executor run time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snipeflow_queue_depth",
			Help: "Dispatch queue messages by state",
		},
		[]string{"state"},
	)

	// Retention metrics
	TasksPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snipeflow_tasks_purged_total",
			Help: "Total number of terminal tasks removed by retention",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipeflow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksCancelled)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(EnqueueFailures)
	prometheus.MustRegister(DispatchLag)
	prometheus.MustRegister(Wakes)
	prometheus.MustRegister(ActiveShards)
	prometheus.MustRegister(Executions)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksPurged)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
