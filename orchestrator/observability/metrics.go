package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueued counts enqueue requests that created a new task.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deck_tasks_enqueued_total",
		Help: "Tasks inserted into the processing queue",
	}, []string{"task_type"})

	// DuplicateEnqueues counts enqueue requests answered with an existing task.
	DuplicateEnqueues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deck_tasks_duplicate_enqueues_total",
		Help: "Enqueue requests that returned an existing active task",
	})

	// TaskCompletions counts terminal and retry outcomes of task attempts.
	TaskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deck_task_completions_total",
		Help: "Task attempt outcomes by resulting status",
	}, []string{"outcome"}) // completed, failed, retry

	// QueueDepth tracks current queue rows per status, refreshed by the
	// heartbeat loop.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deck_queue_depth",
		Help: "Current number of queue rows per status",
	}, []string{"status"})

	// PhaseDuration tracks GPU phase execution time.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deck_phase_duration_seconds",
		Help:    "Pipeline phase execution time",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	}, []string{"phase"})

	// PhaseFailures counts phase failures by error kind.
	PhaseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deck_phase_failures_total",
		Help: "Pipeline phase failures",
	}, []string{"phase", "kind"}) // phase_upstream, phase_rejected, config_missing

	// LocksReclaimed counts tasks reclaimed from expired leases.
	LocksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deck_locks_reclaimed_total",
		Help: "Tasks reclaimed after their lease expired",
	})

	// LeaseLost counts writes rejected because the caller lost its lease.
	LeaseLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deck_lease_lost_total",
		Help: "Progress or completion writes rejected after lease loss",
	})

	// FailedTasksRequeued counts failed tasks re-queued by the recovery loop.
	FailedTasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deck_failed_tasks_requeued_total",
		Help: "Failed tasks moved back to retry by the recovery loop",
	})

	// HeartbeatsSent counts server heartbeat writes.
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deck_heartbeats_sent_total",
		Help: "Worker registration heartbeats written",
	})

	// ActiveDrivers tracks how many drivers are processing a task right now.
	ActiveDrivers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deck_active_drivers",
		Help: "Drivers currently holding a leased task",
	})

	// GPURequestDuration tracks GPU endpoint roundtrip latency.
	GPURequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deck_gpu_request_duration_seconds",
		Help:    "GPU worker HTTP request latency",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13min
	}, []string{"endpoint"})

	// CallbackRequests counts inbound GPU callback requests.
	CallbackRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deck_callback_requests_total",
		Help: "Inbound GPU callback requests by endpoint and result",
	}, []string{"endpoint", "result"}) // ok, warning, bad_request, error

	// APIRateLimited counts callbacks rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deck_api_rate_limited_total",
		Help: "Callback requests rejected by the rate limiter",
	}, []string{"endpoint"})

	// ProgressStreamClients tracks connected WebSocket progress clients.
	ProgressStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deck_progress_stream_clients",
		Help: "Connected WebSocket progress stream clients",
	})
)
