// Package metrics exposes the coordination core's Prometheus metrics,
// grounded on the teacher's internal/metrics package (same promauto
// construction style), renamed and re-scoped from Shannon's
// workflow/session/memory domain onto budget, lock, hub, executor, and
// collaborator-wrapper concerns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Budget Manager metrics
	BudgetReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_budget_reservations_total",
			Help: "Total number of budget reservation attempts",
		},
		[]string{"priority", "result"}, // result: approved/rejected
	)

	BudgetReservedAmount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_budget_reserved_total",
			Help: "Current total reserved budget across all pending operations",
		},
	)

	BudgetUsageRecorded = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_budget_usage_recorded",
			Help:    "Actual cost recorded per completed operation",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 100},
		},
	)

	// Distributed Lock Manager metrics
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_lock_wait_seconds",
			Help:    "Time spent waiting for a lock to be granted",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // result: granted/timeout/deadlock
	)

	LockQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_lock_queue_depth",
			Help: "Number of waiters currently queued per resource",
		},
		[]string{"resource_id"},
	)

	DeadlocksAvoided = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_deadlocks_avoided_total",
			Help: "Total number of lock requests rejected to avoid a cycle",
		},
	)

	// Communication Hub metrics
	HubMessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_hub_messages_routed_total",
			Help: "Total number of messages routed through the Communication Hub",
		},
		[]string{"message_type", "status"},
	)

	HubQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_hub_queue_depth",
			Help: "Current number of messages queued for dispatch",
		},
	)

	HubMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_hub_message_latency_seconds",
			Help:    "End-to-end latency from enqueue to resolution per message type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"message_type"},
	)

	// Task Executor metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_executed_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"status"}, // completed/failed/skipped
	)

	CheckpointsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_checkpoints_written_total",
			Help: "Total number of checkpoints persisted",
		},
		[]string{"reason"}, // plan/task_completed/task_failed/paused/degraded/result
	)

	CheckpointWriteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_checkpoint_write_latency_seconds",
			Help:    "Latency of a single checkpoint round-trip to the CheckpointStore",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit breaker state/request/failure counters live in
	// internal/circuitbreaker itself (circuitbreaker.GlobalMetricsCollector),
	// since that package owns the breaker lifecycle; this package doesn't
	// duplicate them.

	// gRPC collaborator metrics (the language-model bridge)
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_grpc_requests_total",
			Help: "Total number of gRPC requests to external collaborators",
		},
		[]string{"service", "method", "status"},
	)

	GRPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// HTTP collaborator metrics (agent runner / filesystem bridges)
	HTTPCollaboratorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_http_collaborator_requests_total",
			Help: "Total number of HTTP requests to external collaborators",
		},
		[]string{"service", "method", "status"},
	)

	HTTPCollaboratorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_http_collaborator_request_duration_seconds",
			Help:    "HTTP collaborator request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// Pricing fallback metrics (Cost Estimator)
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)
)

// RecordBudgetReservation records the outcome of a ValidateOperation call.
func RecordBudgetReservation(priority, result string) {
	BudgetReservations.WithLabelValues(priority, result).Inc()
}

// RecordLockWait records how long a waiter spent queued for a lock.
func RecordLockWait(result string, durationSeconds float64) {
	LockWaitDuration.WithLabelValues(result).Observe(durationSeconds)
}

// RecordHubMessage records the outcome and latency of a routed message.
func RecordHubMessage(messageType, status string, latencySeconds float64) {
	HubMessagesRouted.WithLabelValues(messageType, status).Inc()
	if latencySeconds > 0 {
		HubMessageLatency.WithLabelValues(messageType).Observe(latencySeconds)
	}
}

// RecordTaskOutcome records a task reaching a terminal status.
func RecordTaskOutcome(status string) {
	TasksExecuted.WithLabelValues(status).Inc()
}

// RecordCheckpoint records a checkpoint write and its latency.
func RecordCheckpoint(reason string, latencySeconds float64) {
	CheckpointsWritten.WithLabelValues(reason).Inc()
	if latencySeconds > 0 {
		CheckpointWriteLatency.Observe(latencySeconds)
	}
}

// RecordGRPCMetrics records metrics for a gRPC request.
func RecordGRPCMetrics(service, method, status string, durationSeconds float64) {
	GRPCRequestsTotal.WithLabelValues(service, method, status).Inc()
	GRPCRequestDuration.WithLabelValues(service, method).Observe(durationSeconds)
}

// RecordHTTPCollaboratorRequest records metrics for an outbound HTTP
// collaborator request (the agent runner / filesystem bridges).
func RecordHTTPCollaboratorRequest(service, method, status string, durationSeconds float64) {
	HTTPCollaboratorRequestsTotal.WithLabelValues(service, method, status).Inc()
	HTTPCollaboratorRequestDuration.WithLabelValues(service, method).Observe(durationSeconds)
}
