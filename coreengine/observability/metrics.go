// Package observability provides Prometheus metrics instrumentation for the
// kernel and its gRPC surface.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// SCHEDULER METRICS
// =============================================================================

var (
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfq_dispatches_total",
			Help: "Total number of processes dispatched, by ready queue",
		},
		[]string{"queue"}, // queue: RR, LCFS, BJF
	)

	idleIterationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mfq_idle_iterations_total",
			Help: "Scheduler iterations that found nothing runnable",
		},
	)

	selectDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mfq_select_duration_seconds",
			Help:    "Time spent choosing the next process, lock wait included",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1},
		},
	)

	queueTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfq_queue_transfers_total",
			Help: "Total number of queue transfers",
		},
		[]string{"from", "to", "reason"}, // reason: explicit, aging, prepass, fork
	)
)

// =============================================================================
// LIFECYCLE METRICS
// =============================================================================

var (
	forksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfq_forks_total",
			Help: "Total number of process creations",
		},
		[]string{"status"}, // status: ok, failed
	)

	exitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mfq_exits_total",
			Help: "Total number of process exits",
		},
	)

	reapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mfq_reaped_total",
			Help: "Total number of zombies reaped by wait",
		},
	)

	processes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mfq_processes",
			Help: "Process table slots by state",
		},
		[]string{"state"},
	)

	invariantViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfq_invariant_violations_total",
			Help: "Kernel invariant violations, by operation",
		},
		[]string{"op"},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfq_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, NotFound, InvalidArgument, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mfq_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordDispatch counts one dispatch from queue.
func RecordDispatch(queue string) {
	dispatchesTotal.WithLabelValues(queue).Inc()
}

// RecordIdle counts one scheduler pass that found nothing to run.
func RecordIdle() {
	idleIterationsTotal.Inc()
}

// ObserveSelect records how long one selection took.
func ObserveSelect(d time.Duration) {
	selectDurationSeconds.Observe(d.Seconds())
}

// RecordQueueTransfer counts one queue transfer.
func RecordQueueTransfer(from, to, reason string) {
	queueTransfersTotal.WithLabelValues(from, to, reason).Inc()
}

// RecordFork counts one fork or userinit with its outcome.
func RecordFork(status string) {
	forksTotal.WithLabelValues(status).Inc()
}

// RecordExit counts one exit.
func RecordExit() {
	exitsTotal.Inc()
}

// RecordReap counts one reaped zombie.
func RecordReap() {
	reapedTotal.Inc()
}

// SetProcessCount publishes how many slots are in state.
func SetProcessCount(state string, n int) {
	processes.WithLabelValues(state).Set(float64(n))
}

// RecordInvariantViolation counts one kernel panic raised by op.
func RecordInvariantViolation(op string) {
	invariantViolationsTotal.WithLabelValues(op).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
