package core

import "time"

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting execution metrics from the
// task queue and the device clients. Implementations can send metrics to
// monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast; they are called from worker
// threads and from inside device operations.
type Metrics interface {
	// RecordTaskDuration records how long a queued task took to execute.
	RecordTaskDuration(queue string, duration time.Duration)

	// RecordTaskTimeout records that a task overran its deadline and was
	// abandoned by its worker.
	RecordTaskTimeout(queue string)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(queue string, panicInfo any)

	// RecordTaskRejected records that a task was rejected (e.g., submitted
	// after shutdown, or discarded by a non-draining shutdown).
	RecordTaskRejected(queue string, reason string)

	// RecordQueueDepth records the current number of queued tasks.
	RecordQueueDepth(queue string, depth int)

	// RecordCommand records the outcome of one device operation.
	// outcome is "ok" or the failed error kind ("timeout", "protocol", ...).
	RecordCommand(device string, operation string, outcome string, duration time.Duration)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(queue string, duration time.Duration) {}
func (m *NilMetrics) RecordTaskTimeout(queue string)                          {}
func (m *NilMetrics) RecordTaskPanic(queue string, panicInfo any)             {}
func (m *NilMetrics) RecordTaskRejected(queue string, reason string)          {}
func (m *NilMetrics) RecordQueueDepth(queue string, depth int)                {}
func (m *NilMetrics) RecordCommand(device, operation, outcome string, duration time.Duration) {
}

// CommandOutcome maps an operation result to the label recorded by
// RecordCommand.
func CommandOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}
