package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task body panics during execution.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task
	// - laneName: The lane (runner) the task was executing on
	// - taskName: The node name, or "anonymous" for raw tasks
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, laneName string, taskName string, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler reports panics through a Logger at error level.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic value and stack.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, laneName string, taskName string, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("lane", laneName),
		F("task", taskName),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast; they are called on the lane that runs the task.
type Metrics interface {
	// RecordTaskDuration records how long a node body took to execute.
	RecordTaskDuration(laneName string, affinity TaskAffinity, duration time.Duration)

	// RecordTaskOutcome records the terminal state a node reached.
	RecordTaskOutcome(laneName string, state NodeState)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(laneName string, panicInfo any)

	// RecordQueueDepth records the current queue depth of a lane.
	RecordQueueDepth(laneName string, depth int)

	// RecordTaskRejected records that a lane refused a task.
	RecordTaskRejected(laneName string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(laneName string, affinity TaskAffinity, duration time.Duration) {
}
func (m *NilMetrics) RecordTaskOutcome(laneName string, state NodeState) {}
func (m *NilMetrics) RecordTaskPanic(laneName string, panicInfo any)     {}
func (m *NilMetrics) RecordQueueDepth(laneName string, depth int)        {}
func (m *NilMetrics) RecordTaskRejected(laneName string, reason string)  {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a lane or the host scheduler refuses a task,
// e.g. after Complete() on the scheduler pair or during pool shutdown.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(laneName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at warn level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(laneName string, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Warn("task rejected", F("lane", laneName), F("reason", reason))
}

// =============================================================================
// TaskSchedulerConfig: Configuration for TaskScheduler
// =============================================================================

// TaskSchedulerConfig holds configuration options for TaskScheduler.
// All handlers are optional; if not provided, default implementations will be used.
type TaskSchedulerConfig struct {
	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler
}

// DefaultTaskSchedulerConfig returns a config with default handlers.
func DefaultTaskSchedulerConfig() *TaskSchedulerConfig {
	return &TaskSchedulerConfig{
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
	}
}

func (c *TaskSchedulerConfig) withDefaults() *TaskSchedulerConfig {
	out := TaskSchedulerConfig{}
	if c != nil {
		out = *c
	}
	if out.PanicHandler == nil {
		out.PanicHandler = &DefaultPanicHandler{}
	}
	if out.Metrics == nil {
		out.Metrics = &NilMetrics{}
	}
	if out.RejectedTaskHandler == nil {
		out.RejectedTaskHandler = &DefaultRejectedTaskHandler{}
	}
	return &out
}
