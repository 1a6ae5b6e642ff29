package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ThreadPool is the host pool that lanes launch their drain loops on.
type ThreadPool interface {
	PostInternal(task Task, traits TaskTraits) error
	ID() string
	IsRunning() bool
	WorkerCount() int
	QueuedTaskCount() int
	ActiveTaskCount() int
}

// ErrSchedulerShuttingDown is returned by PostInternal once shutdown began.
var ErrSchedulerShuttingDown = fmt.Errorf("task scheduler is shutting down: %w", ErrRunnerClosed)

// TaskScheduler is the work source the host pool's workers pull from.
type TaskScheduler struct {
	queue       WorkQueue
	signal      chan struct{}
	workerCount int

	metricQueued int32 // Waiting in ReadyQueue
	metricActive int32 // Executing in Worker

	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler

	shuttingDown int32 // atomic flag
}

func NewPriorityTaskScheduler(workerCount int) *TaskScheduler {
	return NewPriorityTaskSchedulerWithConfig(workerCount, DefaultTaskSchedulerConfig())
}

func NewPriorityTaskSchedulerWithConfig(workerCount int, config *TaskSchedulerConfig) *TaskScheduler {
	return newTaskScheduler(workerCount, NewPriorityWorkQueue(), config)
}

func NewFIFOTaskScheduler(workerCount int) *TaskScheduler {
	return NewFIFOTaskSchedulerWithConfig(workerCount, DefaultTaskSchedulerConfig())
}

func NewFIFOTaskSchedulerWithConfig(workerCount int, config *TaskSchedulerConfig) *TaskScheduler {
	return newTaskScheduler(workerCount, NewFIFOWorkQueue(), config)
}

func newTaskScheduler(workerCount int, queue WorkQueue, config *TaskSchedulerConfig) *TaskScheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	cfg := config.withDefaults()
	return &TaskScheduler{
		queue:               queue,
		signal:              make(chan struct{}, workerCount*2),
		workerCount:         workerCount,
		panicHandler:        cfg.PanicHandler,
		metrics:             cfg.Metrics,
		rejectedTaskHandler: cfg.RejectedTaskHandler,
	}
}

// PostInternal queues task for a worker. It fails once shutdown has begun.
func (s *TaskScheduler) PostInternal(task Task, traits TaskTraits) error {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		s.rejectedTaskHandler.HandleRejectedTask("TaskScheduler", "shutting down")
		s.metrics.RecordTaskRejected("TaskScheduler", "shutting down")
		return ErrSchedulerShuttingDown
	}

	s.queue.Push(task, traits)
	atomic.AddInt32(&s.metricQueued, 1)

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full; the task is queued and a busy worker will find it.
	}
	return nil
}

// GetWork blocks until a task is available or stopCh closes.
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (Task, bool) {
	for {
		if item, ok := s.queue.Pop(); ok {
			atomic.AddInt32(&s.metricQueued, -1)
			return item.Task, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

// Shutdown stops accepting tasks and drops everything still queued.
func (s *TaskScheduler) Shutdown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
	dropped := s.queue.Drain()
	atomic.AddInt32(&s.metricQueued, -int32(len(dropped)))
}

// ShutdownGraceful waits for all queued and active tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			dropped := s.queue.Drain()
			atomic.AddInt32(&s.metricQueued, -int32(len(dropped)))
			return fmt.Errorf("shutdown graceful timeout after %v, dropped %d queued tasks", timeout, len(dropped))
		case <-ticker.C:
			if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
				return nil
			}
		}
	}
}

// IsShuttingDown reports whether Shutdown or ShutdownGraceful was called.
func (s *TaskScheduler) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

func (s *TaskScheduler) WorkerCount() int     { return s.workerCount }
func (s *TaskScheduler) QueuedTaskCount() int { return int(atomic.LoadInt32(&s.metricQueued)) }
func (s *TaskScheduler) ActiveTaskCount() int { return int(atomic.LoadInt32(&s.metricActive)) }

func (s *TaskScheduler) OnTaskStart() {
	atomic.AddInt32(&s.metricActive, 1)
}

func (s *TaskScheduler) OnTaskEnd() {
	atomic.AddInt32(&s.metricActive, -1)
}

// GetPanicHandler returns the panic handler for this scheduler
func (s *TaskScheduler) GetPanicHandler() PanicHandler {
	return s.panicHandler
}

// GetMetrics returns the metrics collector for this scheduler
func (s *TaskScheduler) GetMetrics() Metrics {
	return s.metrics
}
