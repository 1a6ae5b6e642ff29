package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// SequencedTaskRunner runs tasks one at a time, in FIFO order, on the host
// pool. Consecutive tasks may run on different workers. It serves as a custom
// lane for Custom-affinity nodes and as the manager's journal IO lane.
type SequencedTaskRunner struct {
	threadPool    ThreadPool
	name          string
	queue         *FIFOWorkQueue
	mu            sync.Mutex
	isRunning     bool
	activeRunners int32 // atomic guard for concurrency assertion
	closed        atomic.Bool
	rejected      atomic.Int64
	panicHandler  PanicHandler

	lastMu       sync.Mutex
	lastTaskName string
	lastTaskAt   time.Time
}

func NewSequencedTaskRunner(threadPool ThreadPool) *SequencedTaskRunner {
	return NewNamedSequencedTaskRunner(threadPool, "sequenced")
}

func NewNamedSequencedTaskRunner(threadPool ThreadPool, name string) *SequencedTaskRunner {
	return &SequencedTaskRunner{
		threadPool:   threadPool,
		name:         name,
		queue:        NewFIFOWorkQueue(),
		panicHandler: &DefaultPanicHandler{},
	}
}

func (r *SequencedTaskRunner) Name() string { return r.name }

// SetPanicHandler replaces the handler used for panicking tasks.
func (r *SequencedTaskRunner) SetPanicHandler(h PanicHandler) {
	if h != nil {
		r.panicHandler = h
	}
}

// PostTask queues task behind every task posted before it.
func (r *SequencedTaskRunner) PostTask(task Task) error {
	if r.closed.Load() {
		r.rejected.Add(1)
		return ErrRunnerClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue.Push(task, DefaultTaskTraits())
	if r.isRunning {
		return nil
	}
	r.isRunning = true
	if err := r.threadPool.PostInternal(r.runLoop, DefaultTaskTraits()); err != nil {
		// The loop was idle, so the queue held only this task.
		r.queue.Drain()
		r.isRunning = false
		r.rejected.Add(1)
		return fmt.Errorf("sequenced runner %s: %w", r.name, err)
	}
	return nil
}

// runLoop executes one task and reposts itself while work remains, yielding
// the worker between tasks.
func (r *SequencedTaskRunner) runLoop(ctx context.Context) {
	if n := atomic.AddInt32(&r.activeRunners, 1); n > 1 {
		panic(fmt.Sprintf("SequencedTaskRunner: concurrent runLoop detected (count=%d)", n))
	}
	defer atomic.AddInt32(&r.activeRunners, -1)

	if item, ok := r.queue.Pop(); ok {
		r.execute(withTaskRunner(ctx, r), item.Task)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue.IsEmpty() || r.closed.Load() {
		r.isRunning = false
		return
	}
	if err := r.threadPool.PostInternal(r.runLoop, DefaultTaskTraits()); err != nil {
		r.isRunning = false
		r.rejected.Add(int64(len(r.queue.Drain())))
	}
}

func (r *SequencedTaskRunner) execute(ctx context.Context, task Task) {
	defer func() {
		r.lastMu.Lock()
		r.lastTaskName = resolveTaskName(task, "")
		r.lastTaskAt = time.Now()
		r.lastMu.Unlock()
		if rec := recover(); rec != nil {
			r.panicHandler.HandlePanic(ctx, r.name, "anonymous", rec, debug.Stack())
		}
	}()
	task(ctx)
}

// Shutdown refuses new tasks and drops queued ones. The task in flight is not
// interrupted.
func (r *SequencedTaskRunner) Shutdown() {
	r.closed.Store(true)

	r.mu.Lock()
	r.queue.Clear()
	r.mu.Unlock()
}

// IsClosed returns true if the runner has been shut down.
func (r *SequencedTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// WaitIdle blocks until every task posted before the call has run.
func (r *SequencedTaskRunner) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.PostTask(func(context.Context) { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the runner.
func (r *SequencedTaskRunner) Stats() RunnerStats {
	r.mu.Lock()
	running := 0
	if r.isRunning {
		running = 1
	}
	r.mu.Unlock()

	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	return RunnerStats{
		Name:         r.name,
		Type:         "sequenced",
		Pending:      r.queue.Len(),
		Running:      running,
		Rejected:     r.rejected.Load(),
		Closed:       r.closed.Load(),
		LastTaskName: r.lastTaskName,
		LastTaskAt:   r.lastTaskAt,
	}
}
