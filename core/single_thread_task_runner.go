package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// SingleThreadTaskRunner binds a dedicated goroutine to execute tasks sequentially.
// Every task posted to it runs on that same goroutine, which makes it a
// self-pumping UI lane: register it with Manager.Initialize when the program
// has no frame loop of its own to drive a PumpedTaskRunner.
type SingleThreadTaskRunner struct {
	workQueue chan Task

	ctx    context.Context
	cancel context.CancelFunc

	stopped      chan struct{}
	once         sync.Once
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	panicHandler PanicHandler
	pending      atomic.Int32
	running      atomic.Int32
	rejected     atomic.Int64

	mu           sync.Mutex
	name         string
	lastTaskAt   time.Time
	lastTaskName string
}

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner.
// It immediately spawns a dedicated goroutine for task execution.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SingleThreadTaskRunner{
		workQueue:    make(chan Task, 100),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		shutdownChan: make(chan struct{}),
		panicHandler: &DefaultPanicHandler{},
		name:         "ui",
	}

	go r.runLoop()

	return r
}

// Name returns the name of the task runner
func (r *SingleThreadTaskRunner) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// SetName sets the name of the task runner
func (r *SingleThreadTaskRunner) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// SetPanicHandler replaces the handler used for panicking tasks.
func (r *SingleThreadTaskRunner) SetPanicHandler(h PanicHandler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panicHandler = h
}

// PostTask submits a task for execution on the dedicated goroutine.
func (r *SingleThreadTaskRunner) PostTask(task Task) error {
	if r.closed.Load() {
		r.rejected.Add(1)
		return ErrRunnerClosed
	}

	r.pending.Add(1)
	select {
	case <-r.ctx.Done():
		r.pending.Add(-1)
		r.rejected.Add(1)
		return ErrRunnerClosed
	case r.workQueue <- task:
		return nil
	}
}

// Shutdown marks the runner as closed and signals shutdown waiters.
// Unlike Stop(), this method does NOT wait for the runLoop, so a task may
// call Shutdown() on its own runner.
func (r *SingleThreadTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		close(r.shutdownChan)
	})
}

// IsClosed returns true if the runner has been stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop stops the runner and waits for the task in flight to return.
func (r *SingleThreadTaskRunner) Stop() {
	r.once.Do(func() {
		r.Shutdown()
		<-r.stopped
	})
}

func (r *SingleThreadTaskRunner) runLoop() {
	defer close(r.stopped)

	runCtx := withTaskRunner(r.ctx, r)

	for {
		select {
		case task := <-r.workQueue:
			r.pending.Add(-1)
			r.execute(runCtx, task)

		case <-r.ctx.Done():
			return
		}
	}
}

func (r *SingleThreadTaskRunner) execute(ctx context.Context, task Task) {
	r.running.Add(1)
	defer func() {
		r.running.Add(-1)
		r.mu.Lock()
		r.lastTaskAt = time.Now()
		r.lastTaskName = resolveTaskName(task, "")
		handler := r.panicHandler
		name := r.name
		r.mu.Unlock()

		if rec := recover(); rec != nil {
			handler.HandlePanic(ctx, name, "anonymous", rec, debug.Stack())
		}
	}()
	task(ctx)
}

// Stats returns a snapshot of the runner.
func (r *SingleThreadTaskRunner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunnerStats{
		Name:         r.name,
		Type:         "single_thread",
		Pending:      int(r.pending.Load()),
		Running:      int(r.running.Load()),
		Rejected:     r.rejected.Load(),
		Closed:       r.closed.Load(),
		LastTaskName: r.lastTaskName,
		LastTaskAt:   r.lastTaskAt,
	}
}

// WaitIdle blocks until all currently queued tasks have completed execution.
// This is implemented by posting a barrier task and waiting for it to execute.
//
// Tasks posted after WaitIdle is called are not waited for.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("wait idle: %w", ErrRunnerClosed)
	}

	done := make(chan struct{})
	if err := r.PostTask(func(context.Context) { close(done) }); err != nil {
		return fmt.Errorf("wait idle: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAsync posts a barrier task that executes the callback when all prior tasks complete.
// The callback runs on the runner's dedicated goroutine.
func (r *SingleThreadTaskRunner) FlushAsync(callback func()) error {
	return r.PostTask(func(ctx context.Context) {
		callback()
	})
}

// WaitShutdown blocks until Shutdown() is called on this runner.
func (r *SingleThreadTaskRunner) WaitShutdown(ctx context.Context) error {
	select {
	case <-r.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
