package core

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// PumpedTaskRunner is a UI lane driven by an external pump, such as a
// per-frame callback. Posted tasks wait in a FIFO queue until the owner calls
// Pump on its own goroutine, so every task runs on whichever goroutine drives
// the pump.
type PumpedTaskRunner struct {
	name  string
	queue *FIFOWorkQueue
	ready chan struct{}

	closed   atomic.Bool
	pumping  atomic.Bool
	rejected atomic.Int64

	mu           sync.Mutex
	panicHandler PanicHandler
	lastTaskAt   time.Time
	lastTaskName string
}

// NewPumpedTaskRunner returns an empty runner. An empty name defaults to "ui".
func NewPumpedTaskRunner(name string) *PumpedTaskRunner {
	if name == "" {
		name = "ui"
	}
	return &PumpedTaskRunner{
		name:         name,
		queue:        NewFIFOWorkQueue(),
		ready:        make(chan struct{}, 1),
		panicHandler: &DefaultPanicHandler{},
	}
}

func (r *PumpedTaskRunner) Name() string { return r.name }

// SetPanicHandler replaces the handler used for panicking tasks.
func (r *PumpedTaskRunner) SetPanicHandler(h PanicHandler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.panicHandler = h
	r.mu.Unlock()
}

// PostTask queues task for the next pump.
func (r *PumpedTaskRunner) PostTask(task Task) error {
	if r.closed.Load() {
		r.rejected.Add(1)
		return ErrRunnerClosed
	}
	r.queue.Push(task, DefaultTaskTraits())
	select {
	case r.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready returns a channel that receives after work has been posted. A frame
// loop may select on it to sleep while the lane is idle.
func (r *PumpedTaskRunner) Ready() <-chan struct{} {
	return r.ready
}

// Len returns the number of tasks waiting for a pump.
func (r *PumpedTaskRunner) Len() int {
	return r.queue.Len()
}

// Pump runs the tasks that were queued when it was called, one at a time, and
// returns how many ran. Tasks posted while pumping wait for the next call.
// A nested call from inside a pumped task returns 0.
func (r *PumpedTaskRunner) Pump(ctx context.Context) int {
	if !r.pumping.CompareAndSwap(false, true) {
		return 0
	}
	defer r.pumping.Store(false)

	runCtx := withTaskRunner(ctx, r)
	budget := r.queue.Len()
	ran := 0
	for ; ran < budget; ran++ {
		item, ok := r.queue.Pop()
		if !ok {
			break
		}
		r.execute(runCtx, item.Task)
	}
	return ran
}

// PumpOne runs a single queued task, if any.
func (r *PumpedTaskRunner) PumpOne(ctx context.Context) bool {
	if !r.pumping.CompareAndSwap(false, true) {
		return false
	}
	defer r.pumping.Store(false)

	item, ok := r.queue.Pop()
	if !ok {
		return false
	}
	r.execute(withTaskRunner(ctx, r), item.Task)
	return true
}

// Close refuses further tasks and runs whatever is still queued with a
// canceled context on the calling goroutine, so nodes waiting on this lane
// resolve as canceled. Call it from the goroutine that drives Pump.
func (r *PumpedTaskRunner) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctx = withTaskRunner(ctx, r)
	for _, item := range r.queue.Drain() {
		r.execute(ctx, item.Task)
	}
}

// IsClosed reports whether Close was called.
func (r *PumpedTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

func (r *PumpedTaskRunner) execute(ctx context.Context, task Task) {
	defer func() {
		r.mu.Lock()
		r.lastTaskAt = time.Now()
		r.lastTaskName = resolveTaskName(task, "")
		handler := r.panicHandler
		r.mu.Unlock()

		if rec := recover(); rec != nil {
			handler.HandlePanic(ctx, r.name, "anonymous", rec, debug.Stack())
		}
	}()
	task(ctx)
}

// Stats returns a snapshot of the runner.
func (r *PumpedTaskRunner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := 0
	if r.pumping.Load() {
		running = 1
	}
	return RunnerStats{
		Name:         r.name,
		Type:         "pumped",
		Pending:      r.queue.Len(),
		Running:      running,
		Rejected:     r.rejected.Load(),
		Closed:       r.closed.Load(),
		LastTaskName: r.lastTaskName,
		LastTaskAt:   r.lastTaskAt,
	}
}
