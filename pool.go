package taskchain

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-task-chain/core"
)

// GoroutineThreadPool is the host pool: a fixed set of worker goroutines
// pulling tasks from a TaskScheduler. The scheduler pair and the sequenced
// runners launch their drain loops on it.
type GoroutineThreadPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

// NewGoroutineThreadPool creates a pool whose workers take tasks in FIFO order.
func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, false, nil)
}

// NewPriorityGoroutineThreadPool creates a pool whose workers take
// higher-priority tasks first.
func NewPriorityGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, true, nil)
}

// NewGoroutineThreadPoolWithConfig creates a pool with custom panic, metrics
// and rejection handlers.
func NewGoroutineThreadPoolWithConfig(id string, workers int, priority bool, cfg *core.TaskSchedulerConfig) *GoroutineThreadPool {
	if workers < 1 {
		workers = 1
	}
	scheduler := core.NewFIFOTaskSchedulerWithConfig(workers, cfg)
	if priority {
		scheduler = core.NewPriorityTaskSchedulerWithConfig(workers, cfg)
	}
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: scheduler,
	}
}

// Start starts all worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	for i := 0; i < tg.workers; i++ {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
}

// Stop refuses new tasks, drops queued ones and waits for the workers to exit.
func (tg *GoroutineThreadPool) Stop() {
	// Shut the scheduler down even if the pool never started, so posts fail.
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.runningMu.Unlock()

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
}

// StopGraceful stops the thread pool gracefully, waiting for queued tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return nil
	}
	tg.runningMu.Unlock()

	err := tg.scheduler.ShutdownGraceful(timeout)

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()

	return err
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	stopCh := ctx.Done()

	for {
		task, ok := tg.scheduler.GetWork(stopCh)
		if !ok {
			return
		}

		tg.scheduler.OnTaskStart()
		func() {
			defer func() {
				tg.scheduler.OnTaskEnd()
				if r := recover(); r != nil {
					tg.scheduler.GetPanicHandler().HandlePanic(ctx, tg.id, "worker", r, debug.Stack())
					tg.scheduler.GetMetrics().RecordTaskPanic(tg.id, r)
				}
			}()
			task(ctx)
		}()
	}
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return tg.workers
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return tg.scheduler.QueuedTaskCount()
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return tg.scheduler.ActiveTaskCount()
}

// PostInternal queues task for a worker. It fails once the pool was stopped.
func (tg *GoroutineThreadPool) PostInternal(task core.Task, traits core.TaskTraits) error {
	return tg.scheduler.PostInternal(task, traits)
}

// Stats returns a snapshot of the pool.
func (tg *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      tg.id,
		Workers: tg.workers,
		Queued:  tg.QueuedTaskCount(),
		Active:  tg.ActiveTaskCount(),
		Running: tg.IsRunning(),
	}
}
