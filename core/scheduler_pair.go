package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

const (
	// exclusiveProcessingSentinel is the processing counter value while the
	// exclusive drain loop owns the pair.
	exclusiveProcessingSentinel = -1

	// DefaultMaxItemsPerTask bounds how many items one drain loop runs before
	// handing its slot back for re-dispatch.
	DefaultMaxItemsPerTask = 32

	concurrentLaneName = "concurrent"
	exclusiveLaneName  = "exclusive"
)

// PairConfig configures a SchedulerPair. Zero values select defaults.
type PairConfig struct {
	// MaxConcurrency caps concurrent drain loops. Defaults to runtime.NumCPU().
	MaxConcurrency int
	// MaxItemsPerTask caps items per drain loop. Defaults to DefaultMaxItemsPerTask.
	MaxItemsPerTask int

	PanicHandler        PanicHandler
	Metrics             Metrics
	RejectedTaskHandler RejectedTaskHandler
	Logger              Logger
}

// SchedulerPair coordinates a concurrent lane and an exclusive lane over one
// host pool. Any number of concurrent tasks up to MaxConcurrency may run at
// once; exclusive tasks run one at a time, in FIFO order, and never while a
// concurrent task is running.
//
// All coordination state is guarded by mu. The processing counter is positive
// while concurrent drain loops run, exclusiveProcessingSentinel while the
// exclusive loop runs and zero when idle, so the two modes cannot overlap.
type SchedulerPair struct {
	pool ThreadPool

	maxConcurrency  int
	maxItemsPerTask int

	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler
	logger              Logger

	mu                  sync.Mutex
	concurrentQueue     *FIFOWorkQueue
	exclusiveQueue      *FIFOWorkQueue
	processingCount     int
	completionRequested bool
	completed           bool
	faults              []error
	done                chan struct{}

	rejected atomic.Int64

	concurrent *pairLane
	exclusive  *pairLane
}

// NewSchedulerPair creates a pair that launches its drain loops on pool.
func NewSchedulerPair(pool ThreadPool, cfg PairConfig) *SchedulerPair {
	if pool == nil {
		panic("core: NewSchedulerPair requires a ThreadPool")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = runtime.NumCPU()
	}
	if cfg.MaxItemsPerTask <= 0 {
		cfg.MaxItemsPerTask = DefaultMaxItemsPerTask
	}
	handlers := (&TaskSchedulerConfig{
		PanicHandler:        cfg.PanicHandler,
		Metrics:             cfg.Metrics,
		RejectedTaskHandler: cfg.RejectedTaskHandler,
	}).withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = NewNoOpLogger()
	}

	p := &SchedulerPair{
		pool:                pool,
		maxConcurrency:      cfg.MaxConcurrency,
		maxItemsPerTask:     cfg.MaxItemsPerTask,
		panicHandler:        handlers.PanicHandler,
		metrics:             handlers.Metrics,
		rejectedTaskHandler: handlers.RejectedTaskHandler,
		logger:              cfg.Logger,
		concurrentQueue:     NewFIFOWorkQueue(),
		exclusiveQueue:      NewFIFOWorkQueue(),
		done:                make(chan struct{}),
	}
	p.concurrent = &pairLane{pair: p, exclusive: false, name: concurrentLaneName}
	p.exclusive = &pairLane{pair: p, exclusive: true, name: exclusiveLaneName}
	return p
}

// Concurrent returns the lane whose tasks may run in parallel.
func (p *SchedulerPair) Concurrent() TaskRunner { return p.concurrent }

// Exclusive returns the lane whose tasks run alone.
func (p *SchedulerPair) Exclusive() TaskRunner { return p.exclusive }

// MaxConcurrency returns the configured concurrency bound.
func (p *SchedulerPair) MaxConcurrency() int { return p.maxConcurrency }

func (p *SchedulerPair) post(task Task, exclusive bool) error {
	if task == nil {
		return errors.New("core: nil task")
	}
	lane := p.laneName(exclusive)

	p.mu.Lock()
	if p.completionRequested {
		p.mu.Unlock()
		p.rejected.Add(1)
		p.rejectedTaskHandler.HandleRejectedTask(lane, "pair completed")
		p.metrics.RecordTaskRejected(lane, "pair completed")
		return ErrPairCompleted
	}

	queue := p.concurrentQueue
	traits := TraitsUserVisible()
	if exclusive {
		queue = p.exclusiveQueue
		traits = TraitsUserBlocking()
	}
	queue.Push(task, traits)
	depth := queue.Len()

	leftovers, finished := p.dispatchLocked()
	p.mu.Unlock()

	p.metrics.RecordQueueDepth(lane, depth)
	p.finish(leftovers, finished)
	return nil
}

// dispatchLocked launches drain loops for waiting work and reports whether the
// pair just became complete. Must be called with mu held.
func (p *SchedulerPair) dispatchLocked() ([]WorkItem, bool) {
	if p.processingCount >= 0 {
		exclusiveWaiting := !p.exclusiveQueue.IsEmpty()

		if p.processingCount == 0 && exclusiveWaiting {
			p.processingCount = exclusiveProcessingSentinel
			if err := p.pool.PostInternal(p.drainExclusive, TraitsUserBlocking()); err != nil {
				p.processingCount = 0
				p.faultLocked(exclusiveLaneName, err)
			}
		} else if !exclusiveWaiting {
			waiting := p.concurrentQueue.Len()
			for launched := 0; p.processingCount < p.maxConcurrency && launched < waiting; launched++ {
				p.processingCount++
				if err := p.pool.PostInternal(p.drainConcurrent, TraitsUserVisible()); err != nil {
					p.processingCount--
					p.faultLocked(concurrentLaneName, err)
					break
				}
			}
		}
	}

	return p.completeIfReadyLocked()
}

func (p *SchedulerPair) faultLocked(lane string, err error) {
	p.faults = append(p.faults, fmt.Errorf("launch %s drain loop: %w", lane, err))
	p.completionRequested = true
	p.logger.Error("scheduler pair could not launch drain loop",
		F("lane", lane),
		F("error", err),
	)
}

// completeIfReadyLocked marks the pair complete once completion was requested,
// no loop is running and either the queues are empty or a launch fault means
// they can no longer be drained. Queued items left behind by a fault are
// returned so the caller can resolve them outside the lock.
func (p *SchedulerPair) completeIfReadyLocked() ([]WorkItem, bool) {
	if p.completed || !p.completionRequested || p.processingCount != 0 {
		return nil, false
	}

	faulted := len(p.faults) > 0
	if !faulted && (!p.concurrentQueue.IsEmpty() || !p.exclusiveQueue.IsEmpty()) {
		return nil, false
	}

	p.completed = true
	if !faulted {
		return nil, true
	}
	leftovers := append(p.exclusiveQueue.Drain(), p.concurrentQueue.Drain()...)
	return leftovers, true
}

// finish runs items abandoned by a fault with a canceled context, so nodes
// waiting in the queues observe cancellation and resolve, then fires the
// completion signal.
func (p *SchedulerPair) finish(leftovers []WorkItem, finished bool) {
	if !finished {
		return
	}
	if len(leftovers) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		for _, item := range leftovers {
			p.runItem(ctx, concurrentLaneName, item.Task)
		}
	}
	close(p.done)
}

func (p *SchedulerPair) drainExclusive(ctx context.Context) {
	runCtx := withTaskRunner(ctx, p.exclusive)
	for i := 0; i < p.maxItemsPerTask; i++ {
		item, ok := p.exclusiveQueue.Pop()
		if !ok {
			break
		}
		p.runItem(runCtx, exclusiveLaneName, item.Task)
	}

	p.mu.Lock()
	p.processingCount = 0
	leftovers, finished := p.dispatchLocked()
	p.mu.Unlock()

	p.finish(leftovers, finished)
}

func (p *SchedulerPair) drainConcurrent(ctx context.Context) {
	runCtx := withTaskRunner(ctx, p.concurrent)
	for i := 0; i < p.maxItemsPerTask; i++ {
		// Yield the slot as soon as a writer is waiting.
		if !p.exclusiveQueue.IsEmpty() {
			break
		}
		item, ok := p.concurrentQueue.Pop()
		if !ok {
			break
		}
		p.runItem(runCtx, concurrentLaneName, item.Task)
	}

	p.mu.Lock()
	p.processingCount--
	leftovers, finished := p.dispatchLocked()
	p.mu.Unlock()

	p.finish(leftovers, finished)
}

func (p *SchedulerPair) runItem(ctx context.Context, lane string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicHandler.HandlePanic(ctx, lane, "anonymous", r, debug.Stack())
			p.metrics.RecordTaskPanic(lane, r)
		}
	}()
	task(ctx)
}

// Complete stops the pair from accepting new work. The completion signal fires
// once both queues are empty and no drain loop is running.
func (p *SchedulerPair) Complete() {
	p.mu.Lock()
	p.completionRequested = true
	leftovers, finished := p.completeIfReadyLocked()
	p.mu.Unlock()

	p.finish(leftovers, finished)
}

// Completion returns a channel closed when the pair has fully quiesced.
func (p *SchedulerPair) Completion() <-chan struct{} {
	return p.done
}

// WaitCompletion blocks until the pair completes or ctx ends. It returns the
// launch faults captured by the pair, joined, or ctx's error.
func (p *SchedulerPair) WaitCompletion(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the captured launch faults, or nil.
func (p *SchedulerPair) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.faults...)
}

// Stats returns a snapshot of the pair's coordination state.
func (p *SchedulerPair) Stats() PairStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PairStats{
		ConcurrentQueued:    p.concurrentQueue.Len(),
		ExclusiveQueued:     p.exclusiveQueue.Len(),
		Processing:          p.processingCount,
		MaxConcurrency:      p.maxConcurrency,
		MaxItemsPerTask:     p.maxItemsPerTask,
		Rejected:            p.rejected.Load(),
		CompletionRequested: p.completionRequested,
		Completed:           p.completed,
		Faulted:             len(p.faults) > 0,
	}
}

func (p *SchedulerPair) laneName(exclusive bool) string {
	if exclusive {
		return exclusiveLaneName
	}
	return concurrentLaneName
}

// pairLane is one side of a SchedulerPair exposed as a TaskRunner.
type pairLane struct {
	pair      *SchedulerPair
	exclusive bool
	name      string
}

func (l *pairLane) PostTask(task Task) error { return l.pair.post(task, l.exclusive) }

func (l *pairLane) Name() string { return l.name }

// Stats reports the lane's view of the pair.
func (l *pairLane) Stats() RunnerStats {
	s := l.pair.Stats()
	st := RunnerStats{
		Name:     l.name,
		Type:     "pair",
		Rejected: s.Rejected,
		Closed:   s.CompletionRequested,
	}
	if l.exclusive {
		st.Pending = s.ExclusiveQueued
		if s.Processing == exclusiveProcessingSentinel {
			st.Running = 1
		}
	} else {
		st.Pending = s.ConcurrentQueued
		st.Running = max(s.Processing, 0)
	}
	return st
}
