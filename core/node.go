package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Runnable is the handle every node type implements. It covers composition,
// lifecycle and introspection; typed results are exposed by Resultful and data
// events by Streaming.
type Runnable interface {
	ID() TaskID
	Name() string
	Affinity() TaskAffinity
	State() NodeState
	Outcome() Outcome
	Successful() bool
	Err() error
	Errors() string
	Progress() Progress
	Done() <-chan struct{}
	Wait(ctx context.Context) error

	Then(next Runnable, opt RunOption) Runnable
	ThenTop(next Runnable, opt RunOption) Runnable
	Catch(handler func(error)) Runnable
	CatchRecover(handler func(error) bool) Runnable
	FinallyInline(handler func(success bool)) Runnable
	Finally(handler func(success bool, err error), opts ...Option) Runnable
	FinallyFunc(handler func(ctx context.Context, success bool, err error) error, opts ...Option) Runnable
	OnProgress(handler func(Progress)) Runnable
	OnStart(handler func(Runnable)) Runnable
	OnEnd(handler func(Runnable)) Runnable

	Start() error
	StartOn(custom TaskRunner) error
	RunSynchronously() error

	DependsOn() Runnable
	TopOfChain(onlyUnstarted bool) Runnable
	EndOfChain() Runnable
	IsChainExclusive() bool
	ChainNodes() []Runnable

	base() *task
}

// Resultful is a node with a typed result.
type Resultful[T any] interface {
	Runnable
	Result() T
}

// errPending is returned by a body whose node completes later through
// task.complete, such as a TaskQueue waiting for its members.
var errPending = errors.New("core: completion pending")

// input is the untyped form of Input handed to a node body.
type input struct {
	success bool
	value   any
	err     error
}

// task is the type-erased core shared by every node flavor.
type task struct {
	id        TaskID
	name      string
	affinity  TaskAffinity
	runner    TaskRunner
	callerCtx context.Context
	manager   *Manager
	self      Runnable
	exec      func(ctx context.Context, in input) (any, error)

	chainRef atomic.Pointer[chain]

	// Guarded by the chain mutex.
	slot    int
	decided bool
	routed  bool

	state atomic.Int32
	done  chan struct{}

	mu         sync.Mutex
	outcome    Outcome
	result     any
	progress   Progress
	onProgress []func(Progress)
	onStart    []func(Runnable)
	onEnd      []func(Runnable)
	custom     TaskRunner
	lane       string
	startedAt  time.Time
	finishedAt time.Time
	panicked   bool
}

func newTask(m *Manager, opts []Option) *task {
	if m == nil {
		panic("core: a node requires a manager")
	}
	o := nodeOptions{affinity: AffinityConcurrent}
	for _, opt := range opts {
		opt(&o)
	}

	t := &task{
		id:        GenerateTaskID(),
		name:      o.name,
		affinity:  o.affinity,
		runner:    o.runner,
		callerCtx: o.ctx,
		manager:   m,
		done:      make(chan struct{}),
	}
	if t.name == "" {
		t.name = "node-" + t.id.String()[:8]
	}
	t.progress = Progress{Node: t.id, Name: t.name}
	newChain(t)
	return t
}

func (t *task) base() *task { return t }

func (t *task) ID() TaskID             { return t.id }
func (t *task) Name() string           { return t.name }
func (t *task) Affinity() TaskAffinity { return t.affinity }
func (t *task) State() NodeState       { return NodeState(t.state.Load()) }
func (t *task) Done() <-chan struct{}  { return t.done }

func (t *task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Successful reports whether the node ended successfully or was recovered.
func (t *task) Successful() bool {
	return t.State() == StateSucceeded
}

// Err returns the failure of a node that did not succeed. It is nil for
// successful and recovered nodes, and for nodes that have not finished.
func (t *task) Err() error {
	if !t.State().Terminal() {
		return nil
	}
	out := t.Outcome()
	if out.Success {
		return nil
	}
	return out.Err
}

// Errors returns the failure message, or "" when there is none.
func (t *task) Errors() string {
	if err := t.Err(); err != nil {
		return err.Error()
	}
	return ""
}

func (t *task) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Wait blocks until the node is terminal and returns Err.
func (t *task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *task) resultValue() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *task) laneName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lane
}

func (t *task) customRunner() TaskRunner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.custom
}

// =============================================================================
// Composition
// =============================================================================

// Then links next after this node and returns next. Unless the chain of next
// is anchored with ThenTop, its true top is linked instead of next itself.
func (t *task) Then(next Runnable, opt RunOption) Runnable {
	t.link(next, opt, false)
	return next
}

// ThenTop links next itself after this node. next must not have an upstream.
func (t *task) ThenTop(next Runnable, opt RunOption) Runnable {
	t.link(next, opt, true)
	return next
}

func (t *task) link(next Runnable, opt RunOption, isTop bool) {
	if next == nil || next.base() == nil {
		panic("core: Then requires a non-nil continuation")
	}
	if opt < OnSuccess || opt > OnAlways {
		panic(fmt.Sprintf("core: invalid run option %d", int(opt)))
	}

	n := next.base()
	if !isTop {
		c := lockChain(n)
		n = c.root(n)
		c.mu.Unlock()
	}

	ca, cb := lockPair(t, n)
	unlock := func() {
		cb.mu.Unlock()
		if ca != cb {
			ca.mu.Unlock()
		}
	}
	switch {
	case ca == cb:
		unlock()
		panic(fmt.Sprintf("core: linking %s after %s would create a cycle", n.name, t.name))
	case cb.links[n.slot].dependsOn != noSlot:
		unlock()
		panic(fmt.Sprintf("core: %s already depends on another node", n.name))
	case n.State() != StateNotStarted:
		unlock()
		panic(fmt.Sprintf("core: %s has already been scheduled", n.name))
	case ca.links[t.slot].next[opt] != noSlot:
		unlock()
		panic(fmt.Sprintf("core: %s already has an %s continuation", t.name, opt))
	}

	decided, routed := t.decided, t.routed
	// An ended chain has fired its handler set. Handlers of a sub-chain
	// joining it are held apart and fire with the late continuation.
	var late lateFinals
	if decided && ca.ended {
		late = lateFinals{handlers: cb.finals, end: ca.end}
		cb.finals = nil
	}
	ca.absorb(cb)
	ca.links[t.slot].next[opt] = n.slot
	ca.links[n.slot].dependsOn = t.slot
	unlock()

	if decided {
		t.lateContinuation(n, opt, routed, late)
	}
}

// lateFinals are the FinallyInline handlers of a sub-chain linked after its
// new chain ended, with the node that chain ended on.
type lateFinals struct {
	handlers []func(end *task)
	end      *task
}

// lateContinuation resolves a continuation linked after terminal handling of
// t already ran: it is dispatched when the outcome of t selects it and no
// other continuation was taken, and skipped otherwise.
func (t *task) lateContinuation(n *task, opt RunOption, routed bool, late lateFinals) {
	<-t.done

	out := t.Outcome()
	take := !routed && t.State() != StateSkipped
	if take {
		switch opt {
		case OnSuccess:
			take = out.Success
		case OnFailure:
			take = !out.Success
		}
	}

	if take {
		if late.end != nil {
			// Reopen the chain so the end of the new path fires them.
			c := lockChain(n)
			c.ended = false
			c.end = nil
			c.finals = late.handlers
			c.mu.Unlock()
		}
		n.dispatch(t.customRunner())
		return
	}

	c := lockChain(n)
	skipped := c.subtree(n, nil)
	for _, s := range skipped {
		s.decided = true
	}
	c.mu.Unlock()
	for _, s := range skipped {
		s.skip(Outcome{Err: ErrSkipped})
	}
	for _, f := range late.handlers {
		t.guard("finally", func() { f(late.end) })
	}
}

// Catch registers a handler invoked for every body failure in the chain. It
// never recovers the failure.
func (t *task) Catch(handler func(error)) Runnable {
	if handler == nil {
		return t.self
	}
	return t.CatchRecover(func(err error) bool {
		handler(err)
		return false
	})
}

// CatchRecover registers a handler invoked for every body failure in the
// chain. Returning true marks the failure recovered and the node successful.
func (t *task) CatchRecover(handler func(error) bool) Runnable {
	if handler == nil {
		return t.self
	}
	c := lockChain(t)
	c.catches = append(c.catches, handler)
	c.mu.Unlock()
	return t.self
}

// FinallyInline registers a handler that runs once, on the goroutine of the
// node where the executed path of the chain ends. On a chain that has already
// ended it runs immediately.
func (t *task) FinallyInline(handler func(success bool)) Runnable {
	if handler == nil {
		return t.self
	}
	final := func(end *task) { handler(end.Outcome().Success) }

	c := lockChain(t)
	if c.ended {
		end := c.end
		c.mu.Unlock()
		t.guard("finally", func() { final(end) })
		return t.self
	}
	c.finals = append(c.finals, final)
	c.mu.Unlock()
	return t.self
}

// Finally appends a scheduled node to EndOfChain as its OnAlways
// continuation. An upstream failure is passed on unchanged after handler
// returns. The node does not run on every path: when the end node also has an
// OnFailure continuation, a failure takes that branch and the Finally node is
// skipped. On a chain that already ended the node runs at once, after the
// chain's FinallyInline handlers.
func (t *task) Finally(handler func(success bool, err error), opts ...Option) Runnable {
	return t.FinallyFunc(func(_ context.Context, success bool, err error) error {
		handler(success, err)
		return err
	}, opts...)
}

// FinallyFunc is Finally with a context and an error result. Returning the
// upstream error passes it on without running catch handlers again; returning
// nil clears it.
func (t *task) FinallyFunc(handler func(ctx context.Context, success bool, err error) error, opts ...Option) Runnable {
	if handler == nil {
		panic("core: Finally requires a handler")
	}
	opts = append([]Option{WithName(t.name + ".finally"), WithAffinity(AffinityNone)}, opts...)
	node := New[any, None](t.manager, func(ctx context.Context, in Input[any]) (None, error) {
		var upstream error
		if !in.Success {
			upstream = in.Err
		}
		err := handler(ctx, in.Success, upstream)
		if err != nil && upstream != nil && errors.Is(err, upstream) {
			return None{}, propagate(err)
		}
		return None{}, err
	}, opts...)

	t.EndOfChain().ThenTop(node, OnAlways)
	return node
}

// OnProgress subscribes to progress updates of this node.
func (t *task) OnProgress(handler func(Progress)) Runnable {
	if handler != nil {
		t.mu.Lock()
		t.onProgress = append(t.onProgress, handler)
		t.mu.Unlock()
	}
	return t.self
}

// OnStart registers a handler run on the lane just before the body.
func (t *task) OnStart(handler func(Runnable)) Runnable {
	if handler != nil {
		t.mu.Lock()
		t.onStart = append(t.onStart, handler)
		t.mu.Unlock()
	}
	return t.self
}

// OnEnd registers a handler run once the node is terminal, including when it
// is skipped. Done is closed after every OnEnd handler has returned. On a
// terminal node the handler runs immediately.
func (t *task) OnEnd(handler func(Runnable)) Runnable {
	if handler == nil {
		return t.self
	}
	t.mu.Lock()
	if !t.State().Terminal() {
		t.onEnd = append(t.onEnd, handler)
		t.mu.Unlock()
		return t.self
	}
	t.mu.Unlock()
	t.guard("end", func() { handler(t.self) })
	return t.self
}

// =============================================================================
// Traversal
// =============================================================================

func (t *task) DependsOn() Runnable {
	c := lockChain(t)
	up := c.dependsOn(t)
	c.mu.Unlock()
	if up == nil {
		return nil
	}
	return up.self
}

// TopOfChain returns the root of the chain. With onlyUnstarted it returns nil
// as soon as any node between this one and the root has been launched.
func (t *task) TopOfChain(onlyUnstarted bool) Runnable {
	if top := t.topOfChain(onlyUnstarted); top != nil {
		return top.self
	}
	return nil
}

func (t *task) topOfChain(onlyUnstarted bool) *task {
	c := lockChain(t)
	defer c.mu.Unlock()

	cur := t
	for {
		if onlyUnstarted && cur.State() != StateNotStarted {
			return nil
		}
		up := c.dependsOn(cur)
		if up == nil {
			return cur
		}
		cur = up
	}
}

func (t *task) EndOfChain() Runnable {
	c := lockChain(t)
	end := c.endOf(t)
	c.mu.Unlock()
	return end.self
}

// IsChainExclusive reports whether this node or any node above it runs on
// the exclusive lane.
func (t *task) IsChainExclusive() bool {
	c := lockChain(t)
	defer c.mu.Unlock()
	for cur := t; cur != nil; cur = c.dependsOn(cur) {
		if cur.affinity == AffinityExclusive {
			return true
		}
	}
	return false
}

// ChainNodes returns every node of the chain, each after its dependency.
func (t *task) ChainNodes() []Runnable {
	c := lockChain(t)
	ordered, err := c.order()
	c.mu.Unlock()
	if err != nil {
		panic(fmt.Sprintf("core: chain of %s is not acyclic: %v", t.name, err))
	}

	out := make([]Runnable, 0, len(ordered))
	for _, n := range ordered {
		out = append(out, n.self)
	}
	return out
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start schedules the top of the chain. It is a no-op once the chain has been
// launched. A scheduling failure is returned and leaves the chain unstarted.
func (t *task) Start() error {
	return t.StartOn(nil)
}

// StartOn is Start with the runner used for Custom-affinity nodes that were
// not given one with WithRunner. Continuations inherit it.
func (t *task) StartOn(custom TaskRunner) error {
	top := t.topOfChain(true)
	if top == nil {
		return nil
	}
	if cause := top.canceled(); cause != nil {
		if top.claim() {
			top.finish(Outcome{Err: canceledError(cause), Canceled: true}, nil)
		}
		return canceledError(cause)
	}
	return top.submit(custom)
}

// RunSynchronously runs the body on the calling goroutine and returns once the
// node is terminal. Continuations are dispatched to their lanes as usual.
func (t *task) RunSynchronously() error {
	if !t.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return fmt.Errorf("run %s synchronously: node is %s", t.name, t.State())
	}
	if cause := t.canceled(); cause != nil {
		t.finish(Outcome{Err: canceledError(cause), Canceled: true}, nil)
		return t.Err()
	}
	t.run("synchronous", nil)
	<-t.done
	return t.Err()
}

func (t *task) submit(custom TaskRunner) error {
	m := t.manager
	if m.IsDisposed() {
		return ErrManagerDisposed
	}
	if t.runner != nil {
		custom = t.runner
	}
	runner, err := m.router.RunnerFor(t.affinity, custom)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", t.name, err)
	}

	if !t.state.CompareAndSwap(int32(StateNotStarted), int32(StateScheduled)) {
		return nil
	}
	t.mu.Lock()
	t.custom = custom
	t.lane = runner.Name()
	t.mu.Unlock()

	if err := runner.PostTask(func(ctx context.Context) { t.execute(ctx, runner) }); err != nil {
		t.state.CompareAndSwap(int32(StateScheduled), int32(StateNotStarted))
		return fmt.Errorf("schedule %s on %s: %w", t.name, runner.Name(), err)
	}
	return nil
}

// dispatch schedules a continuation. When that is impossible the node is
// completed in place, so terminal handling keeps flowing down the chain.
func (t *task) dispatch(custom TaskRunner) {
	if cause := t.canceled(); cause != nil {
		if t.claim() {
			t.finish(Outcome{Err: canceledError(cause), Canceled: true}, nil)
		}
		return
	}
	if err := t.submit(custom); err != nil {
		t.manager.logger.Warn("continuation dispatch failed",
			F("task", t.name),
			F("affinity", t.affinity.String()),
			F("error", err),
		)
		if t.claim() {
			t.finish(Outcome{Err: err}, nil)
		}
	}
}

func (t *task) claim() bool {
	return t.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) ||
		t.state.CompareAndSwap(int32(StateScheduled), int32(StateRunning))
}

// canceled returns the cancellation cause of the manager or the caller
// context, or nil.
func (t *task) canceled() error {
	if err := t.manager.ctx.Err(); err != nil {
		return context.Cause(t.manager.ctx)
	}
	if t.callerCtx != nil && t.callerCtx.Err() != nil {
		return context.Cause(t.callerCtx)
	}
	return nil
}

// bodyContext derives the context a body runs with. It is canceled when the
// manager or the caller context is, and released once the body is done.
func (t *task) bodyContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(t.manager.ctx)
	stop := func() bool { return false }
	if t.callerCtx != nil {
		caller := t.callerCtx
		stop = context.AfterFunc(caller, func() { cancel(context.Cause(caller)) })
	}
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

func (t *task) execute(ctx context.Context, runner TaskRunner) {
	if !t.state.CompareAndSwap(int32(StateScheduled), int32(StateRunning)) {
		return
	}
	cause := t.canceled()
	if cause == nil && ctx.Err() != nil {
		cause = context.Cause(ctx)
	}
	if cause != nil {
		t.finish(Outcome{Err: canceledError(cause), Canceled: true}, nil)
		return
	}
	t.run(runner.Name(), runner)
}

func (t *task) run(lane string, runner TaskRunner) {
	ctx, release := t.bodyContext()
	defer release()
	if runner != nil {
		ctx = withTaskRunner(ctx, runner)
	}

	t.mu.Lock()
	t.lane = lane
	t.startedAt = time.Now()
	t.progress.Value, t.progress.Total = 0, 100
	p := t.progress
	progressHandlers := slices.Clone(t.onProgress)
	startHandlers := slices.Clone(t.onStart)
	t.mu.Unlock()

	t.manager.nodeStarted(t)
	t.publishProgress(p, progressHandlers)
	for _, h := range startHandlers {
		t.guard("start", func() { h(t.self) })
	}

	result, err := t.invoke(ctx, t.input())
	if errors.Is(err, errPending) {
		return
	}
	t.complete(result, err)
}

func (t *task) input() input {
	c := lockChain(t)
	up := c.dependsOn(t)
	c.mu.Unlock()
	if up == nil {
		return input{success: true}
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	in := input{success: up.outcome.Success, value: up.result}
	if !up.outcome.Success {
		in.err = up.outcome.Err
	}
	return in
}

func (t *task) invoke(ctx context.Context, in input) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			t.mu.Lock()
			t.panicked = true
			t.mu.Unlock()
			t.manager.reportPanic(ctx, t, rec, stack)
			result, err = nil, &PanicError{Value: rec, Stack: stack}
		}
	}()
	return t.exec(ctx, in)
}

// complete turns a body result into an outcome and finishes the node.
func (t *task) complete(result any, err error) {
	out := Outcome{Success: err == nil, Err: err}

	var p *propagatedError
	switch {
	case err == nil:
	case errors.As(err, &p):
		out.Err = p.err
		out.Canceled = errors.Is(p.err, ErrCanceled)
	case t.isCancellation(err):
		out.Canceled = true
		if !errors.Is(err, ErrCanceled) {
			out.Err = canceledError(err)
		}
	default:
		if t.runCatches(err) {
			out.Success = true
			out.Recovered = true
		}
	}
	t.finish(out, result)
}

func (t *task) isCancellation(err error) bool {
	if errors.Is(err, ErrCanceled) {
		return true
	}
	return t.canceled() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// runCatches invokes every chain catch handler in registration order and
// reports whether any of them recovered err.
func (t *task) runCatches(err error) bool {
	c := lockChain(t)
	handlers := slices.Clone(c.catches)
	c.mu.Unlock()

	recovered := false
	for _, h := range handlers {
		t.guard("catch", func() {
			if h(err) {
				recovered = true
			}
		})
	}
	return recovered
}

// finish records the terminal outcome and runs terminal handling. Callers
// hold the Running claim, so it runs once per node.
func (t *task) finish(out Outcome, result any) {
	state := StateSucceeded
	if !out.Success {
		state = StateFailed
	}

	t.mu.Lock()
	t.outcome = out
	t.result = result
	t.finishedAt = time.Now()
	t.progress.Value, t.progress.Total = 100, 100
	p := t.progress
	progressHandlers := slices.Clone(t.onProgress)
	endHandlers := slices.Clone(t.onEnd)
	t.state.Store(int32(state))
	t.mu.Unlock()

	t.publishProgress(p, progressHandlers)
	t.manager.nodeFinished(t, state)
	for _, h := range endHandlers {
		t.guard("end", func() { h(t.self) })
	}
	close(t.done)

	t.continueChain(out)
}

// continueChain picks the continuation for out, resolves the branches that
// will never run, and either dispatches the continuation or, at the end of
// the executed path, fires the chain's inline finally handlers.
func (t *task) continueChain(out Outcome) {
	c := lockChain(t)
	target, bypassed, skipped := c.route(t, out)
	t.decided = true
	t.routed = target != nil
	for _, n := range bypassed {
		n.decided = true
	}
	for _, n := range skipped {
		n.decided = true
	}

	var finals []func(*task)
	if target == nil && !c.ended {
		c.ended = true
		c.end = t
		finals = slices.Clone(c.finals)
	}
	c.mu.Unlock()

	carried := Outcome{Err: out.Err, Canceled: out.Canceled}
	for _, n := range bypassed {
		n.skip(carried)
	}
	for _, n := range skipped {
		n.skip(Outcome{Err: ErrSkipped})
	}

	if target != nil {
		target.dispatch(t.customRunner())
		return
	}
	for _, f := range finals {
		t.guard("finally", func() { f(t) })
	}
}

// skip resolves a node whose body will never run.
func (t *task) skip(out Outcome) {
	t.mu.Lock()
	if !t.state.CompareAndSwap(int32(StateNotStarted), int32(StateSkipped)) {
		t.mu.Unlock()
		return
	}
	t.outcome = out
	t.finishedAt = time.Now()
	endHandlers := slices.Clone(t.onEnd)
	t.mu.Unlock()

	t.manager.nodeFinished(t, StateSkipped)
	for _, h := range endHandlers {
		t.guard("end", func() { h(t.self) })
	}
	close(t.done)
}

// =============================================================================
// Progress
// =============================================================================

func (t *task) reportProgress(value, total int64, message string) {
	t.mu.Lock()
	if t.State().Terminal() {
		t.mu.Unlock()
		return
	}
	t.progress.Value = value
	t.progress.Total = total
	t.progress.Message = message
	p := t.progress
	handlers := slices.Clone(t.onProgress)
	t.mu.Unlock()

	t.publishProgress(p, handlers)
}

func (t *task) publishProgress(p Progress, handlers []func(Progress)) {
	for _, h := range handlers {
		t.guard("progress", func() { h(p) })
	}
}

// guard runs a user handler and reports a panic instead of unwinding the lane.
func (t *task) guard(kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			t.manager.handlerPanicked(t, kind, rec, debug.Stack())
		}
	}()
	fn()
}

// record returns the history record of a terminal node.
func (t *task) record(state NodeState) TaskExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := TaskExecutionRecord{
		TaskID:     t.id,
		Name:       t.name,
		LaneName:   t.lane,
		Affinity:   t.affinity,
		State:      state,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
		Panicked:   t.panicked,
	}
	if !t.startedAt.IsZero() {
		rec.Duration = t.finishedAt.Sub(t.startedAt)
	}
	if t.outcome.Err != nil {
		rec.Err = t.outcome.Err.Error()
	}
	return rec
}
