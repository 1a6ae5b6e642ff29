package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	core "github.com/Swind/go-task-chain/core"
)

// TestNode_CatchRecover verifies catch suppression
// Given: A.CatchRecover returning true and an OnSuccess continuation B
// When: A's body fails
// Then: A is successful and recovered, keeps its error in the outcome, and B
// runs with a successful input
func TestNode_CatchRecover(t *testing.T) {
	// Arrange
	m := newTestManager(t, 2)
	boom := errors.New("boom")
	a := core.NewAction(m, func(ctx context.Context, _ bool) error { return boom })
	var caught error
	a.CatchRecover(func(err error) bool {
		caught = err
		return true
	})
	var bInput atomic.Bool
	b := core.NewAction(m, func(ctx context.Context, success bool) error {
		bInput.Store(success)
		return nil
	})
	a.Then(b, core.OnSuccess)

	// Act
	_ = a.Start()
	waitDone(t, b)

	// Assert
	if !errors.Is(caught, boom) {
		t.Fatalf("caught = %v, want boom", caught)
	}
	out := a.Outcome()
	if !a.Successful() || !out.Recovered || !errors.Is(out.Err, boom) {
		t.Fatalf("A outcome = %+v, want recovered success keeping boom", out)
	}
	if a.Err() != nil {
		t.Fatalf("A.Err() = %v, want nil for a recovered node", a.Err())
	}
	if !bInput.Load() || b.State() != core.StateSucceeded {
		t.Fatalf("B input success = %v, state = %s, want true, succeeded", bInput.Load(), b.State())
	}
}

// TestNode_CatchCoversWholeChain verifies handler propagation
// Given: A catch registered on B before B was linked below A, and a second
// catch registered on A afterwards
// When: A fails
// Then: Both handlers run in registration order and the failure still
// propagates, because neither recovers it
func TestNode_CatchCoversWholeChain(t *testing.T) {
	// Arrange
	m := newTestManager(t, 2)
	a := core.NewAction(m, func(ctx context.Context, _ bool) error { return errors.New("boom") })
	b := core.NewAction(m, func(ctx context.Context, _ bool) error { return nil })
	var mu sync.Mutex
	var calls []string
	b.Catch(func(error) { mu.Lock(); calls = append(calls, "downstream"); mu.Unlock() })
	a.Then(b, core.OnSuccess)
	a.Catch(func(error) { mu.Lock(); calls = append(calls, "upstream"); mu.Unlock() })
	final := finallySignal(b)

	// Act
	_ = a.Start()
	success := waitFinally(t, final)

	// Assert
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] != "downstream" || calls[1] != "upstream" {
		t.Fatalf("calls = %v, want [downstream upstream]", calls)
	}
	if success || a.Successful() {
		t.Fatalf("chain success = %v, A successful = %v, want false", success, a.Successful())
	}
	if b.State() != core.StateSkipped || b.Errors() != "boom" {
		t.Fatalf("B = %s %q, want skipped carrying boom", b.State(), b.Errors())
	}
}

// TestNode_PanicBecomesFailure verifies a panicking body fails its node
func TestNode_PanicBecomesFailure(t *testing.T) {
	handler := &recordingPanicHandler{}
	cfg := core.DefaultManagerConfig()
	cfg.MaxConcurrency = 2
	cfg.PanicHandler = handler
	m := newTestManagerWithConfig(t, cfg)

	n := core.NewAction(m, func(ctx context.Context, _ bool) error { panic("kaboom") }, core.WithName("explosive"))
	var caught error
	n.Catch(func(err error) { caught = err })

	_ = n.Start()
	waitDone(t, n)

	var panicErr *core.PanicError
	if !errors.As(n.Err(), &panicErr) || panicErr.Value != "kaboom" {
		t.Fatalf("Err() = %v, want *PanicError with kaboom", n.Err())
	}
	if !errors.Is(caught, n.Err()) {
		t.Fatalf("catch handler got %v, want the panic error", caught)
	}
	if names := handler.Names(); len(names) != 1 || names[0] != "explosive" {
		t.Fatalf("panic handler names = %v, want [explosive]", names)
	}
	if rec, ok := m.LastTask(); !ok || !rec.Panicked {
		t.Fatalf("LastTask() = %+v, want a panicked record", rec)
	}
}

// TestNode_HandlerPanicIsContained verifies a panicking handler does not
// break terminal handling
func TestNode_HandlerPanicIsContained(t *testing.T) {
	handler := &recordingPanicHandler{}
	cfg := core.DefaultManagerConfig()
	cfg.MaxConcurrency = 2
	cfg.PanicHandler = handler
	m := newTestManagerWithConfig(t, cfg)

	a := core.NewAction(m, func(ctx context.Context, _ bool) error { return errors.New("boom") }, core.WithName("a"))
	a.Catch(func(error) { panic("handler bug") })
	recovered := atomic.Bool{}
	a.CatchRecover(func(error) bool { recovered.Store(true); return true })

	_ = a.Start()
	waitDone(t, a)

	if !recovered.Load() || !a.Successful() {
		t.Fatalf("later handler ran = %v, A successful = %v, want true, true", recovered.Load(), a.Successful())
	}
	if names := handler.Names(); len(names) != 1 || names[0] != "a.catch" {
		t.Fatalf("panic handler names = %v, want [a.catch]", names)
	}
}

// TestNode_FinallyOrdering verifies Finally and FinallyInline semantics
// Given: A chain A -> B with an appended Finally node and an inline handler
// When: The chain succeeds, fails, or is canceled before it starts
// Then: The Finally node runs in every case, the inline handler runs exactly
// once after it, and a failure still surfaces on the Finally node
func TestNode_FinallyOrdering(t *testing.T) {
	cases := []struct {
		name        string
		aErr        error
		cancelFirst bool
		wantSuccess bool
	}{
		{name: "success", wantSuccess: true},
		{name: "failure", aErr: errors.New("boom")},
		{name: "canceled", cancelFirst: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			m := newTestManager(t, 2)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a := core.NewAction(m, func(ctx context.Context, _ bool) error { return tc.aErr }, core.WithContext(ctx))
			b := core.NewAction(m, func(ctx context.Context, _ bool) error { return nil })
			a.Then(b, core.OnSuccess)

			var finallyCalls atomic.Int32
			var finallyErr error
			fin := a.Finally(func(success bool, err error) {
				finallyCalls.Add(1)
				finallyErr = err
			})

			var inlineCalls atomic.Int32
			var finDoneAtInline atomic.Bool
			inline := make(chan bool, 4)
			b.FinallyInline(func(success bool) {
				inlineCalls.Add(1)
				finDoneAtInline.Store(fin.State().Terminal())
				inline <- success
			})

			// Act
			if tc.cancelFirst {
				cancel()
			}
			startErr := a.Start()
			success := waitFinally(t, inline)

			// Assert
			if tc.cancelFirst && !errors.Is(startErr, core.ErrCanceled) {
				t.Fatalf("Start() error = %v, want ErrCanceled", startErr)
			}
			if !finDoneAtInline.Load() {
				t.Fatalf("inline handler ran before the Finally node finished")
			}
			if finallyCalls.Load() != 1 || inlineCalls.Load() != 1 {
				t.Fatalf("calls = finally %d, inline %d, want 1 each", finallyCalls.Load(), inlineCalls.Load())
			}
			if success != tc.wantSuccess || fin.Successful() != tc.wantSuccess {
				t.Fatalf("inline success = %v, Finally successful = %v, want %v", success, fin.Successful(), tc.wantSuccess)
			}
			if tc.aErr != nil && !errors.Is(finallyErr, tc.aErr) {
				t.Fatalf("Finally err = %v, want %v", finallyErr, tc.aErr)
			}
			if tc.aErr != nil && !errors.Is(fin.Err(), tc.aErr) {
				t.Fatalf("Finally node Err() = %v, want the upstream failure", fin.Err())
			}
			if tc.cancelFirst && !a.Outcome().Canceled {
				t.Fatalf("A outcome = %+v, want canceled", a.Outcome())
			}
		})
	}
}

// TestNode_FinallyFuncClearsFailure verifies a Finally handler can absorb
// the upstream failure
func TestNode_FinallyFuncClearsFailure(t *testing.T) {
	m := newTestManager(t, 2)
	a := core.NewAction(m, func(ctx context.Context, _ bool) error { return errors.New("boom") })
	var catches atomic.Int32
	a.Catch(func(error) { catches.Add(1) })

	fin := a.FinallyFunc(func(ctx context.Context, success bool, err error) error {
		return nil
	}, core.WithName("cleanup"))

	_ = a.Start()
	waitDone(t, fin)

	if fin.Name() != "cleanup" || !fin.Successful() {
		t.Fatalf("Finally node %s successful = %v, want cleanup, true", fin.Name(), fin.Successful())
	}
	if catches.Load() != 1 {
		t.Fatalf("catch calls = %d, want 1", catches.Load())
	}
}

// TestNode_FinallyInlineAfterEnd verifies late registration fires at once
func TestNode_FinallyInlineAfterEnd(t *testing.T) {
	m := newTestManager(t, 2)
	a := core.NewAction(m, func(ctx context.Context, _ bool) error { return nil })
	first := finallySignal(a)
	_ = a.Start()
	waitFinally(t, first)

	var got atomic.Int32
	a.FinallyInline(func(success bool) {
		if success {
			got.Store(1)
		}
	})

	if got.Load() != 1 {
		t.Fatalf("late FinallyInline did not run immediately with success")
	}
}

// TestNode_ProgressAndEvents verifies progress pinning and lifecycle events
// Given: A node that reports 50/100 from its body
// When: It runs
// Then: Subscribers see 0/100, 50/100, then 100/100, and OnStart and OnEnd
// fire around the body
func TestNode_ProgressAndEvents(t *testing.T) {
	// Arrange
	m := newTestManager(t, 2)
	n := core.New[core.None, core.None](m, func(ctx context.Context, in core.Input[core.None]) (core.None, error) {
		in.Report(50, 100, "half")
		return core.None{}, nil
	})
	var mu sync.Mutex
	var events []string
	var updates []core.Progress
	n.OnProgress(func(p core.Progress) { mu.Lock(); updates = append(updates, p); mu.Unlock() })
	n.OnStart(func(core.Runnable) { mu.Lock(); events = append(events, "start"); mu.Unlock() })
	n.OnEnd(func(r core.Runnable) {
		mu.Lock()
		events = append(events, "end:"+r.State().String())
		mu.Unlock()
	})

	// Act
	_ = n.Start()
	waitDone(t, n)

	// Assert
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 3 {
		t.Fatalf("progress updates = %+v, want 3", updates)
	}
	if updates[0].Value != 0 || updates[1].Value != 50 || updates[1].Message != "half" || updates[2].Value != 100 {
		t.Fatalf("progress updates = %+v, want 0, 50 (half), 100", updates)
	}
	if updates[1].Percent() != 50 {
		t.Fatalf("Percent() = %v, want 50", updates[1].Percent())
	}
	if len(events) != 2 || events[0] != "start" || events[1] != "end:succeeded" {
		t.Fatalf("events = %v, want [start end:succeeded]", events)
	}

	var late atomic.Bool
	n.OnEnd(func(core.Runnable) { late.Store(true) })
	if !late.Load() {
		t.Fatalf("OnEnd on a terminal node did not run immediately")
	}
}

func TestProgress_PercentClamps(t *testing.T) {
	cases := []struct {
		p    core.Progress
		want float64
	}{
		{core.Progress{Value: 5, Total: 0}, 0},
		{core.Progress{Value: -5, Total: 10}, 0},
		{core.Progress{Value: 25, Total: 10}, 100},
		{core.Progress{Value: 1, Total: 4}, 25},
		{core.Progress{Value: 7, Total: core.IndeterminateTotal}, 0},
	}
	for _, tc := range cases {
		if got := tc.p.Percent(); got != tc.want {
			t.Fatalf("Percent(%+v) = %v, want %v", tc.p, got, tc.want)
		}
	}
	if !(core.Progress{Total: core.IndeterminateTotal}).Indeterminate() || (core.Progress{Total: 10}).Indeterminate() {
		t.Fatalf("Indeterminate() does not follow IndeterminateTotal")
	}
}

// TestNode_FinallyInlineOnLateLinkedChain verifies joined handlers still fire
// Given: A finished chain A, and B with its own FinallyInline handler
// When: B is linked after A on OnSuccess
// Then: B runs and its handler fires exactly once, after B
func TestNode_FinallyInlineOnLateLinkedChain(t *testing.T) {
	// Arrange
	m := newTestManager(t, 2)
	a := core.NewAction(m, func(ctx context.Context, _ bool) error { return nil })
	aFinal := finallySignal(a)
	_ = a.Start()
	waitDone(t, a)
	waitFinally(t, aFinal)

	var bRan atomic.Bool
	b := core.NewAction(m, func(ctx context.Context, _ bool) error {
		bRan.Store(true)
		return nil
	})
	var calls atomic.Int32
	fired := make(chan bool, 4)
	b.FinallyInline(func(success bool) {
		calls.Add(1)
		fired <- bRan.Load() && success
	})

	// Act
	a.Then(b, core.OnSuccess)
	waitDone(t, b)
	afterB := waitFinally(t, fired)

	// Assert
	if !afterB {
		t.Fatalf("handler fired before B finished or with a failure")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("FinallyInline calls = %d, want 1", got)
	}
	if len(aFinal) != 0 {
		t.Fatalf("A's handler fired again")
	}
}

// TestNode_FinallyInlineOnLateSkippedChain verifies joined handlers of a
// skipped sub-chain
// Given: A finished successfully, and B with its own FinallyInline handler
// When: B is linked after A on OnFailure
// Then: B is skipped and its handler fires once with A's success
func TestNode_FinallyInlineOnLateSkippedChain(t *testing.T) {
	// Arrange
	m := newTestManager(t, 2)
	a := core.NewAction(m, func(ctx context.Context, _ bool) error { return nil })
	_ = a.Start()
	waitDone(t, a)

	b := core.NewAction(m, func(ctx context.Context, _ bool) error { return nil })
	var calls atomic.Int32
	b.FinallyInline(func(bool) { calls.Add(1) })
	final := finallySignal(b)

	// Act
	a.Then(b, core.OnFailure)
	success := waitFinally(t, final)

	// Assert
	if b.State() != core.StateSkipped {
		t.Fatalf("B state = %s, want skipped", b.State())
	}
	if !success || calls.Load() != 1 {
		t.Fatalf("handler success = %v, calls = %d, want true, 1", success, calls.Load())
	}
}

// TestNode_FinallySkippedByFailureBranch verifies OnFailure precedence
// Given: End node A with an OnFailure continuation F and a Finally node
// When: A fails
// Then: F runs and the Finally node is skipped
func TestNode_FinallySkippedByFailureBranch(t *testing.T) {
	// Arrange
	m := newTestManager(t, 2)
	a := core.NewAction(m, func(ctx context.Context, _ bool) error { return errors.New("boom") })
	var handled, finallyRan atomic.Bool
	f := core.NewAction(m, func(ctx context.Context, _ bool) error {
		handled.Store(true)
		return nil
	})
	fin := a.Finally(func(bool, error) { finallyRan.Store(true) })
	a.Then(f, core.OnFailure)

	// Act
	_ = a.Start()
	waitDone(t, f)
	waitDone(t, fin)

	// Assert
	if !handled.Load() {
		t.Fatalf("OnFailure continuation did not run")
	}
	if finallyRan.Load() || fin.State() != core.StateSkipped {
		t.Fatalf("Finally ran = %v, state = %s, want skipped", finallyRan.Load(), fin.State())
	}
}
