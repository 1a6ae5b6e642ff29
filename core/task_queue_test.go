package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	core "github.com/Swind/go-task-chain/core"
)

func constNode(m *core.Manager, v int, err error) *core.Node[core.None, int] {
	return core.NewFunc[int](m, func(ctx context.Context, _ bool) (int, error) { return v, err })
}

// TestTaskQueue_AllSucceed verifies aggregate success
// Given: A queue of three members, one of them exclusive
// When: The queue is started
// Then: It succeeds with the members' results in queue order and reports
// per-member progress
func TestTaskQueue_AllSucceed(t *testing.T) {
	// Arrange
	m := newTestManager(t, 1)
	q := core.NewTaskQueue[int](m)
	q.Queue(constNode(m, 1, nil)).
		Queue(core.NewFunc[int](m, func(ctx context.Context, _ bool) (int, error) { return 2, nil }, core.WithAffinity(core.AffinityExclusive))).
		Queue(constNode(m, 3, nil))
	var mu sync.Mutex
	var totals []int64
	q.OnProgress(func(p core.Progress) { mu.Lock(); totals = append(totals, p.Total); mu.Unlock() })

	// Act
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, q)

	// Assert
	if !q.Successful() {
		t.Fatalf("Successful() = false, Err() = %v", q.Err())
	}
	got := q.Result()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("Result() = %v, want [1 2 3]", got)
	}
	for _, member := range q.Members() {
		if !member.State().Terminal() {
			t.Fatalf("member %s is %s after the queue finished", member.Name(), member.State())
		}
	}
	mu.Lock()
	defer mu.Unlock()
	perMember := 0
	for _, total := range totals {
		if total == 3 {
			perMember++
		}
	}
	if perMember != 2 {
		t.Fatalf("progress totals = %v, want two per-member updates", totals)
	}
}

// TestTaskQueue_FirstFailureWins verifies aggregate failure
// Given: A queue where one member fails and another succeeds
// When: The queue finishes
// Then: It fails with the member's error, and each member stays inspectable
func TestTaskQueue_FirstFailureWins(t *testing.T) {
	// Arrange
	m := newTestManager(t, 2)
	boom := errors.New("boom")
	good, bad := constNode(m, 1, nil), constNode(m, 0, boom)
	q := core.NewTaskQueue[int](m, core.WithName("batch"))
	q.Queue(good).Queue(bad)
	final := finallySignal(q)

	// Act
	_ = q.Start()
	success := waitFinally(t, final)

	// Assert
	if success || q.Successful() {
		t.Fatalf("queue success = %v, want false", success)
	}
	if !errors.Is(q.Err(), boom) || !strings.HasPrefix(q.Errors(), "batch:") {
		t.Fatalf("Err() = %v, want batch: boom", q.Err())
	}
	if !good.Successful() || bad.Successful() {
		t.Fatalf("members = %v, %v, want true, false", good.Successful(), bad.Successful())
	}
}

// TestTaskQueue_MemberCatchRecovers verifies a per-member handler keeps the
// aggregate successful
func TestTaskQueue_MemberCatchRecovers(t *testing.T) {
	m := newTestManager(t, 2)
	bad := constNode(m, 0, errors.New("boom"))
	bad.CatchRecover(func(error) bool { return true })
	q := core.NewTaskQueue[int](m).Queue(bad).Queue(constNode(m, 4, nil))

	_ = q.Start()
	waitDone(t, q)

	if !q.Successful() {
		t.Fatalf("Successful() = false, Err() = %v, want recovered member to count as success", q.Err())
	}
}

// TestTaskQueue_UnschedulableMember verifies scheduling failures are counted
func TestTaskQueue_UnschedulableMember(t *testing.T) {
	m := newTestManager(t, 2)
	ui := core.NewFunc[int](m, func(ctx context.Context, _ bool) (int, error) { return 1, nil }, core.WithAffinity(core.AffinityUI))
	q := core.NewTaskQueue[int](m).Queue(ui).Queue(constNode(m, 2, nil))

	_ = q.Start()
	waitDone(t, q)

	if !errors.Is(q.Err(), core.ErrNoUIContext) {
		t.Fatalf("Err() = %v, want ErrNoUIContext", q.Err())
	}
	if ui.State() != core.StateFailed {
		t.Fatalf("member state = %s, want failed", ui.State())
	}
}

// TestTaskQueue_EmptyAndSealed verifies the empty queue and late additions
func TestTaskQueue_EmptyAndSealed(t *testing.T) {
	m := newTestManager(t, 2)
	q := core.NewTaskQueue[int](m)

	_ = q.Start()
	waitDone(t, q)

	if !q.Successful() || len(q.Result()) != 0 {
		t.Fatalf("empty queue = %v, %v, want success with no results", q.Successful(), q.Result())
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("Queue() after start did not panic")
		}
	}()
	q.Queue(constNode(m, 1, nil))
}

// TestPostTaskAndReplyWithResult verifies the reply sees the task's result
// Given: A task on the concurrent lane and a reply on a sequenced runner
// When: The task succeeds, and in a second run fails
// Then: The reply runs on its runner with the result, or with the error
func TestPostTaskAndReplyWithResult(t *testing.T) {
	// Arrange
	m := newTestManager(t, 2)
	replyRunner := core.NewNamedSequencedTaskRunner(m.Pool(), "reply-lane")
	type replyCall struct {
		value int
		err   error
		lane  string
	}
	calls := make(chan replyCall, 2)
	reply := func(ctx context.Context, v int, err error) {
		calls <- replyCall{value: v, err: err, lane: core.GetCurrentTaskRunner(ctx).Name()}
	}

	// Act
	ok, err := core.PostTaskAndReplyWithResult(m, nil, func(ctx context.Context) (int, error) {
		return 7, nil
	}, replyRunner, reply)
	if err != nil {
		t.Fatalf("PostTaskAndReplyWithResult() error = %v", err)
	}
	waitDone(t, ok)
	boom := errors.New("boom")
	failed, _ := core.PostTaskAndReplyWithResult(m, nil, func(ctx context.Context) (int, error) {
		return 0, boom
	}, replyRunner, reply)
	waitDone(t, failed)

	// Assert
	first, second := <-calls, <-calls
	if first.value != 7 || first.err != nil || first.lane != "reply-lane" {
		t.Fatalf("first reply = %+v, want 7 on reply-lane", first)
	}
	if !errors.Is(second.err, boom) {
		t.Fatalf("second reply err = %v, want boom", second.err)
	}
	if !failed.Successful() {
		t.Fatalf("reply node successful = false, want true")
	}
}
