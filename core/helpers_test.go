package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	taskchain "github.com/Swind/go-task-chain"
	core "github.com/Swind/go-task-chain/core"
)

const testTimeout = 5 * time.Second

// MockThreadPool records drain loops posted by lanes. Tests run them by hand
// with RunNext or RunAll, which makes interleavings deterministic.
type MockThreadPool struct {
	mu          sync.Mutex
	postedTasks []core.Task
	postErr     error
}

func (m *MockThreadPool) PostInternal(task core.Task, traits core.TaskTraits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return m.postErr
	}
	m.postedTasks = append(m.postedTasks, task)
	return nil
}

func (m *MockThreadPool) ID() string           { return "mock" }
func (m *MockThreadPool) IsRunning() bool      { return true }
func (m *MockThreadPool) WorkerCount() int     { return 1 }
func (m *MockThreadPool) QueuedTaskCount() int { return m.Len() }
func (m *MockThreadPool) ActiveTaskCount() int { return 0 }

// FailPosts makes every later PostInternal fail with err.
func (m *MockThreadPool) FailPosts(err error) {
	m.mu.Lock()
	m.postErr = err
	m.mu.Unlock()
}

func (m *MockThreadPool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.postedTasks)
}

// RunNext runs the oldest posted task and reports whether there was one.
func (m *MockThreadPool) RunNext() bool {
	m.mu.Lock()
	if len(m.postedTasks) == 0 {
		m.mu.Unlock()
		return false
	}
	task := m.postedTasks[0]
	m.postedTasks = m.postedTasks[1:]
	m.mu.Unlock()

	task(context.Background())
	return true
}

// RunAll runs posted tasks, including ones they post, until none remain.
func (m *MockThreadPool) RunAll() int {
	ran := 0
	for m.RunNext() {
		ran++
	}
	return ran
}

// newMockManager returns a manager whose lanes post to a MockThreadPool.
func newMockManager(t *testing.T, cfg core.ManagerConfig) (*core.Manager, *MockThreadPool) {
	t.Helper()
	pool := &MockThreadPool{}
	return core.NewManager(pool, cfg), pool
}

// newTestManager returns a manager over a started priority pool with
// maxConcurrency+1 workers. Both are shut down when the test ends.
func newTestManager(t *testing.T, maxConcurrency int) *core.Manager {
	t.Helper()
	cfg := core.DefaultManagerConfig()
	cfg.MaxConcurrency = maxConcurrency
	return newTestManagerWithConfig(t, cfg)
}

func newTestManagerWithConfig(t *testing.T, cfg core.ManagerConfig) *core.Manager {
	t.Helper()
	workers := cfg.MaxConcurrency + 1
	if workers < 2 {
		workers = 2
	}
	pool := taskchain.NewPriorityGoroutineThreadPool("test-pool", workers)
	pool.Start(context.Background())

	m := core.NewManager(pool, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = m.Dispose(ctx)
		pool.Stop()
	})
	return m
}

// waitDone fails the test if n is not terminal within testTimeout.
func waitDone(t *testing.T, n core.Runnable) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(testTimeout):
		t.Fatalf("node %s did not finish, state = %s", n.Name(), n.State())
	}
}

// waitChan fails the test if ch is not closed within testTimeout.
func waitChan(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// finallySignal registers a FinallyInline handler on n and returns a channel
// that receives the success flag it was called with.
func finallySignal(n core.Runnable) <-chan bool {
	ch := make(chan bool, 4)
	n.FinallyInline(func(success bool) { ch <- success })
	return ch
}

func waitFinally(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case success := <-ch:
		return success
	case <-time.After(testTimeout):
		t.Fatalf("FinallyInline handler did not run")
		return false
	}
}

// recordingPanicHandler collects the names passed to HandlePanic.
type recordingPanicHandler struct {
	mu    sync.Mutex
	names []string
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, laneName string, taskName string, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	h.names = append(h.names, taskName)
	h.mu.Unlock()
}

func (h *recordingPanicHandler) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.names...)
}
