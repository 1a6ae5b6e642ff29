package taskchain

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Swind/go-task-chain/core"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for the host pool to
// drain after the manager is disposed.
const DefaultShutdownTimeout = 5 * time.Second

// DefaultMaxConcurrency is the concurrent lane bound used when the config
// leaves it unset: one slot per CPU.
func DefaultMaxConcurrency() int {
	return runtime.NumCPU()
}

// Manager is a core.Manager together with the host pool it owns.
type Manager struct {
	*core.Manager
	pool *GoroutineThreadPool
}

// NewManager starts a priority host pool with MaxConcurrency+1 workers and
// creates a manager on it. The extra worker keeps the exclusive lane and the
// journal lane from starving behind a full concurrent lane.
func NewManager(cfg core.ManagerConfig) *Manager {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency()
	}
	pool := NewGoroutineThreadPoolWithConfig("taskchain", cfg.MaxConcurrency+1, true, &core.TaskSchedulerConfig{
		PanicHandler:        cfg.PanicHandler,
		Metrics:             cfg.Metrics,
		RejectedTaskHandler: cfg.RejectedTaskHandler,
	})
	pool.Start(context.Background())
	return &Manager{Manager: core.NewManager(pool, cfg), pool: pool}
}

// ThreadPool returns the host pool.
func (m *Manager) ThreadPool() *GoroutineThreadPool {
	return m.pool
}

// Shutdown disposes the manager and then stops the host pool.
func (m *Manager) Shutdown(ctx context.Context) error {
	disposeErr := m.Dispose(ctx)

	timeout := DefaultShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	var poolErr error
	if timeout > 0 {
		poolErr = m.pool.StopGraceful(timeout)
	} else {
		m.pool.Stop()
	}
	if poolErr != nil {
		poolErr = fmt.Errorf("stop pool %s: %w", m.pool.ID(), poolErr)
	}
	return errors.Join(disposeErr, poolErr)
}

// =============================================================================
// Global Manager Helper (Singleton)
// =============================================================================

var (
	globalManager *Manager
	globalMu      sync.Mutex
)

// InitGlobalManager creates the process-wide manager. Later calls are no-ops.
func InitGlobalManager(cfg core.ManagerConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalManager != nil {
		return
	}
	globalManager = NewManager(cfg)
}

// GetGlobalManager returns the process-wide manager.
// It panics if InitGlobalManager has not been called.
func GetGlobalManager() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalManager == nil {
		panic("GlobalManager not initialized. Call InitGlobalManager() first.")
	}
	return globalManager
}

// ShutdownGlobalManager shuts the process-wide manager down, if any.
func ShutdownGlobalManager(ctx context.Context) error {
	globalMu.Lock()
	m := globalManager
	globalManager = nil
	globalMu.Unlock()

	if m == nil {
		return nil
	}
	return m.Shutdown(ctx)
}

// CreateTaskRunner creates a SequencedTaskRunner on the global manager's pool,
// for use as a Custom-affinity lane.
func CreateTaskRunner(name string) *SequencedTaskRunner {
	return core.NewNamedSequencedTaskRunner(GetGlobalManager().ThreadPool(), name)
}
