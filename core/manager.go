package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ManagerConfig configures a Manager. Zero values select defaults.
type ManagerConfig struct {
	// MaxConcurrency caps the concurrent lane. Defaults to runtime.NumCPU().
	MaxConcurrency int
	// MaxItemsPerTask caps items per drain loop of the scheduler pair.
	MaxItemsPerTask int
	// HistoryCapacity is the size of the execution history ring.
	HistoryCapacity int

	Logger              Logger
	Metrics             Metrics
	PanicHandler        PanicHandler
	RejectedTaskHandler RejectedTaskHandler

	// Journal, when set, receives a record for every terminal node. Writes are
	// serialized on a dedicated lane and retried with RetryPolicy.
	Journal     Journal
	Serializer  ResultSerializer
	RetryPolicy RetryPolicy
	// JournalErrorHandler is called when a journal write fails after all retries.
	JournalErrorHandler func(entry *JournalEntry, err error)
}

// DefaultManagerConfig returns a config with default handlers and no journal.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HistoryCapacity: defaultTaskHistoryCapacity,
		Logger:          NewNoOpLogger(),
		Metrics:         &NilMetrics{},
		PanicHandler:    &DefaultPanicHandler{},
		RetryPolicy:     DefaultRetryPolicy(),
	}
}

// Manager is the root every node belongs to. It owns the scheduler pair, the
// affinity router, the root cancellation context and the bookkeeping of node
// executions. Create one per process, or per test.
type Manager struct {
	pool   ThreadPool
	pair   *SchedulerPair
	router *Router

	ctx    context.Context
	cancel context.CancelCauseFunc

	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler
	history      *executionHistory

	journal      Journal
	serializer   ResultSerializer
	retryPolicy  RetryPolicy
	journalErr   func(entry *JournalEntry, err error)
	journalLane  *SequencedTaskRunner
	journalDrops atomic.Int64

	initMu   sync.Mutex
	disposed atomic.Bool

	started   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	canceled  atomic.Int64
}

// NewManager creates a manager whose lanes run on pool.
func NewManager(pool ThreadPool, cfg ManagerConfig) *Manager {
	if pool == nil {
		panic("core: NewManager requires a ThreadPool")
	}
	def := DefaultManagerConfig()
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = def.Metrics
	}
	if cfg.PanicHandler == nil {
		cfg.PanicHandler = &DefaultPanicHandler{Logger: cfg.Logger}
	}
	if cfg.Serializer == nil {
		cfg.Serializer = NewJSONSerializer()
	}
	if cfg.RetryPolicy == (RetryPolicy{}) {
		cfg.RetryPolicy = def.RetryPolicy
	}

	m := &Manager{
		pool:         pool,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		panicHandler: cfg.PanicHandler,
		history:      newExecutionHistory(cfg.HistoryCapacity),
		journal:      cfg.Journal,
		serializer:   cfg.Serializer,
		retryPolicy:  cfg.RetryPolicy,
		journalErr:   cfg.JournalErrorHandler,
	}
	m.ctx, m.cancel = context.WithCancelCause(context.Background())
	m.pair = NewSchedulerPair(pool, PairConfig{
		MaxConcurrency:      cfg.MaxConcurrency,
		MaxItemsPerTask:     cfg.MaxItemsPerTask,
		PanicHandler:        cfg.PanicHandler,
		Metrics:             cfg.Metrics,
		RejectedTaskHandler: cfg.RejectedTaskHandler,
		Logger:              cfg.Logger,
	})
	m.router = NewRouter(m.pair)
	if m.journal != nil {
		m.journalLane = NewNamedSequencedTaskRunner(pool, "journal")
		m.journalLane.SetPanicHandler(cfg.PanicHandler)
	}
	return m
}

// Initialize registers ui as the UI lane. Call it once, from the goroutine
// that owns ui.
func (m *Manager) Initialize(ui TaskRunner) error {
	if ui == nil {
		return fmt.Errorf("core: Initialize requires a UI task runner")
	}
	if m.IsDisposed() {
		return ErrManagerDisposed
	}

	m.initMu.Lock()
	defer m.initMu.Unlock()
	if current := m.router.UI(); current != nil {
		return fmt.Errorf("core: manager already initialized with UI lane %q", current.Name())
	}
	if r, ok := ui.(interface{ SetPanicHandler(PanicHandler) }); ok {
		r.SetPanicHandler(m.panicHandler)
	}
	m.router.SetUI(ui)
	m.logger.Info("task manager initialized", F("ui", ui.Name()), F("maxConcurrency", m.pair.MaxConcurrency()))
	return nil
}

// Context returns the root context. It is canceled by Dispose.
func (m *Manager) Context() context.Context { return m.ctx }

func (m *Manager) Router() *Router      { return m.router }
func (m *Manager) Pair() *SchedulerPair { return m.pair }
func (m *Manager) Logger() Logger       { return m.logger }
func (m *Manager) Pool() ThreadPool     { return m.pool }

// Journal returns the configured journal, or nil.
func (m *Manager) Journal() Journal { return m.journal }

// IsDisposed reports whether Dispose has been called.
func (m *Manager) IsDisposed() bool { return m.disposed.Load() }

// Dispose cancels every node, completes the scheduler pair and waits for it
// to quiesce, flushes the journal and releases the UI lane. Nodes still queued
// resolve as canceled. Calling Dispose again returns nil.
func (m *Manager) Dispose(ctx context.Context) error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("task manager disposing")
	m.cancel(ErrManagerDisposed)

	m.pair.Complete()
	pairErr := m.pair.WaitCompletion(ctx)
	if pairErr != nil {
		m.logger.Warn("scheduler pair completed with faults", F("error", pairErr))
	}

	var uiErr error
	if ui := m.router.UI(); ui != nil {
		uiErr = releaseUI(ctx, ui)
	}

	var journalErr error
	if m.journalLane != nil {
		journalErr = m.journalLane.WaitIdle(ctx)
		m.journalLane.Shutdown()
	}

	m.logger.Info("task manager disposed", F("nodes", m.NodeCounts()))
	return errors.Join(pairErr, uiErr, journalErr)
}

// releaseUI lets queued UI tasks observe cancellation, then stops the lane.
func releaseUI(ctx context.Context, ui TaskRunner) error {
	switch r := ui.(type) {
	case interface{ Close() }:
		r.Close()
	case interface {
		WaitIdle(context.Context) error
		Shutdown()
	}:
		err := r.WaitIdle(ctx)
		r.Shutdown()
		if err != nil && !errors.Is(err, ErrRunnerClosed) {
			return fmt.Errorf("release UI lane %s: %w", ui.Name(), err)
		}
	case interface{ Shutdown() }:
		r.Shutdown()
	}
	return nil
}

// RecentTasks returns up to limit execution records, newest first.
func (m *Manager) RecentTasks(limit int) []TaskExecutionRecord {
	return m.history.Recent(limit)
}

// LastTask returns the most recent execution record.
func (m *Manager) LastTask() (TaskExecutionRecord, bool) {
	return m.history.Last()
}

func (m *Manager) NodeCounts() NodeCounts {
	return NodeCounts{
		Started:   m.started.Load(),
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
		Skipped:   m.skipped.Load(),
		Canceled:  m.canceled.Load(),
	}
}

// Stats returns a snapshot of the manager's lanes and node counters.
func (m *Manager) Stats() ManagerStats {
	s := ManagerStats{
		Pair:     m.pair.Stats(),
		Nodes:    m.NodeCounts(),
		Disposed: m.IsDisposed(),
	}
	if ui, ok := m.router.UI().(interface{ Stats() RunnerStats }); ok {
		stats := ui.Stats()
		s.UI = &stats
	}
	return s
}

// =============================================================================
// Node bookkeeping
// =============================================================================

func (m *Manager) nodeStarted(t *task) {
	m.started.Add(1)
	m.logger.Trace("node started", F("task", t.name), F("id", t.id.String()), F("lane", t.laneName()))
}

func (m *Manager) nodeFinished(t *task, state NodeState) {
	out := t.Outcome()
	switch {
	case state == StateSkipped:
		m.skipped.Add(1)
	case out.Canceled:
		m.canceled.Add(1)
	case state == StateSucceeded:
		m.succeeded.Add(1)
	default:
		m.failed.Add(1)
	}

	rec := t.record(state)
	lane := rec.LaneName
	if lane == "" {
		lane = "unscheduled"
	}
	m.metrics.RecordTaskOutcome(lane, state)
	if !rec.StartedAt.IsZero() {
		m.metrics.RecordTaskDuration(lane, rec.Affinity, rec.Duration)
	}
	if state != StateSkipped {
		m.history.Add(rec)
	}

	if state == StateFailed && !out.Canceled {
		m.logger.Debug("node failed", F("task", t.name), F("lane", lane), F("error", out.Err))
	}

	m.writeJournal(t, rec, out)
}

func (m *Manager) writeJournal(t *task, rec TaskExecutionRecord, out Outcome) {
	if m.journalLane == nil {
		return
	}

	entry := &JournalEntry{
		ID:         rec.TaskID.String(),
		Name:       rec.Name,
		Affinity:   rec.Affinity.String(),
		Lane:       rec.LaneName,
		Status:     JournalStatusOf(rec.State, out),
		Recovered:  out.Recovered,
		Error:      rec.Err,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	if rec.State == StateSucceeded {
		if v := t.resultValue(); v != nil {
			data, err := m.serializer.Serialize(v)
			if err != nil {
				m.logger.Warn("journal result not serializable",
					F("task", rec.Name),
					F("serializer", m.serializer.Name()),
					F("error", err))
			} else {
				entry.Result = data
			}
		}
	}

	err := m.journalLane.PostTask(func(context.Context) {
		m.recordJournalIO(entry)
	})
	if err != nil {
		m.journalDrops.Add(1)
		m.logger.Debug("journal write dropped", F("task", rec.Name), F("error", err))
	}
}

// recordJournalIO runs on the journal lane.
func (m *Manager) recordJournalIO(entry *JournalEntry) {
	ctx := context.Background()
	attempt := 0
	err := m.retryPolicy.Retry(ctx, func() error {
		attempt++
		if err := m.journal.Record(ctx, entry); err != nil {
			m.logger.Warn("journal write failed, retrying",
				F("task", entry.Name),
				F("attempt", attempt),
				F("maxRetries", m.retryPolicy.MaxRetries),
				F("error", err))
			return err
		}
		return nil
	})
	if err == nil {
		return
	}

	m.logger.Error("journal write failed after all retries",
		F("task", entry.Name),
		F("totalAttempts", attempt),
		F("error", err))
	if m.journalErr != nil {
		m.journalErr(entry, err)
	}
}

func (m *Manager) reportPanic(ctx context.Context, t *task, rec any, stack []byte) {
	lane := t.laneName()
	if lane == "" {
		lane = "synchronous"
	}
	m.panicHandler.HandlePanic(ctx, lane, t.name, rec, stack)
	m.metrics.RecordTaskPanic(lane, rec)
}

func (m *Manager) handlerPanicked(t *task, kind string, rec any, stack []byte) {
	m.logger.Error("node handler panicked",
		F("task", t.name),
		F("handler", kind),
		F("panic", rec))
	m.panicHandler.HandlePanic(m.ctx, t.laneName(), t.name+"."+kind, rec, stack)
}
