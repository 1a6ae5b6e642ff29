package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-task-chain/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// RunnerSnapshotProvider provides current runner stats snapshots.
type RunnerSnapshotProvider interface {
	Stats() core.RunnerStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// ManagerSnapshotProvider provides current manager stats snapshots. It is
// satisfied by *core.Manager.
type ManagerSnapshotProvider interface {
	Stats() core.ManagerStats
}

// SnapshotPoller periodically exports runner, pool and manager Stats()
// snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	runnersMu sync.RWMutex
	runners   map[string]RunnerSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	managersMu sync.RWMutex
	managers   map[string]ManagerSnapshotProvider

	runnerPending  *prom.GaugeVec
	runnerRunning  *prom.GaugeVec
	runnerRejected *prom.GaugeVec
	runnerClosed   *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	laneQueued      *prom.GaugeVec
	pairProcessing  *prom.GaugeVec
	pairCompleted   *prom.GaugeVec
	pairFaulted     *prom.GaugeVec
	nodesTotal      *prom.GaugeVec
	managerDisposed *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller under the "taskchain"
// namespace and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	return NewNamespacedSnapshotPoller("taskchain", reg, interval)
}

// NewNamespacedSnapshotPoller is NewSnapshotPoller with an explicit namespace.
func NewNamespacedSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	namespace = normalizeLabel(namespace, "taskchain")
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	runnerPending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "runner_pending",
		Help:      "Number of pending tasks per runner.",
	}, []string{"runner", "type"})
	runnerRunning := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "runner_running",
		Help:      "Number of running tasks per runner.",
	}, []string{"runner", "type"})
	runnerRejected := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "runner_rejected_total",
		Help:      "Runner rejected task count snapshot.",
	}, []string{"runner", "type"})
	runnerClosed := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "runner_closed",
		Help:      "Runner closed state (1=closed, 0=open).",
	}, []string{"runner", "type"})

	poolQueued := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queued",
		Help:      "Queued tasks per pool.",
	}, []string{"pool"})
	poolActive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_active",
		Help:      "Active tasks per pool.",
	}, []string{"pool"})
	poolWorkers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_workers",
		Help:      "Worker count per pool.",
	}, []string{"pool"})
	poolRunning := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_running",
		Help:      "Pool running state (1=running, 0=stopped).",
	}, []string{"pool"})

	laneQueued := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "lane_queued",
		Help:      "Queued items per scheduler lane.",
	}, []string{"manager", "lane"})
	pairProcessing := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pair_processing",
		Help:      "Scheduler pair processing count (-1 while the exclusive loop runs).",
	}, []string{"manager"})
	pairCompleted := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pair_completed",
		Help:      "Scheduler pair completion state (1=completed, 0=accepting).",
	}, []string{"manager"})
	pairFaulted := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pair_faulted",
		Help:      "Scheduler pair fault state (1=faulted, 0=healthy).",
	}, []string{"manager"})
	nodesTotal := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "nodes",
		Help:      "Node count snapshot by state.",
	}, []string{"manager", "state"})
	managerDisposed := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "manager_disposed",
		Help:      "Manager disposed state (1=disposed, 0=live).",
	}, []string{"manager"})

	var err error
	if runnerPending, err = registerCollector(reg, runnerPending); err != nil {
		return nil, err
	}
	if runnerRunning, err = registerCollector(reg, runnerRunning); err != nil {
		return nil, err
	}
	if runnerRejected, err = registerCollector(reg, runnerRejected); err != nil {
		return nil, err
	}
	if runnerClosed, err = registerCollector(reg, runnerClosed); err != nil {
		return nil, err
	}
	if poolQueued, err = registerCollector(reg, poolQueued); err != nil {
		return nil, err
	}
	if poolActive, err = registerCollector(reg, poolActive); err != nil {
		return nil, err
	}
	if poolWorkers, err = registerCollector(reg, poolWorkers); err != nil {
		return nil, err
	}
	if poolRunning, err = registerCollector(reg, poolRunning); err != nil {
		return nil, err
	}
	if laneQueued, err = registerCollector(reg, laneQueued); err != nil {
		return nil, err
	}
	if pairProcessing, err = registerCollector(reg, pairProcessing); err != nil {
		return nil, err
	}
	if pairCompleted, err = registerCollector(reg, pairCompleted); err != nil {
		return nil, err
	}
	if pairFaulted, err = registerCollector(reg, pairFaulted); err != nil {
		return nil, err
	}
	if nodesTotal, err = registerCollector(reg, nodesTotal); err != nil {
		return nil, err
	}
	if managerDisposed, err = registerCollector(reg, managerDisposed); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:        interval,
		runners:         make(map[string]RunnerSnapshotProvider),
		pools:           make(map[string]PoolSnapshotProvider),
		managers:        make(map[string]ManagerSnapshotProvider),
		runnerPending:   runnerPending,
		runnerRunning:   runnerRunning,
		runnerRejected:  runnerRejected,
		runnerClosed:    runnerClosed,
		poolQueued:      poolQueued,
		poolActive:      poolActive,
		poolWorkers:     poolWorkers,
		poolRunning:     poolRunning,
		laneQueued:      laneQueued,
		pairProcessing:  pairProcessing,
		pairCompleted:   pairCompleted,
		pairFaulted:     pairFaulted,
		nodesTotal:      nodesTotal,
		managerDisposed: managerDisposed,
	}, nil
}

// AddRunner adds or replaces a runner snapshot provider by name.
func (p *SnapshotPoller) AddRunner(name string, provider RunnerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "runner")
	p.runnersMu.Lock()
	p.runners[name] = provider
	p.runnersMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// AddManager adds or replaces a manager snapshot provider by name. The
// manager's scheduler pair, UI lane and node counts are exported.
func (p *SnapshotPoller) AddManager(name string, provider ManagerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "manager")
	p.managersMu.Lock()
	p.managers[name] = provider
	p.managersMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.runnersMu.RLock()
	for name, provider := range p.runners {
		stats := provider.Stats()
		typeLabel := normalizeLabel(stats.Type, "unknown")
		p.runnerPending.WithLabelValues(name, typeLabel).Set(float64(stats.Pending))
		p.runnerRunning.WithLabelValues(name, typeLabel).Set(float64(stats.Running))
		p.runnerRejected.WithLabelValues(name, typeLabel).Set(float64(stats.Rejected))
		if stats.Closed {
			p.runnerClosed.WithLabelValues(name, typeLabel).Set(1)
		} else {
			p.runnerClosed.WithLabelValues(name, typeLabel).Set(0)
		}
	}
	p.runnersMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}
	p.poolsMu.RUnlock()

	p.managersMu.RLock()
	for name, provider := range p.managers {
		stats := provider.Stats()
		p.laneQueued.WithLabelValues(name, "concurrent").Set(float64(stats.Pair.ConcurrentQueued))
		p.laneQueued.WithLabelValues(name, "exclusive").Set(float64(stats.Pair.ExclusiveQueued))
		if stats.UI != nil {
			p.laneQueued.WithLabelValues(name, normalizeLabel(stats.UI.Name, "ui")).Set(float64(stats.UI.Pending))
		}
		p.pairProcessing.WithLabelValues(name).Set(float64(stats.Pair.Processing))
		p.pairCompleted.WithLabelValues(name).Set(boolGauge(stats.Pair.Completed))
		p.pairFaulted.WithLabelValues(name).Set(boolGauge(stats.Pair.Faulted))
		p.nodesTotal.WithLabelValues(name, "started").Set(float64(stats.Nodes.Started))
		p.nodesTotal.WithLabelValues(name, "succeeded").Set(float64(stats.Nodes.Succeeded))
		p.nodesTotal.WithLabelValues(name, "failed").Set(float64(stats.Nodes.Failed))
		p.nodesTotal.WithLabelValues(name, "skipped").Set(float64(stats.Nodes.Skipped))
		p.nodesTotal.WithLabelValues(name, "canceled").Set(float64(stats.Nodes.Canceled))
		p.managerDisposed.WithLabelValues(name).Set(boolGauge(stats.Disposed))
	}
	p.managersMu.RUnlock()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
