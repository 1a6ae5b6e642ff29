package core

import "time"

// TaskExecutionRecord captures a finished node execution.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Name       string
	LaneName   string
	Affinity   TaskAffinity
	State      NodeState
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
	Err        string
}

// RunnerStats represents runtime observability state for a task runner.
type RunnerStats struct {
	Name         string
	Type         string
	Pending      int
	Running      int
	Rejected     int64
	Closed       bool
	LastTaskName string
	LastTaskAt   time.Time
}

// PoolStats represents runtime observability state for a thread pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Running bool
}

// PairStats is a snapshot of the scheduler pair's coordination state.
type PairStats struct {
	ConcurrentQueued    int
	ExclusiveQueued     int
	Processing          int // >0 concurrent loops, -1 exclusive loop
	MaxConcurrency      int
	MaxItemsPerTask     int
	Rejected            int64
	CompletionRequested bool
	Completed           bool
	Faulted             bool
}

// ManagerStats aggregates lane snapshots.
type ManagerStats struct {
	Pair     PairStats
	UI       *RunnerStats
	Nodes    NodeCounts
	Disposed bool
}

// NodeCounts counts nodes by terminal state since the manager was created.
type NodeCounts struct {
	Started   int64
	Succeeded int64
	Failed    int64
	Skipped   int64
	Canceled  int64
}
