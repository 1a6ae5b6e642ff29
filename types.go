package taskchain

import (
	"context"

	"github.com/Swind/go-task-chain/core"
)

// Re-export commonly used types from core package for convenience.
// This allows users to import only the taskchain package for most use cases.

// Task is the unit of work a lane runs (Closure)
type Task = core.Task

// TaskTraits defines task attributes (priority) on the host pool
type TaskTraits = core.TaskTraits

// TaskPriority defines the priority levels for tasks
type TaskPriority = core.TaskPriority

// TaskRunner is the interface for posting tasks to a lane
type TaskRunner = core.TaskRunner

// SequencedTaskRunner ensures sequential execution of tasks
type SequencedTaskRunner = core.SequencedTaskRunner

// SingleThreadTaskRunner ensures all tasks execute on the same dedicated goroutine
type SingleThreadTaskRunner = core.SingleThreadTaskRunner

// PumpedTaskRunner runs tasks on whichever goroutine calls Pump
type PumpedTaskRunner = core.PumpedTaskRunner

// ThreadPool is re-exported for type compatibility
type ThreadPool = core.ThreadPool

// Node types
type (
	Runnable               = core.Runnable
	Node[In, Out any]      = core.Node[In, Out]
	Body[In, Out any]      = core.Body[In, Out]
	Input[In any]          = core.Input[In]
	StreamNode[In, T any]  = core.StreamNode[In, T]
	TaskQueue[T any]       = core.TaskQueue[T]
	Resultful[T any]       = core.Resultful[T]
	Streaming[T any]       = core.Streaming[T]
	None                   = core.None
	Option                 = core.Option
	Outcome                = core.Outcome
	Progress               = core.Progress
	TaskAffinity           = core.TaskAffinity
	RunOption              = core.RunOption
	NodeState              = core.NodeState
	TaskWithResult[T any]  = core.TaskWithResult[T]
	ReplyWithResult[T any] = core.ReplyWithResult[T]
)

// Priority constants
const (
	TaskPriorityBestEffort   TaskPriority = core.TaskPriorityBestEffort
	TaskPriorityUserVisible  TaskPriority = core.TaskPriorityUserVisible
	TaskPriorityUserBlocking TaskPriority = core.TaskPriorityUserBlocking
)

// Affinities and run options
const (
	AffinityConcurrent = core.AffinityConcurrent
	AffinityExclusive  = core.AffinityExclusive
	AffinityUI         = core.AffinityUI
	AffinityCustom     = core.AffinityCustom
	AffinityNone       = core.AffinityNone

	OnSuccess = core.OnSuccess
	OnFailure = core.OnFailure
	OnAlways  = core.OnAlways
)

// Convenience functions for creating TaskTraits and node options
var (
	DefaultTaskTraits  = core.DefaultTaskTraits
	TraitsUserBlocking = core.TraitsUserBlocking
	TraitsBestEffort   = core.TraitsBestEffort
	TraitsUserVisible  = core.TraitsUserVisible

	WithName     = core.WithName
	WithAffinity = core.WithAffinity
	WithContext  = core.WithContext
	WithRunner   = core.WithRunner
)

// GetCurrentTaskRunner retrieves the current TaskRunner from context
var GetCurrentTaskRunner = core.GetCurrentTaskRunner

// New creates a node owned by m.
func New[In, Out any](m *Manager, body Body[In, Out], opts ...Option) *Node[In, Out] {
	return core.New(m.Manager, body, opts...)
}

// NewFunc creates a node that ignores upstream values.
func NewFunc[Out any](m *Manager, fn func(ctx context.Context, success bool) (Out, error), opts ...Option) *Node[None, Out] {
	return core.NewFunc(m.Manager, fn, opts...)
}

// NewAction creates a node with neither input nor result.
func NewAction(m *Manager, fn func(ctx context.Context, success bool) error, opts ...Option) *Node[None, None] {
	return core.NewAction(m.Manager, fn, opts...)
}

// NewStream creates a streaming node.
func NewStream[In, T any](m *Manager, body func(ctx context.Context, in Input[In], emit func(T)) error, opts ...Option) *StreamNode[In, T] {
	return core.NewStream(m.Manager, body, opts...)
}

// NewTaskQueue creates an empty batch node.
func NewTaskQueue[T any](m *Manager, opts ...Option) *TaskQueue[T] {
	return core.NewTaskQueue[T](m.Manager, opts...)
}

// NewSequencedTaskRunner creates a new SequencedTaskRunner with the given thread pool.
func NewSequencedTaskRunner(pool ThreadPool) *SequencedTaskRunner {
	return core.NewSequencedTaskRunner(pool)
}

// NewSingleThreadTaskRunner creates a new SingleThreadTaskRunner with a dedicated goroutine.
// Register it with Manager.Initialize to serve as the UI lane.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return core.NewSingleThreadTaskRunner()
}

// NewPumpedTaskRunner creates a UI lane driven by an external pump.
func NewPumpedTaskRunner(name string) *PumpedTaskRunner {
	return core.NewPumpedTaskRunner(name)
}
