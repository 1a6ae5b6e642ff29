package core

import (
	"context"

	"github.com/google/uuid"
)

// Task is the unit of work (Closure) executed by a runner or the host pool.
type Task func(ctx context.Context)

// =============================================================================
// TaskTraits: Define task attributes (priority, blocking behavior, etc.)
// =============================================================================

type TaskPriority int

const (
	// TaskPriorityBestEffort: Lowest priority
	TaskPriorityBestEffort TaskPriority = iota

	// TaskPriorityUserVisible: Default priority
	TaskPriorityUserVisible

	// TaskPriorityUserBlocking: Highest priority.
	// The scheduler pair launches its exclusive drain loop at this priority so a
	// waiting writer is not starved by reader loops queued in the host pool.
	TaskPriorityUserBlocking
)

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityBestEffort:
		return "best_effort"
	case TaskPriorityUserVisible:
		return "user_visible"
	case TaskPriorityUserBlocking:
		return "user_blocking"
	default:
		return "unknown"
	}
}

type TaskTraits struct {
	Priority TaskPriority
	Category string
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

func TraitsUserBlocking() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserBlocking}
}

func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

func TraitsUserVisible() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

// =============================================================================
// TaskRunner: an execution context tasks can be posted to
// =============================================================================

// TaskRunner is an execution lane. PostTask returns an error when the lane
// refuses the work (closed, completed); the task is then never run.
type TaskRunner interface {
	PostTask(task Task) error
	Name() string
}

// TaskID identifies a task node.
type TaskID uuid.UUID

// GenerateTaskID returns a new random TaskID.
func GenerateTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero TaskID.
func (id TaskID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// ParseTaskID parses the canonical string form of a TaskID.
func ParseTaskID(s string) (TaskID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TaskID{}, err
	}
	return TaskID(u), nil
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

// GetCurrentTaskRunner returns the runner executing the current task, if any.
func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}

func withTaskRunner(ctx context.Context, r TaskRunner) context.Context {
	return context.WithValue(ctx, taskRunnerKey, r)
}
