package core

// TaskAffinity selects the lane a node runs on.
type TaskAffinity int

const (
	// AffinityConcurrent runs on the scheduler pair's concurrent lane.
	AffinityConcurrent TaskAffinity = iota
	// AffinityExclusive runs on the exclusive lane: one at a time, never
	// alongside concurrent work.
	AffinityExclusive
	// AffinityUI runs on the manager's UI runner.
	AffinityUI
	// AffinityCustom runs on a runner supplied with WithRunner or StartOn.
	AffinityCustom
	// AffinityNone has no lane preference and is routed like AffinityConcurrent.
	AffinityNone
)

func (a TaskAffinity) String() string {
	switch a {
	case AffinityConcurrent:
		return "concurrent"
	case AffinityExclusive:
		return "exclusive"
	case AffinityUI:
		return "ui"
	case AffinityCustom:
		return "custom"
	case AffinityNone:
		return "none"
	default:
		return "unknown"
	}
}

// RunOption gates a continuation on the outcome of its predecessor.
type RunOption int

const (
	OnSuccess RunOption = iota
	OnFailure
	OnAlways

	runOptionCount = 3
)

func (o RunOption) String() string {
	switch o {
	case OnSuccess:
		return "on_success"
	case OnFailure:
		return "on_failure"
	case OnAlways:
		return "on_always"
	default:
		return "unknown"
	}
}

// NodeState is the lifecycle state of a node.
type NodeState int32

const (
	StateNotStarted NodeState = iota
	StateScheduled
	StateRunning
	StateSucceeded
	StateFailed
	// StateSkipped marks a node on a branch the engine did not take. Its body
	// never ran.
	StateSkipped
)

func (s NodeState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s NodeState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// Outcome is the result record of a node. Success is true when the body
// returned no error or a catch handler recovered it; Err keeps the original
// error in both cases.
type Outcome struct {
	Success   bool
	Err       error
	Recovered bool
	Canceled  bool
}

// Failed reports whether the outcome is an unrecovered failure.
func (o Outcome) Failed() bool {
	return !o.Success
}
