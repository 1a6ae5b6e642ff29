package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoUIContext is returned when a UI-affinity node is scheduled before a UI
	// runner was registered with Manager.Initialize.
	ErrNoUIContext = errors.New("no UI task runner registered: did you initialize the manager on the main goroutine?")

	// ErrNoCustomRunner is returned when a Custom-affinity node has no runner.
	ErrNoCustomRunner = errors.New("custom affinity requires a task runner: use WithRunner or StartOn")

	// ErrPairCompleted is returned by scheduler pair lanes after Complete().
	ErrPairCompleted = errors.New("scheduler pair has been completed")

	// ErrRunnerClosed is returned by a runner that has been shut down.
	ErrRunnerClosed = errors.New("task runner is closed")

	// ErrCanceled marks outcomes of nodes whose context was canceled before
	// their body ran.
	ErrCanceled = errors.New("task canceled")

	// ErrSkipped marks nodes on a branch that the chain did not take.
	ErrSkipped = errors.New("task skipped")

	// ErrManagerDisposed is returned when scheduling through a disposed manager.
	ErrManagerDisposed = errors.New("task manager disposed")

	// ErrInputType is returned when an upstream result cannot be used as a
	// node's input type.
	ErrInputType = errors.New("upstream result has unexpected type")
)

// PanicError wraps a value recovered from a panicking task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// propagatedError carries an upstream failure through a node that only
// forwards it (Finally wrappers). Catch handlers are not run again for it.
type propagatedError struct {
	err error
}

func (e *propagatedError) Error() string { return e.err.Error() }
func (e *propagatedError) Unwrap() error { return e.err }

func propagate(err error) error {
	var p *propagatedError
	if errors.As(err, &p) {
		return err
	}
	return &propagatedError{err: err}
}

func canceledError(cause error) error {
	if cause == nil {
		return ErrCanceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}
