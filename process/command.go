// Package process runs external commands as task chain nodes.
//
// A Runner executes a Command and reports its output line by line. Process
// nodes created with NewNode hand the captured Result to a Processor that
// turns it into a typed value; NewLineStream publishes stdout lines as they
// arrive.
package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyCommand is returned for a Command without a Path.
	ErrEmptyCommand = errors.New("process: empty command")

	// ErrNoOutput is returned by processors that need at least one line.
	ErrNoOutput = errors.New("process: no output")
)

// Stream identifies which pipe a line was read from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Command describes one process invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the current environment.
	Env []string
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Result is the captured output of a finished process.
type Result struct {
	Command  Command
	ExitCode int
	Stdout   []string
	Stderr   []string
	Duration time.Duration
}

// LineHandler observes output lines while the process runs. Calls for one Run
// are serialized.
type LineHandler func(stream Stream, line string)

// Runner executes commands. Run blocks until the process exits and its
// pipes are drained, or ctx is done.
type Runner interface {
	Run(ctx context.Context, cmd Command, onLine LineHandler) (Result, error)
}

// ExitError reports a process that exited with a non-zero status.
type ExitError struct {
	Command Command
	Code    int
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d (stderr: %s)", e.Command, e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
