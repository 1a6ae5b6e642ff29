package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Swind/go-task-chain/core"
)

// DefaultMaxLineSize bounds a single output line. Longer lines fail the run.
const DefaultMaxLineSize = 1024 * 1024

// stderrTailLines is how many stderr lines an ExitError carries.
const stderrTailLines = 5

// ExecRunner runs commands with os/exec. Each process is started in its own
// process group so that cancellation and KillAll reach its children too.
type ExecRunner struct {
	logger      core.Logger
	maxLineSize int

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates an ExecRunner. A nil logger discards logs.
func NewExecRunner(logger core.Logger) *ExecRunner {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	return &ExecRunner{
		logger:      logger,
		maxLineSize: DefaultMaxLineSize,
		procs:       make(map[int]*exec.Cmd),
	}
}

// SetMaxLineSize changes the longest accepted output line.
func (r *ExecRunner) SetMaxLineSize(n int) {
	if n > 0 {
		r.maxLineSize = n
	}
}

// Run starts cmd, drains stdout and stderr concurrently and waits for the
// process. Both pipes are fully read before Wait is called, so output larger
// than the pipe buffer cannot deadlock the child.
func (r *ExecRunner) Run(ctx context.Context, c Command, onLine LineHandler) (Result, error) {
	res := Result{Command: c, ExitCode: -1}
	if c.Path == "" {
		return res, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%s: %w", c, err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return res, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start %s: %w", c, err)
	}
	r.track(cmd)
	defer r.untrack(cmd)
	r.logger.Debug("process started", core.F("command", c.String()), core.F("pid", cmd.Process.Pid))

	var mu sync.Mutex
	emit := func(stream Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		if stream == Stdout {
			res.Stdout = append(res.Stdout, line)
		} else {
			res.Stderr = append(res.Stderr, line)
		}
		if onLine != nil {
			onLine(stream, line)
		}
	}

	var g errgroup.Group
	g.Go(func() error { return r.drain(stdout, Stdout, emit) })
	g.Go(func() error { return r.drain(stderr, Stderr, emit) })
	readErr := g.Wait()

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	r.logger.Debug("process exited",
		core.F("command", c.String()),
		core.F("exit_code", res.ExitCode),
		core.F("duration", res.Duration),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", c, ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Command: c, Code: res.ExitCode, Stderr: tail(res.Stderr, stderrTailLines), Err: waitErr}
		}
		return res, fmt.Errorf("wait %s: %w", c, waitErr)
	}
	if readErr != nil {
		return res, fmt.Errorf("%s: %w", c, readErr)
	}
	return res, nil
}

// drain scans pipe line by line. On a scan error or a panicking handler the
// rest of the pipe is discarded so the child can still exit.
func (r *ExecRunner) drain(pipe io.Reader, stream Stream, emit func(Stream, string)) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s line handler panic: %v", stream, p)
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, pipe)
		}
	}()

	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 0, min(64*1024, r.maxLineSize)), r.maxLineSize)
	for sc.Scan() {
		emit(stream, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", stream, err)
	}
	return nil
}

func (r *ExecRunner) track(cmd *exec.Cmd) {
	r.mu.Lock()
	r.procs[cmd.Process.Pid] = cmd
	r.mu.Unlock()
}

func (r *ExecRunner) untrack(cmd *exec.Cmd) {
	r.mu.Lock()
	delete(r.procs, cmd.Process.Pid)
	r.mu.Unlock()
}

// KillAll kills every running process group started by r. Run calls for the
// killed processes return their exit errors as usual.
func (r *ExecRunner) KillAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for pid, cmd := range r.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
		}
	}
	if len(r.procs) > 0 {
		r.logger.Warn("killed running processes", core.F("count", len(r.procs)))
	}
	return errors.Join(errs...)
}

// Count returns the number of running processes.
func (r *ExecRunner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func tail(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
