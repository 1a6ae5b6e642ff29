package process_test

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	taskchain "github.com/Swind/go-task-chain"
	"github.com/Swind/go-task-chain/core"
	"github.com/Swind/go-task-chain/process"
)

const testTimeout = 5 * time.Second

// scriptedRun is one canned answer of a fakeRunner.
type scriptedRun struct {
	stdout []string
	stderr []string
	code   int
	err    error
}

// fakeRunner replays scripted runs in order and records the commands it saw.
type fakeRunner struct {
	mu       sync.Mutex
	script   []scriptedRun
	commands []process.Command
}

func (f *fakeRunner) Run(ctx context.Context, cmd process.Command, onLine process.LineHandler) (process.Result, error) {
	f.mu.Lock()
	idx := len(f.commands)
	f.commands = append(f.commands, cmd)
	if idx >= len(f.script) {
		f.mu.Unlock()
		return process.Result{Command: cmd, ExitCode: -1}, fmt.Errorf("unexpected call %d", idx+1)
	}
	run := f.script[idx]
	f.mu.Unlock()

	for _, line := range run.stdout {
		if onLine != nil {
			onLine(process.Stdout, line)
		}
	}
	for _, line := range run.stderr {
		if onLine != nil {
			onLine(process.Stderr, line)
		}
	}
	return process.Result{Command: cmd, ExitCode: run.code, Stdout: run.stdout, Stderr: run.stderr}, run.err
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func (f *fakeRunner) Command(i int) process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[i]
}

func newTestManager(t *testing.T) *core.Manager {
	t.Helper()
	cfg := core.DefaultManagerConfig()
	cfg.MaxConcurrency = 2
	m := taskchain.NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m.Manager
}

func waitNode(t *testing.T, n core.Runnable) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(testTimeout):
		require.FailNowf(t, "node did not finish", "%s is %s", n.Name(), n.State())
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func sh(script string) process.Command {
	return process.Command{Path: "sh", Args: []string{"-c", script}}
}
