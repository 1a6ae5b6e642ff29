package process_test

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-task-chain/process"
)

func TestExecRunner_CapturesBothStreams(t *testing.T) {
	requireShell(t)
	r := process.NewExecRunner(nil)
	var mu sync.Mutex
	seen := map[process.Stream]int{}

	res, err := r.Run(context.Background(), sh("echo out1; echo err1 >&2; echo out2"), func(s process.Stream, _ string) {
		mu.Lock()
		seen[s]++
		mu.Unlock()
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"out1", "out2"}, res.Stdout)
	assert.Equal(t, []string{"err1"}, res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 2, seen[process.Stdout])
	assert.Equal(t, 1, seen[process.Stderr])
	assert.Zero(t, r.Count())
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	requireShell(t)
	r := process.NewExecRunner(nil)

	res, err := r.Run(context.Background(), sh("echo bad >&2; exit 3"), nil)

	var exitErr *process.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "bad", exitErr.Stderr)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecRunner_LargeOutputDoesNotDeadlock(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := process.NewExecRunner(nil)

	// Well above the 64KB pipe buffer on both streams.
	res, err := r.Run(ctx, sh(`i=0; while [ $i -lt 20000 ]; do echo "line $i"; echo "warn $i" >&2; i=$((i+1)); done`), nil)

	require.NoError(t, err)
	assert.Len(t, res.Stdout, 20000)
	assert.Len(t, res.Stderr, 20000)
	assert.Equal(t, "line 19999", res.Stdout[19999])
}

func TestExecRunner_ContextCancelKillsProcess(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r := process.NewExecRunner(nil)

	start := time.Now()
	_, err := r.Run(ctx, sh("sleep 10 & wait"), nil)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, r.Count())
}

func TestExecRunner_KillAll(t *testing.T) {
	requireShell(t)
	r := process.NewExecRunner(nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), sh("sleep 10"), nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return r.Count() == 1 }, testTimeout, 10*time.Millisecond)

	require.NoError(t, r.KillAll())

	select {
	case err := <-errCh:
		var exitErr *process.ExitError
		require.ErrorAs(t, err, &exitErr)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return after KillAll")
	}
	assert.Zero(t, r.Count())
}

func TestExecRunner_InvalidCommands(t *testing.T) {
	r := process.NewExecRunner(nil)

	_, err := r.Run(context.Background(), process.Command{}, nil)
	assert.ErrorIs(t, err, process.ErrEmptyCommand)

	_, err = r.Run(context.Background(), process.Command{Path: "taskchain-no-such-binary"}, nil)
	assert.ErrorIs(t, err, exec.ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, process.Command{Path: "true"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecRunner_LineTooLong(t *testing.T) {
	requireShell(t)
	r := process.NewExecRunner(nil)
	r.SetMaxLineSize(16)

	_, err := r.Run(context.Background(), sh("echo 0123456789012345678901234567890; echo done"), nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, bufio.ErrTooLong), "err = %v", err)
}

func TestExecRunner_LineHandlerPanic(t *testing.T) {
	requireShell(t)
	r := process.NewExecRunner(nil)

	_, err := r.Run(context.Background(), sh("echo a; echo b"), func(process.Stream, string) {
		panic("handler exploded")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "git", process.Command{Path: "git"}.String())
	assert.Equal(t, "git log --oneline", process.Command{Path: "git", Args: []string{"log", "--oneline"}}.String())
	assert.Equal(t, "stderr", process.Stderr.String())
}
