package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// runApp runs the CLI with args and returns stdout, stderr and the error.
func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp(&out, &errOut)
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"taskchain"}, args...))
	return out.String(), errOut.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var coder cli.ExitCoder
	require.True(t, errors.As(err, &coder), "error %v has no exit code", err)
	return coder.ExitCode()
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

func TestRun_ChainSucceeds(t *testing.T) {
	requireShell(t)

	out, _, err := runApp(t, "run", "sh -c 'echo one'", "sh -c 'echo two'")

	require.NoError(t, err)
	got := lines(out)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"one", "two"}, got[:2])
	assert.Equal(t, "✓ sh -c echo one", got[2])
	assert.Equal(t, "✓ sh -c echo two", got[3])
}

func TestRun_FailureSkipsRest(t *testing.T) {
	requireShell(t)

	out, _, err := runApp(t, "run", "sh -c 'exit 3'", "sh -c 'echo never'")

	require.Error(t, err)
	assert.Equal(t, 1, exitCode(t, err))
	got := lines(out)
	assert.NotContains(t, got, "never")
	assert.Contains(t, out, "✗ sh -c exit 3")
	assert.Contains(t, out, "- sh -c echo never (skipped)")
}

func TestRun_KeepGoing(t *testing.T) {
	requireShell(t)

	out, _, err := runApp(t, "run", "--keep-going", "sh -c 'exit 1'", "sh -c 'echo after'")

	require.Error(t, err)
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, lines(out), "after")
	assert.Contains(t, out, "✓ sh -c echo after")
}

func TestRun_Parallel(t *testing.T) {
	requireShell(t)

	out, _, err := runApp(t, "run", "--parallel", "sh -c 'echo a'", "sh -c 'echo b'", "sh -c 'echo c'")

	require.NoError(t, err)
	got := lines(out)
	assert.Contains(t, got, "[sh -c echo a] a")
	assert.Contains(t, got, "[sh -c echo b] b")
	assert.Contains(t, got, "[sh -c echo c] c")
}

func TestRun_Exclusive(t *testing.T) {
	requireShell(t)

	out, _, err := runApp(t, "run", "-x", "-p", "sh -c 'echo x'", "sh -c 'echo y'")

	require.NoError(t, err)
	assert.Contains(t, out, "✓ sh -c echo x")
	assert.Contains(t, out, "✓ sh -c echo y")
}

func TestRun_WithMetricsServer(t *testing.T) {
	requireShell(t)

	out, errOut, err := runApp(t, "run", "--metrics-addr", "127.0.0.1:0", "sh -c 'echo metered'")

	require.NoError(t, err)
	assert.Contains(t, lines(out), "metered")
	assert.Contains(t, errOut, "serving metrics")
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no commands", args: []string{"run"}},
		{name: "unterminated quote", args: []string{"run", "echo 'oops"}},
		{name: "blank command", args: []string{"run", "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runApp(t, tt.args...)

			require.Error(t, err)
			assert.Equal(t, 2, exitCode(t, err))
		})
	}
}

func TestRun_MissingExecutable(t *testing.T) {
	out, _, err := runApp(t, "run", "definitely-not-a-real-binary-4f1c")

	require.Error(t, err)
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, out, "✗ definitely-not-a-real-binary-4f1c")
}

func TestHistory_ListsJournal(t *testing.T) {
	requireShell(t)
	dsn := filepath.Join(t.TempDir(), "journal.db")

	_, _, err := runApp(t, "run", "--journal", dsn, "sh -c 'echo ok'", "sh -c 'exit 2'", "sh -c 'echo late'")
	require.Error(t, err)

	out, _, err := runApp(t, "history", "--journal", dsn)
	require.NoError(t, err)
	got := lines(out)
	require.Len(t, got, 4)
	assert.Contains(t, got[0], "FINISHED")
	assert.Contains(t, out, "SUCCEEDED")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "SKIPPED")

	out, _, err = runApp(t, "history", "--journal", dsn, "--status", "failed")
	require.NoError(t, err)
	got = lines(out)
	require.Len(t, got, 2)
	assert.Contains(t, got[1], "sh -c exit 2")

	out, _, err = runApp(t, "history", "--journal", dsn, "--limit", "1")
	require.NoError(t, err)
	assert.Len(t, lines(out), 2)
}

func TestHistory_Prune(t *testing.T) {
	requireShell(t)
	dsn := filepath.Join(t.TempDir(), "journal.db")
	_, _, err := runApp(t, "run", "--journal", dsn, "sh -c 'echo ok'")
	require.NoError(t, err)

	out, errOut, err := runApp(t, "history", "--journal", dsn, "--prune", "1ns")

	require.NoError(t, err)
	assert.Contains(t, errOut, "pruned 1 entries")
	assert.Len(t, lines(out), 1)
}

func TestHistory_RequiresJournal(t *testing.T) {
	_, _, err := runApp(t, "history")

	require.Error(t, err)
	assert.Equal(t, 2, exitCode(t, err))
}

func TestSplitCommandLine(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{line: "go test ./...", want: []string{"go", "test", "./..."}},
		{line: "  spaced\t out  ", want: []string{"spaced", "out"}},
		{line: `sh -c 'echo "hi there"'`, want: []string{"sh", "-c", `echo "hi there"`}},
		{line: `echo "a \"quoted\" word"`, want: []string{"echo", `a "quoted" word`}},
		{line: `echo a\ b`, want: []string{"echo", "a b"}},
		{line: `echo ''`, want: []string{"echo", ""}},
		{line: "", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := splitCommandLine(tt.line)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := splitCommandLine(`echo "open`)
	assert.ErrorIs(t, err, errUnterminatedQuote)
	_, err = splitCommandLine(`echo trailing\`)
	assert.ErrorIs(t, err, errUnterminatedQuote)
}
