package process

import (
	"context"

	"github.com/Swind/go-task-chain/core"
)

// NewNode creates a node that runs cmd with runner and hands the captured
// output to processor. Each output line is reported as node progress with an
// indeterminate total: Value counts the lines read so far and Message is the
// line. The node ignores its upstream value.
func NewNode[T any](m *core.Manager, runner Runner, cmd Command, processor Processor[T], opts ...core.Option) *core.Node[core.None, T] {
	return NewNodeFrom[core.None, T](m, runner, func(core.Input[core.None]) (Command, error) {
		return cmd, nil
	}, processor, opts...)
}

// NewNodeFrom is NewNode for commands that depend on the upstream result.
// build runs on the node's lane just before the process starts.
func NewNodeFrom[In, T any](m *core.Manager, runner Runner, build func(in core.Input[In]) (Command, error), processor Processor[T], opts ...core.Option) *core.Node[In, T] {
	if runner == nil || build == nil || processor == nil {
		panic("process: NewNodeFrom requires a runner, a command builder and a processor")
	}
	return core.New[In, T](m, func(ctx context.Context, in core.Input[In]) (T, error) {
		var zero T
		cmd, err := build(in)
		if err != nil {
			return zero, err
		}
		var lines int64
		res, err := runner.Run(ctx, cmd, func(stream Stream, line string) {
			lines++
			in.Report(lines, core.IndeterminateTotal, line)
		})
		if err != nil {
			return zero, err
		}
		return processor.Process(res)
	}, opts...)
}

// NewLineStream creates a streaming node that publishes every stdout line of
// cmd to its OnData subscribers as the line is read. The node result is the
// full list of stdout lines.
func NewLineStream(m *core.Manager, runner Runner, cmd Command, opts ...core.Option) *core.StreamNode[core.None, string] {
	if runner == nil {
		panic("process: NewLineStream requires a runner")
	}
	return core.NewStream[core.None, string](m, func(ctx context.Context, _ core.Input[core.None], emit func(string)) error {
		_, err := runner.Run(ctx, cmd, func(stream Stream, line string) {
			if stream == Stdout {
				emit(line)
			}
		})
		return err
	}, opts...)
}
