package core

import (
	"context"
)

// TaskWithResult is the work half of PostTaskAndReplyWithResult.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the result of a TaskWithResult. err is the task's
// failure, including a *PanicError when it panicked.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// PostTaskAndReplyWithResult runs task on taskRunner and then reply on
// replyRunner with the task's result, as a two-node chain. The reply always
// runs, after the task is terminal. A nil taskRunner selects the concurrent
// lane; a nil replyRunner runs the reply on the concurrent lane too.
//
// Example:
//
//	core.PostTaskAndReplyWithResult(m,
//	    nil,
//	    func(ctx context.Context) (int, error) {
//	        return len("Hello"), nil
//	    },
//	    m.Router().UI(),
//	    func(ctx context.Context, length int, err error) {
//	        fmt.Printf("Length: %d\n", length)
//	    },
//	)
//
// The returned node is the reply; wait on it to observe both halves.
func PostTaskAndReplyWithResult[T any](
	m *Manager,
	taskRunner TaskRunner,
	task TaskWithResult[T],
	replyRunner TaskRunner,
	reply ReplyWithResult[T],
) (*Node[T, None], error) {
	if task == nil || reply == nil {
		panic("core: PostTaskAndReplyWithResult requires a task and a reply")
	}

	work := NewFunc[T](m, func(ctx context.Context, _ bool) (T, error) {
		return task(ctx)
	}, append([]Option{WithName("task")}, runnerOption(taskRunner)...)...)

	replyNode := New[T, None](m, func(ctx context.Context, in Input[T]) (None, error) {
		reply(ctx, in.Value, in.Err)
		return None{}, nil
	}, append([]Option{WithName("reply")}, runnerOption(replyRunner)...)...)

	work.Then(replyNode, OnAlways)
	if err := work.Start(); err != nil {
		return nil, err
	}
	return replyNode, nil
}

func runnerOption(r TaskRunner) []Option {
	if r == nil {
		return nil
	}
	return []Option{WithRunner(r)}
}
