package taskchain_test

import (
	"context"
	"errors"
	"fmt"

	taskchain "github.com/Swind/go-task-chain"
	"github.com/Swind/go-task-chain/core"
)

// ExampleNode_Then demonstrates a two-step chain with a typed hand-off.
func ExampleNode_Then() {
	m := taskchain.NewManager(core.DefaultManagerConfig())
	defer m.Shutdown(context.Background())

	fetch := taskchain.NewFunc(m, func(ctx context.Context, _ bool) (string, error) {
		return "hello", nil
	})
	length := taskchain.New[string, int](m, func(ctx context.Context, in taskchain.Input[string]) (int, error) {
		return len(in.Value), nil
	})
	fetch.Then(length, taskchain.OnSuccess)

	_ = length.Start()
	_ = length.Wait(context.Background())
	fmt.Println(length.Result())
	// Output: 5
}

// ExampleNode_FinallyInline demonstrates failure routing to a handler.
func ExampleNode_FinallyInline() {
	m := taskchain.NewManager(core.DefaultManagerConfig())
	defer m.Shutdown(context.Background())

	done := make(chan struct{})
	step := taskchain.NewAction(m, func(ctx context.Context, _ bool) error {
		return errors.New("disk full")
	})
	step.Catch(func(err error) { fmt.Println("caught:", err) })
	step.FinallyInline(func(success bool) {
		fmt.Println("success:", success)
		close(done)
	})

	_ = step.Start()
	<-done
	// Output:
	// caught: disk full
	// success: false
}

// ExampleTaskQueue demonstrates running a batch of independent nodes.
func ExampleTaskQueue() {
	m := taskchain.NewManager(core.DefaultManagerConfig())
	defer m.Shutdown(context.Background())

	q := taskchain.NewTaskQueue[int](m)
	for i := 1; i <= 3; i++ {
		q.Queue(taskchain.NewFunc(m, func(ctx context.Context, _ bool) (int, error) {
			return i * i, nil
		}))
	}

	_ = q.Start()
	_ = q.Wait(context.Background())
	fmt.Println(q.Result())
	// Output: [1 4 9]
}
