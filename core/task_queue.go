package core

import (
	"context"
	"fmt"
	"sync"
)

// TaskQueue is a node that runs a batch of member nodes. Starting the queue
// starts the chain of every member; the queue finishes once every member is
// terminal, on the goroutine of the last one to finish, so it never holds a
// lane slot while waiting. Its result is the members' results in queue order.
type TaskQueue[T any] struct {
	*Node[None, []T]

	mu       sync.Mutex
	members  []Resultful[T]
	finished int
	firstErr error
	sealed   bool
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue[T any](m *Manager, opts ...Option) *TaskQueue[T] {
	q := &TaskQueue[T]{}
	opts = append([]Option{WithName("queue"), WithAffinity(AffinityNone)}, opts...)
	q.Node = New[None, []T](m, func(ctx context.Context, _ Input[None]) ([]T, error) {
		return nil, q.launch()
	}, opts...)
	q.task.self = q
	return q
}

// Queue appends member and returns the queue. Members must not be added once
// the queue has started.
func (q *TaskQueue[T]) Queue(member Resultful[T]) *TaskQueue[T] {
	if member == nil {
		panic("core: TaskQueue.Queue requires a node")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		panic(fmt.Sprintf("core: %s has already started", q.task.name))
	}
	q.members = append(q.members, member)
	return q
}

// Members returns the queued nodes in queue order.
func (q *TaskQueue[T]) Members() []Resultful[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Resultful[T](nil), q.members...)
}

func (q *TaskQueue[T]) launch() error {
	q.mu.Lock()
	q.sealed = true
	members := append([]Resultful[T](nil), q.members...)
	q.mu.Unlock()

	if len(members) == 0 {
		return nil
	}

	for _, member := range members {
		member.OnEnd(func(Runnable) { q.memberDone(member, len(members)) })
	}
	for _, member := range members {
		if err := member.Start(); err != nil {
			// A member that cannot be scheduled never ends on its own.
			if b := member.base(); b.claim() {
				b.finish(Outcome{Err: err}, nil)
			}
		}
	}
	return errPending
}

func (q *TaskQueue[T]) memberDone(member Runnable, total int) {
	q.mu.Lock()
	q.finished++
	finished := q.finished
	if out := member.Outcome(); q.firstErr == nil && !out.Success {
		q.firstErr = out.Err
	}
	q.mu.Unlock()

	if finished < total {
		q.task.reportProgress(int64(finished), int64(total), member.Name())
		return
	}
	q.complete()
}

func (q *TaskQueue[T]) complete() {
	q.mu.Lock()
	members := q.members
	err := q.firstErr
	q.mu.Unlock()

	results := make([]T, 0, len(members))
	for _, member := range members {
		results = append(results, member.Result())
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", q.task.name, err)
	}
	q.task.complete(results, err)
}
