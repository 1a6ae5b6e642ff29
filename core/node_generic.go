package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// None is the input or result type of nodes that have none.
type None = struct{}

// Input is what a body receives from its upstream node.
type Input[In any] struct {
	// Success is true when there is no upstream, or the upstream succeeded or
	// was recovered.
	Success bool
	// Value is the upstream result when it has type In.
	Value In
	// Err is the upstream failure, if any.
	Err error

	report func(value, total int64, message string)
}

// Report publishes progress for the running node.
func (in Input[In]) Report(value, total int64, message string) {
	if in.report != nil {
		in.report(value, total, message)
	}
}

// Body is the work of a node.
type Body[In, Out any] func(ctx context.Context, in Input[In]) (Out, error)

type nodeOptions struct {
	name     string
	affinity TaskAffinity
	ctx      context.Context
	runner   TaskRunner
}

// Option configures a node at construction.
type Option func(*nodeOptions)

func WithName(name string) Option {
	return func(o *nodeOptions) { o.name = name }
}

func WithAffinity(affinity TaskAffinity) Option {
	return func(o *nodeOptions) { o.affinity = affinity }
}

// WithContext links ctx to the node: canceling it cancels the node.
func WithContext(ctx context.Context) Option {
	return func(o *nodeOptions) { o.ctx = ctx }
}

// WithRunner runs the node on runner. It implies AffinityCustom.
func WithRunner(runner TaskRunner) Option {
	return func(o *nodeOptions) {
		o.runner = runner
		o.affinity = AffinityCustom
	}
}

// Node is a unit of work whose body maps an upstream result of type In to a
// result of type Out.
type Node[In, Out any] struct {
	*task
}

// New creates an unstarted node owned by m. Nodes default to
// AffinityConcurrent.
func New[In, Out any](m *Manager, body Body[In, Out], opts ...Option) *Node[In, Out] {
	if body == nil {
		panic("core: New requires a body")
	}
	n := &Node[In, Out]{task: newTask(m, opts)}
	n.task.self = n
	_, ignoreValue := any(*new(In)).(None)

	n.task.exec = func(ctx context.Context, raw input) (any, error) {
		in := Input[In]{Success: raw.success, Err: raw.err, report: n.task.reportProgress}
		if raw.value != nil {
			v, ok := raw.value.(In)
			switch {
			case ok:
				in.Value = v
			case raw.success && !ignoreValue:
				return nil, fmt.Errorf("%s: %w: %T", n.task.name, ErrInputType, raw.value)
			}
		}
		out, err := body(ctx, in)
		return out, err
	}
	return n
}

// NewFunc creates a node that ignores upstream values.
func NewFunc[Out any](m *Manager, fn func(ctx context.Context, success bool) (Out, error), opts ...Option) *Node[None, Out] {
	if fn == nil {
		panic("core: NewFunc requires a function")
	}
	return New[None, Out](m, func(ctx context.Context, in Input[None]) (Out, error) {
		return fn(ctx, in.Success)
	}, opts...)
}

// NewAction creates a node with neither input nor result.
func NewAction(m *Manager, fn func(ctx context.Context, success bool) error, opts ...Option) *Node[None, None] {
	if fn == nil {
		panic("core: NewAction requires a function")
	}
	return New[None, None](m, func(ctx context.Context, in Input[None]) (None, error) {
		return None{}, fn(ctx, in.Success)
	}, opts...)
}

// Result returns the typed result, or the zero value before the node finished
// successfully.
func (n *Node[In, Out]) Result() Out {
	v, _ := n.task.resultValue().(Out)
	return v
}

// Then links next after prev and returns next with its type.
func Then[In, Out any](prev Runnable, next *Node[In, Out], opt RunOption) *Node[In, Out] {
	prev.Then(next, opt)
	return next
}

// Streaming is a node that publishes data items while it runs.
type Streaming[T any] interface {
	Runnable
	OnData(handler func(T)) Streaming[T]
}

// StreamNode is a node whose body emits items. Each item is published to
// OnData subscribers as it is emitted and collected into the result.
type StreamNode[In, T any] struct {
	*Node[In, []T]

	mu       sync.Mutex
	handlers []func(T)
}

// NewStream creates a streaming node. emit may only be called from body.
func NewStream[In, T any](m *Manager, body func(ctx context.Context, in Input[In], emit func(T)) error, opts ...Option) *StreamNode[In, T] {
	if body == nil {
		panic("core: NewStream requires a body")
	}
	s := &StreamNode[In, T]{}
	s.Node = New[In, []T](m, func(ctx context.Context, in Input[In]) ([]T, error) {
		var items []T
		err := body(ctx, in, func(item T) {
			items = append(items, item)
			s.publish(item)
		})
		return items, err
	}, opts...)
	s.task.self = s
	return s
}

// OnData subscribes to emitted items. Handlers run on the node's lane.
func (s *StreamNode[In, T]) OnData(handler func(T)) Streaming[T] {
	if handler != nil {
		s.mu.Lock()
		s.handlers = append(s.handlers, handler)
		s.mu.Unlock()
	}
	return s
}

func (s *StreamNode[In, T]) publish(item T) {
	s.mu.Lock()
	handlers := slices.Clone(s.handlers)
	s.mu.Unlock()
	for _, h := range handlers {
		s.task.guard("data", func() { h(item) })
	}
}
