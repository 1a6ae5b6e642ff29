// Package taskchain provides a task-chaining and scheduling runtime for Go.
//
// Work is expressed as nodes. A node has a body, an affinity that selects the
// lane it runs on, and continuations that run after it depending on its
// outcome. Nodes linked with Then form a chain; starting any node of a chain
// starts its top, and each node dispatches its chosen continuation when it
// finishes.
//
// # Quick Start
//
// Create a manager at application startup:
//
//	m := taskchain.NewManager(core.DefaultManagerConfig())
//	defer m.Shutdown(context.Background())
//
// Build and start a chain:
//
//	fetch := taskchain.NewFunc(m, func(ctx context.Context, _ bool) (string, error) {
//		return "payload", nil
//	})
//	store := taskchain.New[string, taskchain.None](m, func(ctx context.Context, in taskchain.Input[string]) (taskchain.None, error) {
//		return taskchain.None{}, save(ctx, in.Value)
//	}, taskchain.WithAffinity(taskchain.AffinityExclusive))
//
//	fetch.Then(store, taskchain.OnSuccess)
//	fetch.Catch(func(err error) { log.Println(err) })
//	if err := store.Start(); err != nil {
//		log.Fatal(err)
//	}
//
// # Key Concepts
//
// Lanes: the scheduler pair runs Concurrent nodes in parallel up to
// MaxConcurrency and Exclusive nodes one at a time, never alongside concurrent
// work. UI nodes run on the runner registered with Manager.Initialize, either
// a SingleThreadTaskRunner or a PumpedTaskRunner driven by the caller's frame
// loop. Custom nodes run on any TaskRunner.
//
// Continuations: OnSuccess, OnFailure and OnAlways. A failure with no failure
// or always continuation travels down the success path to the nearest node
// that has one; the nodes it passes are marked skipped.
//
// Handlers: Catch and CatchRecover observe every body failure in the chain.
// FinallyInline runs once where the executed path ends; Finally appends a
// scheduled node that always runs.
//
// Cancellation: every node context derives from the manager's root context,
// and optionally from a caller context given with WithContext. Dispose
// cancels the root; nodes still queued resolve as canceled.
//
// TaskQueue: a node that starts a batch of members and finishes when all of
// them are terminal.
package taskchain
