// Package conversation provides the thread-level service that HTTP handlers
// and the CLI talk to.
//
// # Overview
//
// A Service wires one ledger to a registry of in-flight runs, the run
// executor and the thread catalog:
//
//	svc := conversation.New(ledger, conversation.WithLogger(logger))
//
// Key operations:
//
//   - Run(ctx, req): start a run on a thread and stream its events
//   - Connect(ctx, threadID, scope): replay history, then follow the live run
//   - IsRunning / Stop: inspect or interrupt the in-flight run
//   - ListThreads / GetThreadMetadata: paged listing and single-thread projection
//   - DeleteThread: purge a thread and end its in-flight run
//
// # Ownership
//
// Every thread is owned by one or more resource ids, fixed when the first
// run creates it. An auth.Scope names the caller: a resource scope may touch
// threads sharing one of its ids, the admin scope may touch any existing
// thread but cannot create one, and the default scope behaves as the shared
// "global" owner.
//
// # Activity
//
// Watch streams run starts, run ends and deletions for the threads a scope
// can see. Delivery is best effort: a subscriber that falls behind loses
// activity rather than slowing runs down.
package conversation
