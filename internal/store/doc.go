// Package store persists agent runs using SQLite.
//
// # Data Model
//
//   - RunRecord: one finished run of a thread, written once at finalize time.
//     Runs chain through ParentRunID; a thread's runs form a forest whose
//     roots have no parent.
//   - Owner links: the (thread, resource) pairs that decide who may touch a
//     thread. A thread exists once it has at least one link.
//   - RunState: the per-thread running flag, the only mutual-exclusion
//     primitive between runs of a thread.
//
// # Tables
//
//	agent_runs        run log with parent pointer, primary owner, properties and compacted events
//	thread_resources  owner links, keyed by (thread_id, resource_id)
//	run_state         thread_id -> is_running, current_run_id, updated_at
//	schema_migrations applied schema versions
//
// # Migrations
//
// Schema changes are numbered, additive steps applied in order at open time.
// Each step runs in its own transaction together with its schema_migrations
// row, so a failed upgrade leaves the database at the last good version.
//
// # Implementations
//
// SQLiteStore is the production Ledger. MockStore keeps everything in memory
// with the same semantics and is used by tests in other packages.
package store
