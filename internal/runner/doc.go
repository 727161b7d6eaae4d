// ABOUTME: Package documentation for the run executor
// ABOUTME: Describes admission, live delivery and finalization of agent runs

// Package runner executes agent runs on threads.
//
// A run is admitted only after the caller's scope is checked against the
// thread's owners and the thread's running flag is taken in the ledger. The
// agent then runs detached from the caller; its events are stamped, appended
// to an in-memory live buffer that any number of Streams can follow, and on
// completion compacted and written to the ledger as one run record.
//
// Stop is cooperative: it marks the run's StopToken, clears the running flag
// and asks the agent to abort. Events the agent emits afterwards are dropped
// and the run ends with a RUN_ERROR carrying the "stopped" code.
package runner
