// Package dedupe remembers recently submitted run ids for a bounded time
// window, so that a client retrying a run submission with the same run id
// gets a conflict instead of a second execution.
package dedupe
