// Package catalog answers thread-level questions: what a thread contains
// (Connect), which threads a scope can see (ListThreads, GetThreadMetadata)
// and how to remove one (DeleteThread).
//
// Reads never fail on authorization. A thread the scope may not access is
// reported exactly like a thread that does not exist: an empty stream, a nil
// metadata result, a no-op delete.
package catalog
