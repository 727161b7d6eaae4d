// ABOUTME: Ledger interface and data types for run persistence
// ABOUTME: Defines RunRecord, RunState, ThreadRef and the errors shared by all ledgers

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-runstore/internal/events"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateRun is returned when appending a run whose id is already stored
var ErrDuplicateRun = errors.New("run already exists")

// ErrInvalidParent is returned when a run's parent is not a run of the same thread
var ErrInvalidParent = errors.New("parent run does not belong to thread")

// ErrStorage wraps every failure of the underlying database
var ErrStorage = errors.New("storage error")

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// RunRecord is one persisted run of a thread.
type RunRecord struct {
	ThreadID    string
	RunID       string
	ParentRunID string // empty for root runs

	// ResourceID is the primary owner stored with the run. Owners is the full
	// owner set: on append it lists the links to ensure, on read it holds the
	// thread's current owners.
	ResourceID string
	Owners     []string

	Properties    map[string]any
	Events        []events.Event
	CreatedAt     time.Time
	SchemaVersion int
}

// RunState is the per-thread mutual-exclusion flag.
type RunState struct {
	ThreadID     string
	IsRunning    bool
	CurrentRunID string
	UpdatedAt    time.Time
}

// ThreadRef is a thread known to the ledger with its activity window.
type ThreadRef struct {
	ThreadID       string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ThreadFilter narrows ThreadRefs.
type ThreadFilter struct {
	// Owners restricts results to threads linked to at least one of these
	// resource ids. Nil means every thread.
	Owners []string
	// IncludeEphemeral keeps threads matching the ephemeral naming convention.
	IncludeEphemeral bool
}

// Ephemeral thread naming convention. Such threads stay addressable by id but
// are hidden from listings.
const (
	EphemeralMarker = "-suggestions-"
	EphemeralPrefix = "ephemeral-"
)

// IsEphemeralThread reports whether id follows the ephemeral naming convention.
func IsEphemeralThread(id string) bool {
	return strings.Contains(id, EphemeralMarker) || strings.HasPrefix(id, EphemeralPrefix)
}

// Ledger is the persistence contract for runs, owner links and run state.
type Ledger interface {
	// Runs
	AppendRun(ctx context.Context, run *RunRecord) error
	ListRuns(ctx context.Context, threadID string) ([]*RunRecord, error)
	RunExists(ctx context.Context, runID string) (bool, error)
	LatestRunID(ctx context.Context, threadID string) (string, error)
	History(ctx context.Context, threadID string) ([]events.Event, error)

	// Owners
	GetOwners(ctx context.Context, threadID string) ([]string, error)
	AddOwners(ctx context.Context, threadID string, owners []string) error
	ThreadRefs(ctx context.Context, filter ThreadFilter) ([]ThreadRef, error)

	// Run state
	TryAcquireRun(ctx context.Context, threadID, runID string) (bool, error)
	SetRunState(ctx context.Context, threadID, runID string, running bool) (bool, error)
	ReleaseRun(ctx context.Context, threadID, runID string) error
	GetRunState(ctx context.Context, threadID string) (*RunState, error)
	ResetRunStates(ctx context.Context) (int64, error)

	DeleteThread(ctx context.Context, threadID string) error
	Close() error
}

// orderRuns arranges runs (already sorted by creation) as a forest walk:
// each root in creation order followed depth-first by its descendants, with
// siblings in creation order. A run whose parent is missing counts as a root.
// The walk is iterative so long chains cannot exhaust the stack.
func orderRuns(runs []*RunRecord) []*RunRecord {
	byID := make(map[string]*RunRecord, len(runs))
	for _, r := range runs {
		byID[r.RunID] = r
	}

	children := make(map[string][]*RunRecord)
	var roots []*RunRecord
	for _, r := range runs {
		if _, ok := byID[r.ParentRunID]; r.ParentRunID == "" || !ok || r.ParentRunID == r.RunID {
			roots = append(roots, r)
			continue
		}
		children[r.ParentRunID] = append(children[r.ParentRunID], r)
	}

	out := make([]*RunRecord, 0, len(runs))
	visited := make(map[string]bool, len(runs))
	stack := make([]*RunRecord, 0, len(runs))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[r.RunID] {
			continue
		}
		visited[r.RunID] = true
		out = append(out, r)
		kids := children[r.RunID]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}

	// runs caught in a parent cycle are unreachable from any root
	for _, r := range runs {
		if !visited[r.RunID] {
			out = append(out, r)
		}
	}
	return out
}

// HistoryOf concatenates the events of runs, as ordered by ListRuns, and
// recompacts them into one thread history.
func HistoryOf(runs []*RunRecord) []events.Event {
	var all []events.Event
	for _, r := range runs {
		all = append(all, r.Events...)
	}
	return events.Compact(all)
}

// sortThreadRefs orders refs by last activity, newest first, then by id.
func sortThreadRefs(refs []ThreadRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		if !refs[i].LastActivityAt.Equal(refs[j].LastActivityAt) {
			return refs[i].LastActivityAt.After(refs[j].LastActivityAt)
		}
		return refs[i].ThreadID < refs[j].ThreadID
	})
}

// dedupeOwners drops blank and repeated owner ids, keeping first occurrence order.
func dedupeOwners(owners []string) []string {
	out := make([]string, 0, len(owners))
	seen := make(map[string]bool, len(owners))
	for _, o := range owners {
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}
