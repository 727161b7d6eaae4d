// ABOUTME: Mock Ledger implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-runstore/internal/events"
)

// MockStore is an in-memory Ledger implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	runs     map[string]*RunRecord           // keyed by run ID
	order    []string                        // run IDs in insertion order
	owners   map[string]map[string]time.Time // threadID -> resourceID -> linked at
	states   map[string]*RunState            // keyed by thread ID
	now      func() time.Time
	failNext error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		runs:   make(map[string]*RunRecord),
		owners: make(map[string]map[string]time.Time),
		states: make(map[string]*RunState),
		now:    time.Now,
	}
}

// FailNextAppend makes the next AppendRun fail with err wrapped in ErrStorage.
func (m *MockStore) FailNextAppend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func copyRun(r *RunRecord) *RunRecord {
	c := *r
	c.Owners = slices.Clone(r.Owners)
	c.Properties = maps.Clone(r.Properties)
	c.Events = slices.Clone(r.Events)
	return &c
}

// AppendRun stores a copy of run with compacted events.
func (m *MockStore) AppendRun(ctx context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return storageErr("inserting run", err)
	}

	if _, ok := m.runs[run.RunID]; ok {
		return ErrDuplicateRun
	}
	if run.ParentRunID != "" {
		parent, ok := m.runs[run.ParentRunID]
		if !ok || parent.ThreadID != run.ThreadID {
			return fmt.Errorf("%w: %s", ErrInvalidParent, run.ParentRunID)
		}
	}

	owners := dedupeOwners(run.Owners)
	r := copyRun(run)
	if r.ResourceID == "" && len(owners) > 0 {
		r.ResourceID = owners[0]
	}
	if r.ResourceID == "" {
		return fmt.Errorf("appending run %s: no owner", run.RunID)
	}
	if r.Properties == nil {
		r.Properties = map[string]any{}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	// match the millisecond precision of the SQLite ledger
	r.CreatedAt = time.UnixMilli(r.CreatedAt.UnixMilli())
	if r.SchemaVersion == 0 {
		r.SchemaVersion = SchemaVersion
	}
	r.Events = events.Compact(r.Events)
	r.Owners = nil

	m.runs[r.RunID] = r
	m.order = append(m.order, r.RunID)
	m.linkLocked(run.ThreadID, owners)
	return nil
}

func (m *MockStore) linkLocked(threadID string, owners []string) {
	if len(owners) == 0 {
		return
	}
	links, ok := m.owners[threadID]
	if !ok {
		links = make(map[string]time.Time)
		m.owners[threadID] = links
	}
	now := time.UnixMilli(m.now().UnixMilli())
	for _, o := range owners {
		if _, ok := links[o]; !ok {
			links[o] = now
		}
	}
}

func (m *MockStore) threadRunsLocked(threadID string) []*RunRecord {
	var runs []*RunRecord
	for _, id := range m.order {
		if r := m.runs[id]; r.ThreadID == threadID {
			runs = append(runs, r)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs
}

func (m *MockStore) ownersLocked(threadID string) []string {
	links := m.owners[threadID]
	if len(links) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(links))
}

// ListRuns returns copies of the thread's runs in forest order.
func (m *MockStore) ListRuns(ctx context.Context, threadID string) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.threadRunsLocked(threadID)
	if len(stored) == 0 {
		return nil, nil
	}
	owners := m.ownersLocked(threadID)
	runs := make([]*RunRecord, len(stored))
	for i, r := range stored {
		runs[i] = copyRun(r)
		runs[i].Owners = slices.Clone(owners)
	}
	return orderRuns(runs), nil
}

// RunExists reports whether a run with this id is stored.
func (m *MockStore) RunExists(ctx context.Context, runID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.runs[runID]
	return ok, nil
}

// LatestRunID returns the most recently created run of a thread.
func (m *MockStore) LatestRunID(ctx context.Context, threadID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.threadRunsLocked(threadID)
	if len(runs) == 0 {
		return "", nil
	}
	return runs[len(runs)-1].RunID, nil
}

// History returns the thread's canonical replay history.
func (m *MockStore) History(ctx context.Context, threadID string) ([]events.Event, error) {
	runs, err := m.ListRuns(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return HistoryOf(runs), nil
}

// GetOwners returns the thread's owner ids sorted.
func (m *MockStore) GetOwners(ctx context.Context, threadID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownersLocked(threadID), nil
}

// AddOwners links owners to a thread.
func (m *MockStore) AddOwners(ctx context.Context, threadID string, owners []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkLocked(threadID, dedupeOwners(owners))
	return nil
}

// ThreadRefs returns the threads matching filter, most recently active first.
func (m *MockStore) ThreadRefs(ctx context.Context, filter ThreadFilter) ([]ThreadRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var refs []ThreadRef
	for threadID, links := range m.owners {
		if !filter.IncludeEphemeral && IsEphemeralThread(threadID) {
			continue
		}
		if filter.Owners != nil {
			match := false
			for _, o := range filter.Owners {
				if _, ok := links[o]; ok {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}

		var ref ThreadRef
		ref.ThreadID = threadID
		for _, at := range links {
			if ref.CreatedAt.IsZero() || at.Before(ref.CreatedAt) {
				ref.CreatedAt = at
			}
		}
		runs := m.threadRunsLocked(threadID)
		if len(runs) > 0 && runs[0].CreatedAt.Before(ref.CreatedAt) {
			ref.CreatedAt = runs[0].CreatedAt
		}
		ref.LastActivityAt = ref.CreatedAt
		if len(runs) > 0 && runs[len(runs)-1].CreatedAt.After(ref.LastActivityAt) {
			ref.LastActivityAt = runs[len(runs)-1].CreatedAt
		}
		refs = append(refs, ref)
	}

	sortThreadRefs(refs)
	return refs, nil
}

// TryAcquireRun marks a thread as running runID unless it already is.
func (m *MockStore) TryAcquireRun(ctx context.Context, threadID, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[threadID]
	if ok && st.IsRunning {
		return false, nil
	}
	m.states[threadID] = &RunState{
		ThreadID:     threadID,
		IsRunning:    true,
		CurrentRunID: runID,
		UpdatedAt:    m.now(),
	}
	return true, nil
}

// SetRunState sets the running flag while runID is the current run.
func (m *MockStore) SetRunState(ctx context.Context, threadID, runID string, running bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[threadID]
	if !ok || st.CurrentRunID != runID {
		return false, nil
	}
	st.IsRunning = running
	st.UpdatedAt = m.now()
	return true, nil
}

// ReleaseRun clears the running flag if runID is still current.
func (m *MockStore) ReleaseRun(ctx context.Context, threadID, runID string) error {
	_, err := m.SetRunState(ctx, threadID, runID, false)
	return err
}

// GetRunState returns a copy of the thread's run state.
func (m *MockStore) GetRunState(ctx context.Context, threadID string) (*RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *st
	return &c, nil
}

// ResetRunStates clears every running flag.
func (m *MockStore) ResetRunStates(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, st := range m.states {
		if st.IsRunning {
			st.IsRunning = false
			st.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

// DeleteThread removes a thread's runs, owner links and run state.
func (m *MockStore) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	for _, id := range m.order {
		if m.runs[id].ThreadID == threadID {
			delete(m.runs, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	delete(m.owners, threadID)
	delete(m.states, threadID)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Ledger
var (
	_ Ledger = (*MockStore)(nil)
	_ Ledger = (*SQLiteStore)(nil)
)
