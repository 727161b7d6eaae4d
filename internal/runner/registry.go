// ABOUTME: In-memory registry of in-flight runs keyed by thread
// ABOUTME: Owns each run's live buffer and stop token; injectable rather than process-global

package runner

import (
	"sync"
	"sync/atomic"
)

// Stop states of a run.
const (
	stopNone int32 = iota
	stopPending
	stopAborted
	stopSealed
)

// StopToken is the cancellation capability of one run. A stop moves through
// pending (abort in progress) to aborted, or back to none when the abort
// fails. Execution checks it at every emission and seals it at finalize.
type StopToken struct {
	state atomic.Int32
}

// Request marks the run as stopping. It reports false if a stop is already
// pending or done, or the run has finalized.
func (t *StopToken) Request() bool {
	return t.state.CompareAndSwap(stopNone, stopPending)
}

// Rollback withdraws a pending stop whose abort failed.
func (t *StopToken) Rollback() {
	t.state.CompareAndSwap(stopPending, stopNone)
}

// Confirm records that the agent accepted a pending stop.
func (t *StopToken) Confirm() {
	t.state.CompareAndSwap(stopPending, stopAborted)
}

// Requested reports whether a stop is pending or done.
func (t *StopToken) Requested() bool {
	s := t.state.Load()
	return s == stopPending || s == stopAborted
}

// Pending reports whether a stop is waiting on the agent's abort.
func (t *StopToken) Pending() bool {
	return t.state.Load() == stopPending
}

// Stopped reports whether the run was stopped.
func (t *StopToken) Stopped() bool {
	return t.state.Load() == stopAborted
}

// force stops the run unconditionally unless it has already finalized.
func (t *StopToken) force() {
	for {
		s := t.state.Load()
		if s == stopAborted || s == stopSealed {
			return
		}
		if t.state.CompareAndSwap(s, stopAborted) {
			return
		}
	}
}

// seal closes the token at finalize and reports whether the run was
// stopped. No stop can be requested afterwards.
func (t *StopToken) seal() bool {
	if t.state.CompareAndSwap(stopNone, stopSealed) {
		return false
	}
	return t.state.Load() == stopAborted
}

// ActiveRun is the in-memory state of one in-flight run.
type ActiveRun struct {
	ThreadID string
	RunID    string
	Stop     *StopToken

	agent Agent
	live  *liveStream
	done  chan struct{}

	// stopMu is held by Stop for the whole abort and by finalize while it
	// seals the token, so a run never finalizes with a stop half decided.
	stopMu sync.Mutex

	// persistMu orders thread deletion against the final ledger write so a
	// deleted thread is never written back.
	persistMu sync.Mutex
	deleted   bool
}

func newActiveRun(threadID, runID string, agent Agent) *ActiveRun {
	return &ActiveRun{
		ThreadID: threadID,
		RunID:    runID,
		Stop:     &StopToken{},
		agent:    agent,
		live:     newLiveStream(),
		done:     make(chan struct{}),
	}
}

// Done is closed once the run has been finalized.
func (a *ActiveRun) Done() <-chan struct{} {
	return a.done
}

// markDeleted flags the run's thread as deleted, waiting out any ledger
// write already in progress.
func (a *ActiveRun) markDeleted() {
	a.persistMu.Lock()
	a.deleted = true
	a.persistMu.Unlock()
}

// Registry tracks the in-flight run of each thread.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*ActiveRun
	// byID holds every run that has not finalized yet, including stopped
	// runs already replaced by a successor.
	byID map[string]*ActiveRun
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		runs: make(map[string]*ActiveRun),
		byID: make(map[string]*ActiveRun),
	}
}

// Begin registers a new run for a thread with a fresh live buffer. A run
// that is still finalizing after a confirmed stop is replaced; any other
// in-flight run, including one whose stop is still pending, makes Begin
// fail with ErrThreadRunning.
func (r *Registry) Begin(threadID, runID string, agent Agent) (*ActiveRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.runs[threadID]; ok && !prev.Stop.Stopped() {
		return nil, ErrThreadRunning
	}
	if _, ok := r.byID[runID]; ok {
		return nil, ErrDuplicateRunID
	}
	run := newActiveRun(threadID, runID, agent)
	r.runs[threadID] = run
	r.byID[runID] = run
	return run, nil
}

// Get returns the thread's in-flight run, or nil.
func (r *Registry) Get(threadID string) *ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[threadID]
}

// Remove forgets a finalized run and drops it as the thread's entry if it
// still is one. It reports whether the thread's entry was removed.
func (r *Registry) Remove(threadID string, run *ActiveRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[run.RunID] == run {
		delete(r.byID, run.RunID)
	}
	if r.runs[threadID] != run {
		return false
	}
	delete(r.runs, threadID)
	return true
}

// Terminate removes the thread's in-flight run because the thread is being
// deleted: the run is flagged so it will not be persisted, its live stream
// is completed, and its agent is asked to abort. Returns the removed run.
func (r *Registry) Terminate(threadID string) *ActiveRun {
	r.mu.Lock()
	run, ok := r.runs[threadID]
	if ok {
		delete(r.runs, threadID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	run.markDeleted()
	run.Stop.force()
	run.live.complete()
	if run.agent != nil {
		_ = run.agent.Abort()
	}
	return run
}

// Active returns a snapshot of the in-flight runs.
func (r *Registry) Active() []*ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ActiveRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	return out
}

// HasRun reports whether runID belongs to a run that has not finalized.
func (r *Registry) HasRun(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[runID]
	return ok
}

// Len returns the number of in-flight runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
