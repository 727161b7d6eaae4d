// ABOUTME: Thread catalog: connect replay, listing, metadata and deletion
// ABOUTME: Reads the ledger plus registry state; unauthorized reads look like missing threads

package catalog

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/events"
	"github.com/2389/coven-runstore/internal/runner"
	"github.com/2389/coven-runstore/internal/store"
)

// Listing limits.
const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// PreviewLength is the maximum preview length in runes.
const PreviewLength = 120

// ThreadMetadata is the listing projection of a thread.
type ThreadMetadata struct {
	ThreadID       string         `json:"threadId"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Preview        string         `json:"preview"`
	MessageCount   int            `json:"messageCount"`
	RunCount       int            `json:"runCount"`
	IsRunning      bool           `json:"isRunning"`
	ResourceID     string         `json:"resourceId,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
}

// ThreadList is one page of threads. Total counts every thread visible to
// the scope regardless of paging.
type ThreadList struct {
	Threads []*ThreadMetadata `json:"threads"`
	Total   int               `json:"total"`
}

// Catalog answers thread-level queries.
type Catalog struct {
	ledger   store.Ledger
	registry *runner.Registry
	guard    *auth.Guard
	logger   *slog.Logger
	notify   func(runner.Activity)
	now      func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l.With("component", "catalog") }
}

// WithNotifier receives thread deletions. It must not block.
func WithNotifier(fn func(runner.Activity)) Option {
	return func(c *Catalog) { c.notify = fn }
}

// New creates a Catalog over ledger and the registry of in-flight runs.
func New(ledger store.Ledger, registry *runner.Registry, guard *auth.Guard, opts ...Option) *Catalog {
	c := &Catalog{
		ledger:   ledger,
		registry: registry,
		guard:    guard,
		logger:   slog.Default().With("component", "catalog"),
		notify:   func(runner.Activity) {},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// authorized returns the thread's owners if scope may read it. A thread
// without owners does not exist.
func (c *Catalog) authorized(ctx context.Context, threadID string, scope auth.Scope) ([]string, bool, error) {
	if auth.ValidateScope(scope) != nil {
		return nil, false, nil
	}
	owners, err := c.ledger.GetOwners(ctx, threadID)
	if err != nil {
		return nil, false, err
	}
	if len(owners) == 0 || !c.guard.Matches(owners, scope) {
		return nil, false, nil
	}
	return owners, true, nil
}

// Connect replays the thread's history and, when a run is in flight that
// the history does not yet contain, continues with that run's live events.
// Live events whose message was already replayed are suppressed. A missing
// or unauthorized thread yields an empty, completed stream.
func (c *Catalog) Connect(ctx context.Context, threadID string, scope auth.Scope) *runner.Stream {
	_, ok, err := c.authorized(ctx, threadID, scope)
	if err != nil {
		c.logger.Error("connect: reading owners", "thread_id", threadID, "error", err)
		return runner.EmptyStream()
	}
	if !ok {
		return runner.EmptyStream()
	}

	// The active run must be looked up before history is read: a run that
	// finalizes in between is then either in the history or still bridged.
	active := c.registry.Get(threadID)

	runs, err := c.ledger.ListRuns(ctx, threadID)
	if err != nil {
		c.logger.Error("connect: reading history", "thread_id", threadID, "error", err)
		return runner.EmptyStream()
	}
	history := store.HistoryOf(runs)

	if active != nil && slices.ContainsFunc(runs, func(r *store.RunRecord) bool { return r.RunID == active.RunID }) {
		active = nil
	}
	if active == nil {
		return runner.NewStream(ctx, history, nil, nil)
	}

	replayed := events.MessageIDs(history)
	skip := func(e events.Event) bool {
		id := e.Identity()
		if id == "" {
			return false
		}
		_, dup := replayed[id]
		return dup
	}
	c.logger.Debug("connect bridging live run", "thread_id", threadID, "run_id", active.RunID, "replayed", len(history))
	return runner.NewStream(ctx, history, active, skip)
}

// ListThreads returns one page of the threads visible to scope, newest
// activity first. Ephemeral threads are never listed.
func (c *Catalog) ListThreads(ctx context.Context, scope auth.Scope, limit, offset int) (*ThreadList, error) {
	if err := auth.ValidateScope(scope); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	offset = max(offset, 0)

	var filter store.ThreadFilter
	if ids := scope.ResourceIDs(); len(ids) > 0 {
		filter.Owners = ids
	}
	refs, err := c.ledger.ThreadRefs(ctx, filter)
	if err != nil {
		return nil, err
	}

	list := &ThreadList{Threads: []*ThreadMetadata{}, Total: len(refs)}
	if offset >= len(refs) {
		return list, nil
	}
	page := refs[offset:min(offset+limit, len(refs))]
	for _, ref := range page {
		owners, err := c.ledger.GetOwners(ctx, ref.ThreadID)
		if err != nil {
			return nil, err
		}
		md, err := c.project(ctx, ref, owners)
		if err != nil {
			return nil, err
		}
		list.Threads = append(list.Threads, md)
	}
	return list, nil
}

// GetThreadMetadata returns the thread's projection, or nil if the thread
// does not exist or scope may not read it.
func (c *Catalog) GetThreadMetadata(ctx context.Context, threadID string, scope auth.Scope) (*ThreadMetadata, error) {
	owners, ok, err := c.authorized(ctx, threadID, scope)
	if err != nil || !ok {
		return nil, err
	}
	return c.project(ctx, store.ThreadRef{ThreadID: threadID}, owners)
}

// project builds the metadata of one thread. Times missing from ref are
// taken from the thread's runs.
func (c *Catalog) project(ctx context.Context, ref store.ThreadRef, owners []string) (*ThreadMetadata, error) {
	runs, err := c.ledger.ListRuns(ctx, ref.ThreadID)
	if err != nil {
		return nil, err
	}
	running, err := c.isRunning(ctx, ref.ThreadID)
	if err != nil {
		return nil, err
	}

	history := store.HistoryOf(runs)
	md := &ThreadMetadata{
		ThreadID:       ref.ThreadID,
		CreatedAt:      ref.CreatedAt,
		LastActivityAt: ref.LastActivityAt,
		Preview:        truncateRunes(events.FirstText(history), PreviewLength),
		MessageCount:   len(events.MessageIDs(history)),
		RunCount:       len(runs),
		IsRunning:      running,
	}
	if len(owners) > 0 {
		md.ResourceID = slices.Min(owners)
	}

	var latest *store.RunRecord
	for _, r := range runs {
		if md.CreatedAt.IsZero() || r.CreatedAt.Before(md.CreatedAt) {
			md.CreatedAt = r.CreatedAt
		}
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest != nil {
		md.Properties = latest.Properties
		if latest.CreatedAt.After(md.LastActivityAt) {
			md.LastActivityAt = latest.CreatedAt
		}
	}
	if md.LastActivityAt.Before(md.CreatedAt) {
		md.LastActivityAt = md.CreatedAt
	}
	return md, nil
}

func (c *Catalog) isRunning(ctx context.Context, threadID string) (bool, error) {
	st, err := c.ledger.GetRunState(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.IsRunning, nil
}

// DeleteThread removes the thread and ends any run in flight on it. It is a
// silent no-op when scope may not access the thread or the thread is gone.
func (c *Catalog) DeleteThread(ctx context.Context, threadID string, scope auth.Scope) error {
	owners, ok, err := c.authorized(ctx, threadID, scope)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debug("delete skipped", "thread_id", threadID, "scope", scope.String())
		return nil
	}

	if run := c.registry.Terminate(threadID); run != nil {
		c.logger.Info("terminated in-flight run for deleted thread", "thread_id", threadID, "run_id", run.RunID)
	}
	if err := c.ledger.DeleteThread(ctx, threadID); err != nil {
		return err
	}

	c.logger.Info("thread deleted", "thread_id", threadID)
	c.notify(runner.Activity{Kind: runner.ActivityDeleted, ThreadID: threadID, Owners: owners, At: c.now()})
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
