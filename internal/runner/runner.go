// ABOUTME: Run executor: admits runs, drives agents, publishes live events, persists results
// ABOUTME: Enforces ownership and single-run-per-thread before any event is emitted

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/events"
	"github.com/2389/coven-runstore/internal/store"
)

// ErrThreadRunning is returned when a thread already has a run in flight.
var ErrThreadRunning = errors.New("Thread already running")

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid run request")

// ErrDuplicateRunID is returned when a run id is already stored or in
// flight on any thread.
var ErrDuplicateRunID = errors.New("run id already used")

const (
	// DefaultPersistTimeout bounds the final ledger write of a run.
	DefaultPersistTimeout = 30 * time.Second
	// DefaultSettleTimeout bounds how long a new run waits for a stopped
	// predecessor on the same thread to finalize.
	DefaultSettleTimeout = 5 * time.Second
)

// ActivityKind says what happened to a thread.
type ActivityKind string

const (
	ActivityRunStarted  ActivityKind = "run_started"
	ActivityRunFinished ActivityKind = "run_finished"
	ActivityDeleted     ActivityKind = "thread_deleted"
)

// Activity is a thread-level change reported to the notifier.
type Activity struct {
	Kind     ActivityKind `json:"kind"`
	ThreadID string       `json:"threadId"`
	RunID    string       `json:"runId,omitempty"`
	Owners   []string     `json:"-"`
	At       time.Time    `json:"at"`
}

// RunRequest describes one run.
type RunRequest struct {
	ThreadID   string
	RunID      string // generated when empty
	Agent      Agent
	Messages   []events.Message
	State      []byte
	Properties map[string]any
	Scope      auth.Scope
}

// Runner executes runs against a Ledger.
type Runner struct {
	ledger   store.Ledger
	registry *Registry
	guard    *auth.Guard
	logger   *slog.Logger
	tracer   trace.Tracer

	policy         events.FailurePolicy
	persistTimeout time.Duration
	settleTimeout  time.Duration
	notify         func(Activity)
	now            func() time.Time

	// admit serializes admissions so run id and running flag checks see
	// every run admitted before them.
	admit sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithFailurePolicy sets how agent failures end the stream.
func WithFailurePolicy(p events.FailurePolicy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithTracer sets the tracer used for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l.With("component", "runner") }
}

// WithPersistTimeout bounds the final ledger write of each run.
func WithPersistTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

// WithSettleTimeout bounds the wait for a stopped run to finalize before
// its successor is admitted.
func WithSettleTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.settleTimeout = d
		}
	}
}

// WithNotifier receives thread activity. It must not block.
func WithNotifier(fn func(Activity)) Option {
	return func(r *Runner) { r.notify = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner.
func New(ledger store.Ledger, registry *Registry, guard *auth.Guard, opts ...Option) *Runner {
	r := &Runner{
		ledger:         ledger,
		registry:       registry,
		guard:          guard,
		logger:         slog.Default().With("component", "runner"),
		tracer:         otel.Tracer("github.com/2389/coven-runstore/internal/runner"),
		persistTimeout: DefaultPersistTimeout,
		settleTimeout:  DefaultSettleTimeout,
		notify:         func(Activity) {},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry of in-flight runs.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// runPlan is everything execute needs, fixed at admission.
type runPlan struct {
	input     AgentInput
	owners    []string
	seen      map[string]struct{}
	startedAt time.Time
}

// Run admits a run and starts it in the background. It returns the stream
// of this run's events, which ends once the run is finalized. All
// authorization and conflict checks happen before anything is changed.
//
// The run outlives ctx: a caller that stops reading only closes its stream.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Stream, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("%w: thread id is required", ErrInvalidRequest)
	}
	if req.Agent == nil {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidRequest)
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	if err := auth.ValidateScope(req.Scope); err != nil {
		return nil, err
	}

	if err := r.settle(ctx, req.ThreadID); err != nil {
		return nil, err
	}

	owners, err := r.ledger.GetOwners(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	resolved, err := r.guard.ResolveOwners(owners, req.Scope)
	if err != nil {
		return nil, err
	}

	active, plan, err := r.admitRun(ctx, req, owners, resolved)
	if err != nil {
		return nil, err
	}

	r.logger.Info("run started",
		"thread_id", req.ThreadID,
		"run_id", req.RunID,
		"parent_run_id", plan.input.ParentRunID,
		"scope", req.Scope.String())
	r.notify(Activity{Kind: ActivityRunStarted, ThreadID: req.ThreadID, RunID: req.RunID, Owners: plan.owners, At: plan.startedAt})

	stream := newStream(ctx, nil, active.live, nil)
	go r.execute(context.WithoutCancel(ctx), active, plan)
	return stream, nil
}

// settle waits for a stopped run still finalizing on the thread, so that
// its successor chains onto it and sees its messages. Past the settle
// timeout the successor is admitted anyway and becomes a sibling.
func (r *Runner) settle(ctx context.Context, threadID string) error {
	prev := r.registry.Get(threadID)
	if prev == nil || !prev.Stop.Stopped() {
		return nil
	}

	timer := time.NewTimer(r.settleTimeout)
	defer timer.Stop()
	select {
	case <-prev.Done():
	case <-timer.C:
		r.logger.Warn("stopped run still finalizing, admitting successor",
			"thread_id", threadID, "run_id", prev.RunID, "waited", r.settleTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// admitRun takes the thread's running flag and registers the run. Any
// failure after the flag is taken gives it back.
func (r *Runner) admitRun(ctx context.Context, req RunRequest, owners, resolved []string) (*ActiveRun, runPlan, error) {
	r.admit.Lock()
	defer r.admit.Unlock()

	if prev := r.registry.Get(req.ThreadID); prev != nil && !prev.Stop.Stopped() {
		return nil, runPlan{}, ErrThreadRunning
	}

	// A run id is in the registry until its record is written, so between
	// them the two lookups cover every run that will be persisted.
	if r.registry.HasRun(req.RunID) {
		return nil, runPlan{}, fmt.Errorf("%w: %s", ErrDuplicateRunID, req.RunID)
	}
	exists, err := r.ledger.RunExists(ctx, req.RunID)
	if err != nil {
		return nil, runPlan{}, err
	}
	if exists {
		return nil, runPlan{}, fmt.Errorf("%w: %s", ErrDuplicateRunID, req.RunID)
	}

	acquired, err := r.ledger.TryAcquireRun(ctx, req.ThreadID, req.RunID)
	if err != nil {
		return nil, runPlan{}, err
	}
	if !acquired {
		return nil, runPlan{}, ErrThreadRunning
	}

	release := func(cause error) (*ActiveRun, runPlan, error) {
		if err := r.ledger.ReleaseRun(context.WithoutCancel(ctx), req.ThreadID, req.RunID); err != nil {
			r.logger.Error("failed to release run state", "thread_id", req.ThreadID, "run_id", req.RunID, "error", err)
		}
		return nil, runPlan{}, cause
	}

	// Another caller may have created or deleted the thread between the
	// ownership check and taking the flag; decide again on what is there now.
	current, err := r.ledger.GetOwners(ctx, req.ThreadID)
	if err != nil {
		return release(err)
	}
	if !slices.Equal(current, owners) {
		if resolved, err = r.guard.ResolveOwners(current, req.Scope); err != nil {
			return release(err)
		}
	}
	if len(current) == 0 {
		if err := r.ledger.AddOwners(ctx, req.ThreadID, resolved); err != nil {
			return release(err)
		}
	}

	parent, err := r.ledger.LatestRunID(ctx, req.ThreadID)
	if err != nil {
		return release(err)
	}
	history, err := r.ledger.History(ctx, req.ThreadID)
	if err != nil {
		return release(err)
	}

	active, err := r.registry.Begin(req.ThreadID, req.RunID, req.Agent)
	if err != nil {
		return release(err)
	}

	plan := runPlan{
		input: AgentInput{
			ThreadID:    req.ThreadID,
			RunID:       req.RunID,
			ParentRunID: parent,
			Messages:    slices.Clone(req.Messages),
			State:       req.State,
			Properties:  req.Properties,
		},
		owners:    resolved,
		seen:      events.MessageIDs(history),
		startedAt: r.now(),
	}
	return active, plan, nil
}

// IsRunning reports whether the thread's running flag is set.
func (r *Runner) IsRunning(ctx context.Context, threadID string) (bool, error) {
	st, err := r.ledger.GetRunState(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.IsRunning, nil
}

// Stop asks the thread's in-flight run to stop. It returns false if nothing
// is running, a stop is already pending, or the agent refused to abort; in
// the last case the run carries on as if Stop had not been called. Events
// the agent emits while the abort is undecided are held back, then dropped
// or released with the outcome.
func (r *Runner) Stop(ctx context.Context, threadID string) bool {
	active := r.registry.Get(threadID)
	if active == nil {
		return false
	}

	active.stopMu.Lock()
	defer active.stopMu.Unlock()
	if !active.Stop.Request() {
		return false
	}

	cleared, err := r.ledger.SetRunState(ctx, threadID, active.RunID, false)
	if err != nil {
		active.Stop.Rollback()
		r.logger.Error("failed to clear run state on stop", "thread_id", threadID, "run_id", active.RunID, "error", err)
		return false
	}

	if err := active.agent.Abort(); err != nil {
		if cleared {
			if _, rerr := r.ledger.SetRunState(context.WithoutCancel(ctx), threadID, active.RunID, true); rerr != nil {
				r.logger.Error("failed to restore run state", "thread_id", threadID, "run_id", active.RunID, "error", rerr)
			}
		}
		active.Stop.Rollback()
		r.logger.Warn("agent abort failed", "thread_id", threadID, "run_id", active.RunID, "error", err)
		return false
	}
	active.Stop.Confirm()

	r.logger.Info("run stop requested", "thread_id", threadID, "run_id", active.RunID)
	return true
}

// sanitizeInput drops messages already present in the thread's history.
func sanitizeInput(msgs []events.Message, seen map[string]struct{}) []events.Message {
	out := make([]events.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; m.ID != "" && dup {
			continue
		}
		out = append(out, m)
	}
	return out
}

// execute drives the agent and finalizes the run. ctx is detached from the
// caller.
func (r *Runner) execute(ctx context.Context, active *ActiveRun, plan runPlan) {
	ctx, span := r.tracer.Start(ctx, "runner.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.thread_id", active.ThreadID),
			attribute.String("run.id", active.RunID),
			attribute.String("run.parent_id", plan.input.ParentRunID),
		),
	)
	defer span.End()

	var (
		mu          sync.Mutex
		buffer      []events.Event
		held        []events.Event
		started     bool
		sealed      bool
		newMessages int
	)

	startEvent := func() events.Event {
		return events.Event{
			Type:     events.TypeRunStarted,
			ThreadID: active.ThreadID,
			RunID:    active.RunID,
		}
	}

	// publishLocked records e for persistence and hands it to subscribers.
	publishLocked := func(e events.Event) {
		e = e.Stamp(r.now())
		if e.Type == events.TypeRunStarted {
			if e.ThreadID == "" {
				e.ThreadID = active.ThreadID
			}
			if e.RunID == "" {
				e.RunID = active.RunID
			}
			if e.Input == nil {
				e.Input = &events.RunInput{
					ThreadID:    active.ThreadID,
					RunID:       active.RunID,
					ParentRunID: plan.input.ParentRunID,
					Messages:    sanitizeInput(plan.input.Messages, plan.seen),
					State:       plan.input.State,
				}
			}
		}
		buffer = append(buffer, e)
		active.live.append(e)
	}

	acceptLocked := func(e events.Event) {
		if e.Type == events.TypeRunStarted {
			if started {
				return
			}
			started = true
		} else if !started {
			started = true
			publishLocked(startEvent())
		}
		publishLocked(e)
	}

	// flushLocked releases events held back by a stop whose abort failed.
	flushLocked := func() {
		for _, e := range held {
			acceptLocked(e)
		}
		held = nil
	}

	emit := func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if sealed || active.Stop.Stopped() {
			return
		}
		if active.Stop.Pending() {
			held = append(held, e)
			return
		}
		flushLocked()
		acceptLocked(e)
	}

	cb := Callbacks{
		OnEvent:           emit,
		OnRunStartedEvent: emit,
		OnNewMessage: func(m events.Message) {
			mu.Lock()
			newMessages++
			mu.Unlock()
			r.logger.Debug("agent message completed", "thread_id", active.ThreadID, "run_id", active.RunID, "message_id", m.ID, "role", m.Role)
		},
	}

	runErr := r.runAgent(ctx, active.agent, plan.input, cb)

	// finalize: settle any stop in progress, then close the event log
	active.stopMu.Lock()
	stopped := active.Stop.seal()
	active.stopMu.Unlock()

	mu.Lock()
	sealed = true
	if stopped {
		held = nil
	} else {
		flushLocked()
	}
	if !started {
		started = true
		publishLocked(startEvent())
	}
	tail := events.FinalizeTail(buffer, events.FinalizeOptions{
		ThreadID: active.ThreadID,
		RunID:    active.RunID,
		Stopped:  stopped,
		Failure:  runErr,
		Policy:   r.policy,
		Now:      r.now(),
	})
	for _, e := range tail {
		publishLocked(e)
	}
	record := &store.RunRecord{
		ThreadID:    active.ThreadID,
		RunID:       active.RunID,
		ParentRunID: plan.input.ParentRunID,
		Owners:      plan.owners,
		Properties:  plan.input.Properties,
		Events:      slices.Clone(buffer),
		CreatedAt:   plan.startedAt,
	}
	span.SetAttributes(
		attribute.Int("run.events", len(buffer)),
		attribute.Int("run.new_messages", newMessages),
		attribute.Bool("run.stopped", stopped),
	)
	mu.Unlock()

	outcome := "completed"
	switch {
	case stopped:
		outcome = "stopped"
	case runErr != nil:
		outcome = "failed"
		span.RecordError(runErr)
		r.logger.Warn("agent failed", "thread_id", active.ThreadID, "run_id", active.RunID, "error", runErr)
	}
	span.SetAttributes(attribute.String("run.outcome", outcome))

	if err := r.persist(ctx, active, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		r.logger.Error("failed to persist run", "thread_id", active.ThreadID, "run_id", active.RunID, "error", err)
	} else if runErr != nil && r.policy == events.FailurePolicyError {
		span.SetStatus(codes.Error, runErr.Error())
	}

	rctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	if err := r.ledger.ReleaseRun(rctx, active.ThreadID, active.RunID); err != nil {
		r.logger.Error("failed to release run state", "thread_id", active.ThreadID, "run_id", active.RunID, "error", err)
	}
	cancel()

	r.registry.Remove(active.ThreadID, active)
	active.live.complete()
	close(active.done)

	r.logger.Info("run finished",
		"thread_id", active.ThreadID,
		"run_id", active.RunID,
		"outcome", outcome,
		"events", len(record.Events),
		"duration", r.now().Sub(plan.startedAt))
	r.notify(Activity{Kind: ActivityRunFinished, ThreadID: active.ThreadID, RunID: active.RunID, Owners: plan.owners, At: r.now()})
}

// runAgent calls the agent, converting a panic into an error.
func (r *Runner) runAgent(ctx context.Context, agent Agent, input AgentInput, cb Callbacks) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panic: %v", p)
		}
	}()
	return agent.Run(ctx, input, cb)
}

// persist writes the run unless its thread was deleted meanwhile.
func (r *Runner) persist(ctx context.Context, active *ActiveRun, record *store.RunRecord) error {
	active.persistMu.Lock()
	defer active.persistMu.Unlock()

	if active.deleted {
		r.logger.Debug("thread deleted during run, not persisting", "thread_id", active.ThreadID, "run_id", active.RunID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()
	return r.ledger.AppendRun(ctx, record)
}
