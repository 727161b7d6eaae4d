// ABOUTME: Service is the single entry point for running, reading and deleting threads
// ABOUTME: Wires ledger, run registry, executor, catalog and activity fan-out together

package conversation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/catalog"
	"github.com/2389/coven-runstore/internal/events"
	"github.com/2389/coven-runstore/internal/runner"
	"github.com/2389/coven-runstore/internal/store"
)

// RunRequest describes one run. See runner.RunRequest.
type RunRequest = runner.RunRequest

// Service composes the run executor and the thread catalog over one ledger.
// A Service owns its registry of in-flight runs; two Services over the same
// database do not see each other's live runs.
type Service struct {
	ledger      store.Ledger
	registry    *runner.Registry
	runner      *runner.Runner
	catalog     *catalog.Catalog
	broadcaster *ActivityBroadcaster
	logger      *slog.Logger
}

type options struct {
	logger         *slog.Logger
	policy         events.FailurePolicy
	tracer         trace.Tracer
	persistTimeout time.Duration
}

// Option configures a Service.
type Option func(*options)

// WithLogger sets the base logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFailurePolicy sets how agent failures end a run's stream.
func WithFailurePolicy(p events.FailurePolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithTracer sets the tracer for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithPersistTimeout bounds the final ledger write of each run.
func WithPersistTimeout(d time.Duration) Option {
	return func(o *options) { o.persistTimeout = d }
}

// New creates a Service over ledger.
func New(ledger store.Ledger, opts ...Option) *Service {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	guard := auth.NewGuard(o.logger)
	registry := runner.NewRegistry()
	broadcaster := NewActivityBroadcaster(guard, o.logger)

	runOpts := []runner.Option{
		runner.WithLogger(o.logger),
		runner.WithFailurePolicy(o.policy),
		runner.WithPersistTimeout(o.persistTimeout),
		runner.WithNotifier(broadcaster.Publish),
	}
	if o.tracer != nil {
		runOpts = append(runOpts, runner.WithTracer(o.tracer))
	}

	return &Service{
		ledger:      ledger,
		registry:    registry,
		runner:      runner.New(ledger, registry, guard, runOpts...),
		catalog:     catalog.New(ledger, registry, guard, catalog.WithLogger(o.logger), catalog.WithNotifier(broadcaster.Publish)),
		broadcaster: broadcaster,
		logger:      o.logger.With("component", "conversation"),
	}
}

// Run starts a run and returns the stream of its events. Authorization,
// validation and conflict errors are returned before anything changes.
func (s *Service) Run(ctx context.Context, req RunRequest) (*runner.Stream, error) {
	return s.runner.Run(ctx, req)
}

// Connect replays a thread and follows its in-flight run, if any.
func (s *Service) Connect(ctx context.Context, threadID string, scope auth.Scope) *runner.Stream {
	return s.catalog.Connect(ctx, threadID, scope)
}

// IsRunning reports whether the thread has a run in flight.
func (s *Service) IsRunning(ctx context.Context, threadID string) (bool, error) {
	return s.runner.IsRunning(ctx, threadID)
}

// Stop asks the thread's in-flight run to stop.
func (s *Service) Stop(ctx context.Context, threadID string) bool {
	return s.runner.Stop(ctx, threadID)
}

// ListThreads returns one page of the threads scope may see.
func (s *Service) ListThreads(ctx context.Context, scope auth.Scope, limit, offset int) (*catalog.ThreadList, error) {
	return s.catalog.ListThreads(ctx, scope, limit, offset)
}

// GetThreadMetadata returns a thread's projection, or nil.
func (s *Service) GetThreadMetadata(ctx context.Context, threadID string, scope auth.Scope) (*catalog.ThreadMetadata, error) {
	return s.catalog.GetThreadMetadata(ctx, threadID, scope)
}

// DeleteThread removes a thread the scope may access.
func (s *Service) DeleteThread(ctx context.Context, threadID string, scope auth.Scope) error {
	return s.catalog.DeleteThread(ctx, threadID, scope)
}

// Watch subscribes to activity on threads visible to scope until ctx ends.
func (s *Service) Watch(ctx context.Context, scope auth.Scope) <-chan runner.Activity {
	ch, _ := s.broadcaster.Subscribe(ctx, scope)
	return ch
}

// Recover clears running flags left behind by a previous process. In-flight
// runs do not survive a restart, so any flag found at startup is stale.
func (s *Service) Recover(ctx context.Context) (int64, error) {
	n, err := s.ledger.ResetRunStates(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("cleared stale running flags", "threads", n)
	}
	return n, nil
}

// Shutdown stops every in-flight run and waits for each to finalize, or for
// ctx to end. Activity subscriptions are closed afterwards.
func (s *Service) Shutdown(ctx context.Context) error {
	defer s.broadcaster.Close()

	for _, run := range s.registry.Active() {
		s.runner.Stop(ctx, run.ThreadID)
	}
	for _, run := range s.registry.Active() {
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
