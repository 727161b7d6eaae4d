// ABOUTME: Gateway orchestrator that serves the run store over HTTP
// ABOUTME: Owns the ledger, conversation service, tracer provider and HTTP server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/config"
	"github.com/2389/coven-runstore/internal/conversation"
	"github.com/2389/coven-runstore/internal/dedupe"
	"github.com/2389/coven-runstore/internal/echoagent"
	"github.com/2389/coven-runstore/internal/runner"
	"github.com/2389/coven-runstore/internal/store"
	"github.com/2389/coven-runstore/internal/telemetry"
)

// Gateway serves a run store over HTTP. It owns the SQLite ledger and
// closes it on Shutdown.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	conversation *conversation.Service
	verifier     auth.TokenVerifier
	httpServer   *http.Server
	logger       *slog.Logger

	// newAgent builds the agent for each run
	newAgent func() runner.Agent

	// submissions rejects retried run ids
	submissions *dedupe.Window

	shutdownTracing telemetry.ShutdownFunc

	// closing turns away new runs once Shutdown has begun
	closing atomic.Bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAgentFactory replaces the built-in echo agent.
func WithAgentFactory(fn func() runner.Agent) Option {
	return func(g *Gateway) { g.newAgent = fn }
}

// initStore opens the ledger named by config or RUNSTORE_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RUNSTORE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initVerifier returns nil when no secret is configured, in which case only
// anonymous requests are served.
func initVerifier(cfg *config.Config) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return v, nil
}

// New creates a Gateway. Run states left behind by a previous process are
// reset before the server accepts requests.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := initVerifier(cfg)
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	tp, shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	svc := conversation.New(s,
		conversation.WithLogger(logger),
		conversation.WithFailurePolicy(cfg.Runs.FailurePolicy),
		conversation.WithPersistTimeout(cfg.Runs.PersistTimeout),
		conversation.WithTracer(telemetry.Tracer(tp)),
	)

	if _, err := svc.Recover(ctx); err != nil {
		_ = shutdownTracing(ctx)
		s.Close()
		return nil, fmt.Errorf("recovering run states: %w", err)
	}

	g := &Gateway{
		config:       cfg,
		store:        s,
		conversation: svc,
		verifier:     verifier,
		logger:       logger.With("component", "gateway"),
		newAgent: echoagent.Factory(echoagent.Options{
			Delay:     cfg.Agent.Delay,
			ChunkSize: cfg.Agent.ChunkSize,
		}),
		submissions:     dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		shutdownTracing: shutdownTracing,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Conversation returns the underlying service.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// Handler returns the HTTP handler serving the health check and the API.
func (g *Gateway) Handler() http.Handler {
	api := http.NewServeMux()
	g.registerAPIRoutes(api)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("/api/", auth.HTTPScopeMiddleware(g.verifier, g.config.Auth.AllowAnonymous, g.logger)(api))
	return mux
}

func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run listens on the configured address and serves until ctx is canceled
// or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown turns away new runs, stops in-flight runs and waits for them to
// persist, then stops the HTTP server, closes the ledger and flushes traces.
// Stopping runs first ends their SSE streams so the server can go idle.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.closing.CompareAndSwap(false, true) {
		return nil
	}
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "run shutdown", g.conversation.Shutdown(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())
	errs = appendCloseError(errs, "tracing shutdown", g.shutdownTracing(ctx))
	g.submissions.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
