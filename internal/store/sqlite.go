// ABOUTME: SQLite implementation of the Ledger interface using modernc.org/sqlite
// ABOUTME: Persists runs, owner links and run state with versioned schema migrations

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-runstore/internal/events"
)

// migration is one additive schema step, recorded in schema_migrations.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_agent_runs",
		sql: `
			CREATE TABLE IF NOT EXISTS agent_runs (
				thread_id      TEXT NOT NULL,
				run_id         TEXT PRIMARY KEY,
				parent_run_id  TEXT,
				resource_id    TEXT NOT NULL,
				properties     TEXT NOT NULL DEFAULT '{}',
				events         TEXT NOT NULL DEFAULT '[]',
				created_at     INTEGER NOT NULL,
				schema_version INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_agent_runs_thread_created
				ON agent_runs(thread_id, created_at);

			CREATE TABLE IF NOT EXISTS thread_resources (
				thread_id   TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				created_at  INTEGER NOT NULL,
				PRIMARY KEY (thread_id, resource_id)
			);
		`,
	},
	{
		version: 2,
		name:    "create_run_state",
		sql: `
			CREATE TABLE IF NOT EXISTS run_state (
				thread_id      TEXT PRIMARY KEY,
				is_running     INTEGER NOT NULL DEFAULT 0,
				current_run_id TEXT,
				updated_at     INTEGER NOT NULL
			);
		`,
	},
	{
		version: 3,
		name:    "index_thread_resources_resource",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_thread_resources_resource
				ON thread_resources(resource_id, thread_id);
		`,
	},
}

// SchemaVersion is the schema version written by this build.
var SchemaVersion = migrations[len(migrations)-1].version

// SQLiteStore implements the Ledger interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// Pending migrations are applied before it returns.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if _, err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "schema_version", SchemaVersion)
	return s, nil
}

// Migrate applies pending migrations, each in its own transaction, and
// returns the versions it applied.
func (s *SQLiteStore) Migrate(ctx context.Context) ([]int, error) {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating migrations table: %w", err)
	}

	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	var applied []int
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return applied, err
		}
		applied = append(applied, m.version)
		s.logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return applied, nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

// CurrentVersion returns the highest applied migration version.
func (s *SQLiteStore) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// AppendRun stores a finished run. Its events are compacted first, and the
// run's owners are linked to the thread if they are not already.
// Returns ErrDuplicateRun if the run id exists and ErrInvalidParent if the
// parent is not a run of the same thread.
func (s *SQLiteStore) AppendRun(ctx context.Context, run *RunRecord) error {
	owners := dedupeOwners(run.Owners)
	primary := run.ResourceID
	if primary == "" && len(owners) > 0 {
		primary = owners[0]
	}
	if primary == "" {
		return fmt.Errorf("appending run %s: no owner", run.RunID)
	}

	props := run.Properties
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encoding properties: %w", err)
	}
	eventsJSON, err := events.Marshal(events.Compact(run.Events))
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	version := run.SchemaVersion
	if version == 0 {
		version = SchemaVersion
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin append", err)
	}
	defer tx.Rollback()

	if run.ParentRunID != "" {
		var parentThread string
		err := tx.QueryRowContext(ctx, `SELECT thread_id FROM agent_runs WHERE run_id = ?`, run.ParentRunID).Scan(&parentThread)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parentThread != run.ThreadID) {
			return fmt.Errorf("%w: %s", ErrInvalidParent, run.ParentRunID)
		}
		if err != nil {
			return storageErr("checking parent run", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_runs (thread_id, run_id, parent_run_id, resource_id, properties, events, created_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ThreadID,
		run.RunID,
		nullString(run.ParentRunID),
		primary,
		string(propsJSON),
		string(eventsJSON),
		createdAt.UnixMilli(),
		version,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateRun
		}
		return storageErr("inserting run", err)
	}

	if err := insertOwners(ctx, tx, run.ThreadID, owners, s.now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit append", err)
	}

	s.logger.Debug("appended run", "thread_id", run.ThreadID, "run_id", run.RunID, "parent_run_id", run.ParentRunID)
	return nil
}

func insertOwners(ctx context.Context, tx *sql.Tx, threadID string, owners []string, now time.Time) error {
	for _, owner := range owners {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO thread_resources (thread_id, resource_id, created_at) VALUES (?, ?, ?)`,
			threadID, owner, now.UnixMilli(),
		)
		if err != nil {
			return storageErr("linking owner", err)
		}
	}
	return nil
}

// ListRuns returns every run of a thread in forest order: roots oldest first,
// each followed by its descendants.
func (s *SQLiteStore) ListRuns(ctx context.Context, threadID string) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, parent_run_id, resource_id, properties, events, created_at, schema_version
		FROM agent_runs
		WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, threadID)
	if err != nil {
		return nil, storageErr("querying runs", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			parent     sql.NullString
			propsJSON  string
			eventsJSON string
			createdAt  int64
		)
		if err := rows.Scan(&r.RunID, &parent, &r.ResourceID, &propsJSON, &eventsJSON, &createdAt, &r.SchemaVersion); err != nil {
			return nil, storageErr("scanning run", err)
		}
		r.ThreadID = threadID
		r.ParentRunID = parent.String
		r.CreatedAt = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(propsJSON), &r.Properties); err != nil {
			return nil, fmt.Errorf("decoding properties of run %s: %w", r.RunID, err)
		}
		if r.Events, err = events.Unmarshal([]byte(eventsJSON)); err != nil {
			return nil, fmt.Errorf("decoding events of run %s: %w", r.RunID, err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating runs", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}

	owners, err := s.GetOwners(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		r.Owners = owners
	}

	return orderRuns(runs), nil
}

// RunExists reports whether a run with this id is stored on any thread.
func (s *SQLiteStore) RunExists(ctx context.Context, runID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_runs WHERE run_id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("looking up run", err)
	}
	return true, nil
}

// LatestRunID returns the most recently created run of a thread, or "" if it
// has none.
func (s *SQLiteStore) LatestRunID(ctx context.Context, threadID string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM agent_runs
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, threadID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("querying latest run", err)
	}
	return runID, nil
}

// History returns the thread's canonical replay history.
func (s *SQLiteStore) History(ctx context.Context, threadID string) ([]events.Event, error) {
	runs, err := s.ListRuns(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return HistoryOf(runs), nil
}

// GetOwners returns the thread's owner ids sorted, or nil if it has none.
func (s *SQLiteStore) GetOwners(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id FROM thread_resources WHERE thread_id = ? ORDER BY resource_id`,
		threadID,
	)
	if err != nil {
		return nil, storageErr("querying owners", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scanning owner", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating owners", err)
	}
	return owners, nil
}

// AddOwners links owners to a thread. Existing links are left alone.
func (s *SQLiteStore) AddOwners(ctx context.Context, threadID string, owners []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin add owners", err)
	}
	defer tx.Rollback()

	if err := insertOwners(ctx, tx, threadID, dedupeOwners(owners), s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit add owners", err)
	}
	return nil
}

// ThreadRefs returns the threads matching filter, most recently active first.
// A thread exists once it has owner links; its activity window spans its
// first link and its newest run.
func (s *SQLiteStore) ThreadRefs(ctx context.Context, filter ThreadFilter) ([]ThreadRef, error) {
	var (
		where []string
		args  []any
	)
	if filter.Owners != nil {
		if len(filter.Owners) == 0 {
			return nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Owners)), ",")
		where = append(where, `tr.thread_id IN (SELECT thread_id FROM thread_resources WHERE resource_id IN (`+placeholders+`))`)
		for _, o := range filter.Owners {
			args = append(args, o)
		}
	}
	if !filter.IncludeEphemeral {
		where = append(where, `instr(tr.thread_id, ?) = 0`, `substr(tr.thread_id, 1, ?) <> ?`)
		args = append(args, EphemeralMarker, len(EphemeralPrefix), EphemeralPrefix)
	}

	query := `
		SELECT tr.thread_id,
			MIN(tr.created_at),
			(SELECT MIN(r.created_at) FROM agent_runs r WHERE r.thread_id = tr.thread_id),
			(SELECT MAX(r.created_at) FROM agent_runs r WHERE r.thread_id = tr.thread_id)
		FROM thread_resources tr`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tGROUP BY tr.thread_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("querying threads", err)
	}
	defer rows.Close()

	var refs []ThreadRef
	for rows.Next() {
		var (
			id                  string
			linkedAt            int64
			firstRun, latestRun sql.NullInt64
		)
		if err := rows.Scan(&id, &linkedAt, &firstRun, &latestRun); err != nil {
			return nil, storageErr("scanning thread", err)
		}
		ref := ThreadRef{ThreadID: id, CreatedAt: time.UnixMilli(linkedAt)}
		if firstRun.Valid && firstRun.Int64 < linkedAt {
			ref.CreatedAt = time.UnixMilli(firstRun.Int64)
		}
		ref.LastActivityAt = ref.CreatedAt
		if latestRun.Valid && latestRun.Int64 > ref.LastActivityAt.UnixMilli() {
			ref.LastActivityAt = time.UnixMilli(latestRun.Int64)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating threads", err)
	}

	sortThreadRefs(refs)
	return refs, nil
}

// TryAcquireRun marks a thread as running runID unless it is already
// running. It reports whether the flag was acquired. The conditional upsert
// is atomic, so at most one caller wins.
func (s *SQLiteStore) TryAcquireRun(ctx context.Context, threadID, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_state (thread_id, is_running, current_run_id, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			is_running = 1,
			current_run_id = excluded.current_run_id,
			updated_at = excluded.updated_at
		WHERE run_state.is_running = 0
	`, threadID, runID, s.now().UnixMilli())
	if err != nil {
		return false, storageErr("acquiring run state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("acquiring run state", err)
	}
	return n > 0, nil
}

// SetRunState sets the running flag of a thread, but only while runID is
// still its current run. It reports whether the row changed hands.
func (s *SQLiteStore) SetRunState(ctx context.Context, threadID, runID string, running bool) (bool, error) {
	flag := 0
	if running {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_state SET is_running = ?, updated_at = ? WHERE thread_id = ? AND current_run_id = ?`,
		flag, s.now().UnixMilli(), threadID, runID,
	)
	if err != nil {
		return false, storageErr("updating run state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("updating run state", err)
	}
	return n > 0, nil
}

// ReleaseRun clears the running flag if runID is still the thread's current
// run. A run released after a successor acquired the thread is a no-op.
func (s *SQLiteStore) ReleaseRun(ctx context.Context, threadID, runID string) error {
	_, err := s.SetRunState(ctx, threadID, runID, false)
	return err
}

// GetRunState returns the run state of a thread.
// Returns ErrNotFound if the thread has never run.
func (s *SQLiteStore) GetRunState(ctx context.Context, threadID string) (*RunState, error) {
	var (
		st        RunState
		running   int
		current   sql.NullString
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT is_running, current_run_id, updated_at FROM run_state WHERE thread_id = ?`,
		threadID,
	).Scan(&running, &current, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("querying run state", err)
	}
	st.ThreadID = threadID
	st.IsRunning = running != 0
	st.CurrentRunID = current.String
	st.UpdatedAt = time.UnixMilli(updatedAt)
	return &st, nil
}

// ResetRunStates clears every running flag. Called at startup, when no run
// can be in flight, to recover from a crash mid-run.
func (s *SQLiteStore) ResetRunStates(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_state SET is_running = 0, updated_at = ? WHERE is_running = 1`,
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, storageErr("resetting run state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("resetting run state", err)
	}
	if n > 0 {
		s.logger.Warn("cleared stale running flags", "threads", n)
	}
	return n, nil
}

// DeleteThread removes a thread's runs, owner links and run state.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin delete", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM agent_runs WHERE thread_id = ?`,
		`DELETE FROM thread_resources WHERE thread_id = ?`,
		`DELETE FROM run_state WHERE thread_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, threadID); err != nil {
			return storageErr("deleting thread", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit delete", err)
	}

	s.logger.Debug("deleted thread", "thread_id", threadID)
	return nil
}
