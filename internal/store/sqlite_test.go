// ABOUTME: Tests for SQLite-specific ledger behavior
// ABOUTME: Covers file creation, schema migrations, reopening, and storage errors

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.False(t, os.IsNotExist(err), "database file was not created in nested directory")
}

func TestMigrate_RecordsEveryVersionOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	version, err := store.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, len(migrations), count)

	applied, err := store.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied, "second migrate must be a no-op")
}

func TestMigrate_UpgradesOlderSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	ctx := context.Background()

	// simulate a database written before the run_state table existed
	_, err = store.db.ExecContext(ctx, `DROP TABLE run_state; DROP INDEX idx_thread_resources_resource;`)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version > 1`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ok, err := store.TryAcquireRun(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	version, err := store.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.AppendRun(ctx, textRun("t1", "r1", "", 0, "m1", "hi")))
	_, err = store.TryAcquireRun(ctx, "t1", "r2")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListRuns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// a crash left the flag set; startup recovery clears it
	n, err := store.ResetRunStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStore_StorageErrorsAreWrapped(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.db.Close())

	_, err := store.GetOwners(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
}

func TestAppendRun_RequiresOwner(t *testing.T) {
	store := newTestStore(t)
	run := textRun("t1", "r1", "", 0, "m1", "hi")
	run.Owners = nil

	err := store.AppendRun(t.Context(), run)
	assert.Error(t, err)
}

func TestMockStore_FailNextAppend(t *testing.T) {
	m := NewMockStore()
	m.FailNextAppend(errors.New("disk full"))

	err := m.AppendRun(t.Context(), textRun("t1", "r1", "", 0, "m1", "hi"))
	require.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "disk full")

	require.NoError(t, m.AppendRun(t.Context(), textRun("t1", "r1", "", 0, "m1", "hi")))
}

func TestIsEphemeralThread(t *testing.T) {
	assert.True(t, IsEphemeralThread("chat-suggestions-42"))
	assert.True(t, IsEphemeralThread("ephemeral-abc"))
	assert.False(t, IsEphemeralThread("suggestions"))
	assert.False(t, IsEphemeralThread("Ephemeral-abc"))
	assert.False(t, IsEphemeralThread("my-ephemeral-thread"))
}
