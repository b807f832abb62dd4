package snapshot

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestDatabase(t *testing.T, path string) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	defer func() { require.NoError(t, db.Close()) }()

	_, err = db.Exec(`CREATE TABLE workflow_entity (id TEXT PRIMARY KEY, name TEXT, active INTEGER)`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO workflow_entity (id, name, active) VALUES ('id1', 'order-sync', 1), ('id2', 'nightly-report', 0)`)
	require.NoError(t, err)
}

func TestSQLite_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "database.sqlite")
	dest := filepath.Join(dir, "snapshot.sqlite")

	createTestDatabase(t, src)

	s := NewSQLite(slog.Default())
	require.NoError(t, s.Snapshot(context.Background(), src, dest))

	// The copy is a usable database with the same rows.
	db, err := sql.Open("sqlite", dest)
	require.NoError(t, err)

	defer func() { require.NoError(t, db.Close()) }()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM workflow_entity`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestSQLite_SnapshotMissingSource(t *testing.T) {
	dir := t.TempDir()

	s := NewSQLite(slog.Default())
	err := s.Snapshot(context.Background(), filepath.Join(dir, "absent.sqlite"), filepath.Join(dir, "out.sqlite"))
	require.Error(t, err)
}

func TestSQLite_CheckCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.sqlite")

	// Not a database at all.
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite file, not even close"), 0o600))

	s := NewSQLite(slog.Default())
	err := s.Check(context.Background(), path)
	require.Error(t, err)
}

func TestSQLite_SnapshotDeletesCorruptArtifact(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "database.sqlite")
	dest := filepath.Join(dir, "snapshot.sqlite")

	// An unreadable source makes the backup fail; no artifact may remain.
	require.NoError(t, os.WriteFile(src, []byte("broken"), 0o600))

	s := NewSQLite(slog.Default())
	err := s.Snapshot(context.Background(), src, dest)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}
