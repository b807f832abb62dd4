package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite snapshots a single-file embedded database using the engine's own
// online backup primitive (VACUUM INTO), then verifies the copy with
// PRAGMA integrity_check. A raw file copy is never an acceptable substitute:
// the engine-executed copy is the only sequence that cannot tear a page.
type SQLite struct {
	logger *slog.Logger
}

func NewSQLite(logger *slog.Logger) *SQLite {
	return &SQLite{logger: logger}
}

// Snapshot copies the database at srcPath to destPath and verifies the copy.
// On a failed verification the partial artifact is removed and
// ErrSnapshotCorrupt is returned.
func (s *SQLite) Snapshot(ctx context.Context, srcPath, destPath string) error {
	if _, err := os.Stat(srcPath); err != nil {
		return fmt.Errorf("source database %s: %w", srcPath, err)
	}

	db, err := sql.Open("sqlite", srcPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open source database: %w", err)
	}
	defer func() { _ = db.Close() }()

	// VACUUM INTO does not accept a bound parameter for the target.
	quoted := "'" + escapeSQLiteString(destPath) + "'"
	if _, err := db.ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		_ = os.Remove(destPath)

		return fmt.Errorf("online backup of %s failed: %w", srcPath, err)
	}

	if err := s.Check(ctx, destPath); err != nil {
		_ = os.Remove(destPath)

		return err
	}

	s.logger.Info("Embedded database snapshot verified", "source", srcPath, "dest", destPath)

	return nil
}

// Check runs PRAGMA integrity_check against the database at path and fails
// unless the engine reports exactly "ok".
func (s *SQLite) Check(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open snapshot for verification: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check of %s failed to run: %w", path, err)
	}

	if result != "ok" {
		s.logger.Error("Integrity check reported corruption", "path", path, "result", result)

		return fmt.Errorf("%w: %s", ErrSnapshotCorrupt, result)
	}

	return nil
}

func escapeSQLiteString(s string) string {
	out := make([]byte, 0, len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}

		out = append(out, s[i])
	}

	return string(out)
}
