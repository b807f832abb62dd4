package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/remote"
)

// ProcessControl is the slice of process supervision the snapshot runner
// needs: stopping and restarting the database's owning process.
type ProcessControl interface {
	Stop(ctx context.Context, serviceID string) error
	Start(ctx context.Context, serviceID string) error
	IsRunning(ctx context.Context, serviceID string) (bool, error)
}

// Runner orchestrates a full snapshot: quiesce the owner where required, copy
// through the database engine, verify, compress into the store.
type Runner struct {
	sqlite   *SQLite
	postgres *Postgres
	store    *Store
	control  ProcessControl
	logger   *slog.Logger
}

func NewRunner(store *Store, control ProcessControl, logger *slog.Logger) *Runner {
	return &Runner{
		sqlite:   NewSQLite(logger),
		postgres: NewPostgres(logger),
		store:    store,
		control:  control,
		logger:   logger,
	}
}

// SnapshotEmbedded backs up a single-file database owned by serviceID. The
// owner is stopped for the duration of the copy and restarted on every exit
// path. If the owner cannot be stopped the snapshot aborts before copying;
// copying a live file is never a fallback.
func (r *Runner) SnapshotEmbedded(ctx context.Context, dbPath, serviceID, environment string, bucket models.BackupBucket) (artifact *models.BackupArtifact, err error) {
	if err := r.control.Stop(ctx, serviceID); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOwnerStillRunning, serviceID, err)
	}

	running, err := r.control.IsRunning(ctx, serviceID)
	if err != nil {
		r.logger.Warn("Could not confirm owner state after stop", "service", serviceID, "error", err)
	} else if running {
		if startErr := r.control.Start(ctx, serviceID); startErr != nil {
			r.logger.Error("Failed to restart owner after aborted snapshot", "service", serviceID, "error", startErr)
		}

		return nil, fmt.Errorf("%w: %s", ErrOwnerStillRunning, serviceID)
	}

	defer func() {
		if startErr := r.control.Start(ctx, serviceID); startErr != nil {
			r.logger.Error("Failed to restart owner after snapshot", "service", serviceID, "error", startErr)

			if err == nil {
				err = fmt.Errorf("failed to restart %s after snapshot: %w", serviceID, startErr)
			}
		}
	}()

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("flowferry-snapshot-%d.sqlite", os.Getpid()))
	defer func() { _ = os.Remove(tmp) }()

	if err := r.sqlite.Snapshot(ctx, dbPath, tmp); err != nil {
		return nil, err
	}

	return r.store.Add(tmp, environment, models.BackupKindSQLite, bucket)
}

// SnapshotEmbeddedRemote backs up a single-file database that lives on
// another host. The owner is stopped there, the quiesced file is fetched, and
// the engine-executed copy plus integrity check run locally on the fetched
// file, so the stored artifact carries the same guarantees as a local
// snapshot.
func (r *Runner) SnapshotEmbeddedRemote(ctx context.Context, host remote.Runner, dbPath, serviceID, environment string, bucket models.BackupBucket) (artifact *models.BackupArtifact, err error) {
	if err := r.control.Stop(ctx, serviceID); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOwnerStillRunning, serviceID, err)
	}

	defer func() {
		if startErr := r.control.Start(ctx, serviceID); startErr != nil {
			r.logger.Error("Failed to restart owner after snapshot", "service", serviceID, "error", startErr)

			if err == nil {
				err = fmt.Errorf("failed to restart %s after snapshot: %w", serviceID, startErr)
			}
		}
	}()

	fetched := filepath.Join(os.TempDir(), fmt.Sprintf("flowferry-fetched-%d.sqlite", os.Getpid()))
	defer func() { _ = os.Remove(fetched) }()

	if err := host.CopyFrom(ctx, dbPath, fetched); err != nil {
		return nil, fmt.Errorf("failed to fetch database %s: %w", dbPath, err)
	}

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("flowferry-snapshot-%d.sqlite", os.Getpid()))
	defer func() { _ = os.Remove(tmp) }()

	if err := r.sqlite.Snapshot(ctx, fetched, tmp); err != nil {
		return nil, err
	}

	return r.store.Add(tmp, environment, models.BackupKindSQLite, bucket)
}

// SnapshotRelational backs up a relational database through a logical dump.
// No quiesce is needed; the dump itself is transactionally consistent.
func (r *Runner) SnapshotRelational(ctx context.Context, databaseURL, environment string, bucket models.BackupBucket) (*models.BackupArtifact, error) {
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("flowferry-dump-%d.pgdump", os.Getpid()))
	defer func() {
		_ = os.Remove(tmp)
		_ = os.Remove(tmp + ".roles.sql")
	}()

	if err := r.postgres.Snapshot(ctx, databaseURL, tmp); err != nil {
		return nil, err
	}

	return r.store.Add(tmp, environment, models.BackupKindPostgres, bucket)
}
