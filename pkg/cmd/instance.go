package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowferry/flowferry/pkg/config"
	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/process"
	"github.com/flowferry/flowferry/pkg/remote"
	"github.com/flowferry/flowferry/pkg/server"
	"github.com/flowferry/flowferry/pkg/snapshot"
)

// NewRunner connects to an instance's host: over SSH when configured, direct
// execution otherwise.
func NewRunner(instance config.Instance, logger *slog.Logger) (remote.Runner, error) {
	if instance.SSH == nil {
		return remote.NewLocal(), nil
	}

	runner, err := remote.DialSSH(*instance.SSH, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", instance.Name, err)
	}

	return runner, nil
}

// NewControl builds the process supervisor for an instance and resolves the
// service identifier it supervises. Docker instances without an explicit
// service fall back to container detection.
func NewControl(ctx context.Context, instance config.Instance, runner remote.Runner, logger *slog.Logger) (process.Control, string, error) {
	switch instance.Process.Manager {
	case "systemd":
		return process.NewSystemd(runner, logger), instance.Process.ServiceID, nil
	default:
		docker := process.NewDocker(runner, logger)

		serviceID := instance.Process.ServiceID
		if serviceID == "" {
			detected, err := process.DetectContainer(ctx, runner, instance.Process.ContainerHint, logger)
			if err != nil {
				return nil, "", fmt.Errorf("failed to resolve container for %s: %w", instance.Name, err)
			}

			serviceID = detected
		}

		return docker, serviceID, nil
	}
}

// NewCLI builds the product command adapter for an instance.
func NewCLI(instance config.Instance, runner remote.Runner, logger *slog.Logger) server.CLI {
	container := ""
	if instance.Process.Manager != "systemd" {
		container = instance.Server.Container
		if container == "" {
			container = instance.Process.ServiceID
		}
	}

	return server.NewCommandCLI(runner, instance.Server.Binary, container, logger)
}

// NewDatabaseAccess opens direct database access for an instance. SQLite
// access requires the database file to be reachable on the local filesystem;
// runs that need it are expected to execute on the instance's host. Postgres
// is reached over the network from anywhere.
func NewDatabaseAccess(ctx context.Context, instance config.Instance) (server.DatabaseAccess, error) {
	switch instance.Database.Kind {
	case "postgres":
		return server.OpenPostgres(ctx, instance.Database.URL)
	default:
		return server.OpenSQLite(instance.Database.Path)
	}
}

// Snapshotter anchors destination backups for one instance, picking the
// snapshot strategy from the database kind and host placement.
type Snapshotter struct {
	instance  config.Instance
	runner    remote.Runner
	snapshots *snapshot.Runner
	serviceID string
	bucket    models.BackupBucket
}

func NewSnapshotter(
	instance config.Instance,
	runner remote.Runner,
	snapshots *snapshot.Runner,
	serviceID string,
	bucket models.BackupBucket,
) *Snapshotter {
	return &Snapshotter{
		instance:  instance,
		runner:    runner,
		snapshots: snapshots,
		serviceID: serviceID,
		bucket:    bucket,
	}
}

func (s *Snapshotter) Backup(ctx context.Context) (*models.BackupArtifact, error) {
	if s.instance.Database.Kind == "postgres" {
		return s.snapshots.SnapshotRelational(ctx, s.instance.Database.URL, s.instance.Name, s.bucket)
	}

	if s.instance.SSH != nil {
		return s.snapshots.SnapshotEmbeddedRemote(ctx, s.runner, s.instance.Database.Path, s.serviceID, s.instance.Name, s.bucket)
	}

	return s.snapshots.SnapshotEmbedded(ctx, s.instance.Database.Path, s.serviceID, s.instance.Name, s.bucket)
}
