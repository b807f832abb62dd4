package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/flowferry/flowferry/pkg/cmd"
	"github.com/flowferry/flowferry/pkg/config"
	"github.com/flowferry/flowferry/pkg/events"
	"github.com/flowferry/flowferry/pkg/log"
	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/snapshot"
	trc "github.com/flowferry/flowferry/pkg/tracer"
)

var version = "dev"

func main() {
	command := &cli.Command{
		Name:                  "flowferry-snapshot",
		Usage:                 "Create and inspect integrity-checked database backups",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			newCreateCommand(),
			newListCommand(),
			newVerifyCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		slog.Error("Snapshot command failed", "error", err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Aliases:  []string{"c"},
			Usage:    "Path to the engine configuration file",
			Required: true,
			Sources:  cli.EnvVars("FLOWFERRY_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "instance",
			Usage:   "Which configured instance to target (source, destination)",
			Value:   "destination",
			Sources: cli.EnvVars("FLOWFERRY_INSTANCE"),
		},
		&cli.StringFlag{
			Name:    "bucket",
			Usage:   "Retention bucket (daily, weekly, manual)",
			Value:   "manual",
			Sources: cli.EnvVars("FLOWFERRY_BUCKET"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func selectInstance(cfg *config.Config, which string) (config.Instance, error) {
	switch which {
	case "source":
		return cfg.Source, nil
	case "destination":
		return cfg.Destination, nil
	default:
		return config.Instance{}, fmt.Errorf("unknown instance %q (want source or destination)", which)
	}
}

func selectBucket(name string) (models.BackupBucket, error) {
	switch models.BackupBucket(name) {
	case models.BucketDaily, models.BucketWeekly, models.BucketManual:
		return models.BackupBucket(name), nil
	default:
		return "", fmt.Errorf("unknown bucket %q (want daily, weekly, or manual)", name)
	}
}

func newCreateCommand() *cli.Command {
	flags := commonFlags()
	flags = append(flags, &cli.StringFlag{
		Name:    "event-bus",
		Usage:   "Event bus type (gochannel, kafka)",
		Sources: cli.EnvVars("EVENT_BUS_TYPE"),
	})

	return &cli.Command{
		Name:   "create",
		Usage:  "Take a verified snapshot of an instance's database",
		Flags:  flags,
		Action: runCreate,
	}
}

func runCreate(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("flowferry-snapshot")

	tracerProvider, err := trc.InitTracer(ctx, "flowferry-snapshot")
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	defer func() {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown tracer provider", "error", err)
		}
	}()

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	instance, err := selectInstance(cfg, command.String("instance"))
	if err != nil {
		return err
	}

	bucket, err := selectBucket(command.String("bucket"))
	if err != nil {
		return err
	}

	runner, err := cmd.NewRunner(instance, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := runner.Close(); err != nil {
			logger.Error("Failed to close host connection", "error", err)
		}
	}()

	control, serviceID, err := cmd.NewControl(ctx, instance, runner, logger)
	if err != nil {
		return err
	}

	store := snapshot.NewStore(cfg.Backups.Root, logger)
	if cfg.Backups.DailyKeep > 0 {
		store.DailyKeep = cfg.Backups.DailyKeep
	}

	if cfg.Backups.WeeklyKeep > 0 {
		store.WeeklyKeep = cfg.Backups.WeeklyKeep
	}

	snapshots := snapshot.NewRunner(store, control, logger)
	snapshotter := cmd.NewSnapshotter(instance, runner, snapshots, serviceID, bucket)

	artifact, err := snapshotter.Backup(ctx)
	if err != nil {
		return err
	}

	provider := cfg.EventBus
	if override := command.String("event-bus"); override != "" {
		provider = override
	}

	eventBus := cmd.NewEventBus(provider, logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	runID := uuid.New().String()
	event := events.SnapshotCreated{
		BaseEvent: events.BaseEvent{
			ID:          uuid.New().String(),
			Type:        events.SnapshotCreatedEvent,
			Timestamp:   time.Now().UTC(),
			RunID:       runID,
			Environment: instance.Name,
		},
		ArtifactPath: artifact.Path,
		Kind:         string(artifact.Kind),
		Bucket:       string(artifact.Bucket),
		SizeBytes:    artifact.SizeBytes,
	}
	if err := eventBus.Publish(ctx, runID, event); err != nil {
		logger.Warn("Failed to publish snapshot event", "error", err)
	}

	fmt.Printf("Snapshot created: %s (%d bytes, sha256 %s)\n", artifact.Path, artifact.SizeBytes, artifact.Checksum)

	return nil
}

func newListCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "List stored backup artifacts, newest first",
		Flags:  commonFlags(),
		Action: runList,
	}
}

func runList(_ context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("flowferry-snapshot")

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	instance, err := selectInstance(cfg, command.String("instance"))
	if err != nil {
		return err
	}

	bucket, err := selectBucket(command.String("bucket"))
	if err != nil {
		return err
	}

	store := snapshot.NewStore(cfg.Backups.Root, logger)

	artifacts, err := store.List(instance.Name, bucket)
	if err != nil {
		return err
	}

	if len(artifacts) == 0 {
		fmt.Printf("No %s backups for %s\n", bucket, instance.Name)

		return nil
	}

	for _, a := range artifacts {
		fmt.Printf("%s  %10d bytes  %s\n", a.CreatedAt.Format(time.RFC3339), a.SizeBytes, a.Path)
	}

	return nil
}

func newVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:   "verify",
		Usage:  "Re-verify the checksums of stored backup artifacts",
		Flags:  commonFlags(),
		Action: runVerify,
	}
}

func runVerify(_ context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("flowferry-snapshot")

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	instance, err := selectInstance(cfg, command.String("instance"))
	if err != nil {
		return err
	}

	bucket, err := selectBucket(command.String("bucket"))
	if err != nil {
		return err
	}

	store := snapshot.NewStore(cfg.Backups.Root, logger)

	artifacts, err := store.List(instance.Name, bucket)
	if err != nil {
		return err
	}

	failed := 0

	for _, a := range artifacts {
		if err := store.Verify(a); err != nil {
			failed++

			fmt.Printf("FAILED  %s: %v\n", a.Path, err)

			continue
		}

		fmt.Printf("ok      %s\n", a.Path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d artifacts failed verification", failed, len(artifacts))
	}

	return nil
}
