package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/flowferry/flowferry/pkg/cmd"
	"github.com/flowferry/flowferry/pkg/config"
	"github.com/flowferry/flowferry/pkg/importer"
	"github.com/flowferry/flowferry/pkg/log"
	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/report"
	"github.com/flowferry/flowferry/pkg/server"
	"github.com/flowferry/flowferry/pkg/snapshot"
	trc "github.com/flowferry/flowferry/pkg/tracer"
)

var version = "dev"

func main() {
	command := &cli.Command{
		Name:                  "flowferry-import",
		Usage:                 "Apply a transfer package to the destination instance",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			newSyncKeyCommand(),
			newVerifyCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the engine configuration file",
				Required: true,
				Sources:  cli.EnvVars("FLOWFERRY_CONFIG"),
			},
			&cli.StringFlag{
				Name:     "package",
				Aliases:  []string{"p"},
				Usage:    "Transfer package to import",
				Required: true,
				Sources:  cli.EnvVars("FLOWFERRY_PACKAGE"),
			},
			&cli.BoolFlag{
				Name:  "skip-backup",
				Usage: "Proceed WITHOUT a destination backup (no rollback anchor)",
			},
			&cli.BoolFlag{
				Name:  "reconcile",
				Usage: "Merge into the destination instead of clearing it first",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Verify the package and report what would change",
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runImport,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		slog.Error("Import failed", "error", err)
		os.Exit(1)
	}
}

func runImport(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("flowferry-import")

	tracerProvider, err := trc.InitTracer(ctx, "flowferry-import")
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

	runner, err := cmd.NewRunner(cfg.Destination, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := runner.Close(); err != nil {
			logger.Error("Failed to close destination connection", "error", err)
		}
	}()

	control, serviceID, err := cmd.NewControl(ctx, cfg.Destination, runner, logger)
	if err != nil {
		return err
	}

	db, err := cmd.NewDatabaseAccess(ctx, cfg.Destination)
	if err != nil {
		return err
	}

	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database access", "error", err)
		}
	}()

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

	store := snapshot.NewStore(cfg.Backups.Root, logger)
	if cfg.Backups.DailyKeep > 0 {
		store.DailyKeep = cfg.Backups.DailyKeep
	}

	if cfg.Backups.WeeklyKeep > 0 {
		store.WeeklyKeep = cfg.Backups.WeeklyKeep
	}
	snapshots := snapshot.NewRunner(store, control, logger)
	snapshotter := cmd.NewSnapshotter(cfg.Destination, runner, snapshots, serviceID, models.BucketManual)

	im := importer.New(
		cfg.Destination.Name,
		cmd.NewCLI(cfg.Destination, runner, logger),
		db,
		runner,
		snapshotter,
		control,
		serviceID,
		server.NewHealthChecker(logger),
		healthURL(cfg.Destination),
		eventBus,
		logger,
	)

	opts := importer.Options{
		SkipBackup: command.Bool("skip-backup"),
		Reconcile:  command.Bool("reconcile"),
		DryRun:     command.Bool("dry-run"),
	}

	rep, runErr := im.Run(ctx, command.String("package"), opts)

	reports := report.NewStore(cfg.ReportDir, logger)
	if path, saveErr := reports.Save(rep); saveErr != nil {
		logger.Error("Failed to persist run report", "error", saveErr)
	} else {
		logger.Info("Run report written", "path", path)
	}

	fmt.Print(rep.Summary())

	return runErr
}

func healthURL(instance config.Instance) string {
	if instance.Server.BaseURL == "" {
		return ""
	}

	return instance.Server.BaseURL + "/healthz"
}
