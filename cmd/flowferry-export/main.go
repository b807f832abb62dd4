package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/flowferry/flowferry/pkg/allowlist"
	"github.com/flowferry/flowferry/pkg/cmd"
	"github.com/flowferry/flowferry/pkg/config"
	"github.com/flowferry/flowferry/pkg/export"
	"github.com/flowferry/flowferry/pkg/log"
	"github.com/flowferry/flowferry/pkg/report"
	trc "github.com/flowferry/flowferry/pkg/tracer"
)

var version = "dev"

func main() {
	command := &cli.Command{
		Name:                  "flowferry-export",
		Usage:                 "Assemble a transfer package from the source instance",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the engine configuration file",
				Required: true,
				Sources:  cli.EnvVars("FLOWFERRY_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Path for the transfer package (defaults to a timestamped name)",
				Sources: cli.EnvVars("FLOWFERRY_OUTPUT"),
			},
			&cli.StringFlag{
				Name:    "allowlist",
				Usage:   "Credential allowlist file (overrides the configured path)",
				Sources: cli.EnvVars("FLOWFERRY_ALLOWLIST"),
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
		Action: runExport,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		slog.Error("Export failed", "error", err)
		os.Exit(1)
	}
}

func runExport(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("flowferry-export")

	tracerProvider, err := trc.InitTracer(ctx, "flowferry-export")
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

	allowlistPath := cfg.AllowlistPath
	if override := command.String("allowlist"); override != "" {
		allowlistPath = override
	}

	list, err := allowlist.Load(allowlistPath, logger)
	if err != nil {
		return err
	}

	runner, err := cmd.NewRunner(cfg.Source, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := runner.Close(); err != nil {
			logger.Error("Failed to close source connection", "error", err)
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

	output := command.String("output")
	if output == "" {
		output = fmt.Sprintf("flowferry-%s-%s.tar.gz", cfg.Source.Name, time.Now().UTC().Format("20060102T150405Z"))
	}

	productCLI := cmd.NewCLI(cfg.Source, runner, logger)
	assembler := export.NewAssembler(cfg.Source.Name, version, productCLI, runner, list, eventBus, logger)

	started := time.Now().UTC()
	result, runErr := assembler.Run(ctx, output)

	rep := &report.RunReport{
		Kind:        report.KindExport,
		Environment: cfg.Source.Name,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
		Success:     runErr == nil,
	}

	if runErr != nil {
		rep.Error = runErr.Error()
	}

	if result != nil {
		rep.RunID = result.RunID
		rep.PackagePath = result.PackagePath
		rep.Workflows = report.Counts{Expected: result.Metadata.WorkflowCount, Actual: result.Metadata.WorkflowCount}
		rep.Credentials = report.Counts{Expected: result.Metadata.SelectedCredentials, Actual: result.Metadata.SelectedCredentials}
		rep.Activated = report.Counts{Expected: result.Metadata.ActiveWorkflowCount}
	}

	reports := report.NewStore(cfg.ReportDir, logger)
	if path, saveErr := reports.Save(rep); saveErr != nil {
		logger.Error("Failed to persist run report", "error", saveErr)
	} else {
		logger.Info("Run report written", "path", path)
	}

	fmt.Print(rep.Summary())

	return runErr
}
