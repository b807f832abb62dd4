package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/flowferry/flowferry/pkg/cmd"
	"github.com/flowferry/flowferry/pkg/config"
	"github.com/flowferry/flowferry/pkg/keysync"
	"github.com/flowferry/flowferry/pkg/log"
	"github.com/flowferry/flowferry/pkg/server"
)

// newSyncKeyCommand propagates the source encryption key to the destination.
// Required before a full-database transfer; the destination cannot decrypt
// inherited ciphertext under its own key.
func newSyncKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-key",
		Usage: "Copy the source encryption key to every destination key location",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the engine configuration file",
				Required: true,
				Sources:  cli.EnvVars("FLOWFERRY_CONFIG"),
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
		Action: runSyncKey,
	}
}

func runSyncKey(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("flowferry-import")

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	source, err := cmd.NewRunner(cfg.Source, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := source.Close(); err != nil {
			logger.Error("Failed to close source connection", "error", err)
		}
	}()

	destination, err := cmd.NewRunner(cfg.Destination, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := destination.Close(); err != nil {
			logger.Error("Failed to close destination connection", "error", err)
		}
	}()

	control, serviceID, err := cmd.NewControl(ctx, cfg.Destination, destination, logger)
	if err != nil {
		return err
	}

	destProcess := cfg.Destination.Process
	destProcess.ServiceID = serviceID

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

	sync := keysync.NewSynchronizer(
		source,
		destination,
		cfg.Source.Server,
		cfg.Destination.Server,
		destProcess,
		control,
		server.NewHealthChecker(logger),
		eventBus,
		logger,
	)

	result, err := sync.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Encryption key synchronized (run %s)\n", result.RunID)

	for _, path := range result.TargetsUpdated {
		fmt.Printf("  updated: %s\n", path)
	}

	for _, path := range result.TargetsMissing {
		fmt.Printf("  missing: %s\n", path)
	}

	return nil
}
