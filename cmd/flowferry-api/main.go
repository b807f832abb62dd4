package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/flowferry/flowferry/pkg/config"
	"github.com/flowferry/flowferry/pkg/log"
	"github.com/flowferry/flowferry/pkg/report"
	"github.com/flowferry/flowferry/pkg/snapshot"
)

const defaultPort = 9091

var version = "dev"

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "flowferry-api",
		Usage:                 "Serve migration run reports and backup inventory over HTTP",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the engine configuration file",
				Required: true,
				Sources:  cli.EnvVars("FLOWFERRY_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing flowferry API")

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			reports := report.NewStore(cfg.ReportDir, logger)
			backups := snapshot.NewStore(cfg.Backups.Root, logger)

			api := NewAPI(logger, reports, backups)

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
