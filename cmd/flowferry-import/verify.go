package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/flowferry/flowferry/pkg/log"
	"github.com/flowferry/flowferry/pkg/pack"
)

// newVerifyCommand checks a transfer package without touching any instance.
func newVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify a transfer package's checksums and invariants",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "package",
				Aliases:  []string{"p"},
				Usage:    "Transfer package to verify",
				Required: true,
				Sources:  cli.EnvVars("FLOWFERRY_PACKAGE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runVerify,
	}
}

func runVerify(_ context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	path := command.String("package")

	pkg, err := pack.Open(path)
	if err != nil {
		return fmt.Errorf("package %s failed verification: %w", path, err)
	}

	fmt.Printf("Package %s verified\n", path)
	fmt.Printf("  source:      %s (exported %s)\n", pkg.Metadata.SourceInstance, pkg.Metadata.ExportedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  workflows:   %d (%d active at export)\n", pkg.Metadata.WorkflowCount, pkg.Metadata.ActiveWorkflowCount)
	fmt.Printf("  credentials: %d of %d selected\n", pkg.Metadata.SelectedCredentials, pkg.Metadata.CredentialCount)

	if pkg.Metadata.AllowlistUnrestricted {
		fmt.Println("  WARNING: package was exported without a credential allowlist")
	}

	return nil
}
