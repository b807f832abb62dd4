package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowferry/flowferry/pkg/remote"
)

// CommandCLI invokes the automation product's own binary through a
// remote.Runner, optionally wrapped in a docker exec for containerized
// deployments. In container mode record files are staged into and out of the
// container with docker cp, since the product only sees the container's
// filesystem, and the in-container copies are removed whatever the outcome.
type CommandCLI struct {
	runner    remote.Runner
	binary    string
	container string // when set, commands run inside this container
	logger    *slog.Logger
}

func NewCommandCLI(runner remote.Runner, binary, container string, logger *slog.Logger) *CommandCLI {
	return &CommandCLI{
		runner:    runner,
		binary:    binary,
		container: container,
		logger:    logger,
	}
}

func (c *CommandCLI) ExportWorkflows(ctx context.Context, outputPath string) error {
	return c.runWithOutput(ctx, outputPath,
		fmt.Sprintf("%s export:workflow --all --output=%s", c.binary, outputPath))
}

func (c *CommandCLI) ImportWorkflows(ctx context.Context, inputPath string) error {
	return c.runWithInput(ctx, inputPath,
		fmt.Sprintf("%s import:workflow --input=%s", c.binary, inputPath))
}

func (c *CommandCLI) ExportCredentials(ctx context.Context, outputPath string) error {
	// Decrypted on purpose: the destination re-encrypts on import.
	return c.runWithOutput(ctx, outputPath,
		fmt.Sprintf("%s export:credentials --all --decrypted --output=%s", c.binary, outputPath))
}

func (c *CommandCLI) ImportCredentials(ctx context.Context, inputPath string) error {
	return c.runWithInput(ctx, inputPath,
		fmt.Sprintf("%s import:credentials --input=%s", c.binary, inputPath))
}

// runWithInput makes inputPath readable by the product before the command
// runs. The file arrives on the host filesystem; containerized deployments
// need it copied into the container first.
func (c *CommandCLI) runWithInput(ctx context.Context, inputPath, command string) error {
	if c.container == "" {
		return c.exec(ctx, command)
	}

	if err := c.host(ctx, fmt.Sprintf("docker cp %q %s:%q", inputPath, c.container, inputPath)); err != nil {
		return fmt.Errorf("failed to copy %s into container %s: %w", inputPath, c.container, err)
	}

	defer c.removeInContainer(ctx, inputPath)

	return c.exec(ctx, command)
}

// runWithOutput runs the command and then makes its output file visible on
// the host. In container mode the product writes inside the container and the
// file is copied out afterwards.
func (c *CommandCLI) runWithOutput(ctx context.Context, outputPath, command string) error {
	if c.container == "" {
		return c.exec(ctx, command)
	}

	if err := c.exec(ctx, command); err != nil {
		return err
	}

	defer c.removeInContainer(ctx, outputPath)

	if err := c.host(ctx, fmt.Sprintf("docker cp %s:%q %q", c.container, outputPath, outputPath)); err != nil {
		return fmt.Errorf("failed to copy %s out of container %s: %w", outputPath, c.container, err)
	}

	return nil
}

func (c *CommandCLI) removeInContainer(ctx context.Context, path string) {
	if err := c.host(ctx, fmt.Sprintf("docker exec %s rm -f %q", c.container, path)); err != nil {
		c.logger.Error("Failed to remove staged file inside container; it may hold credential cleartext",
			"container", c.container, "path", path, "error", err)
	}
}

// exec runs a product command, wrapped in docker exec when containerized.
func (c *CommandCLI) exec(ctx context.Context, command string) error {
	if c.container != "" {
		command = fmt.Sprintf("docker exec %s sh -c '%s'", c.container, command)
	}

	return c.host(ctx, command)
}

func (c *CommandCLI) host(ctx context.Context, command string) error {
	stdout, code, err := c.runner.Run(ctx, command)
	if err != nil {
		return fmt.Errorf("failed to invoke automation server: %w", err)
	}

	if code != 0 {
		return fmt.Errorf("%w: exit %d: %s", ErrCommandFailed, code, strings.TrimSpace(stdout))
	}

	c.logger.Debug("Automation server command completed", "command", command)

	return nil
}
