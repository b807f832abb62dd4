package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowferry/flowferry/pkg/remote"
)

// Docker drives containers through the docker CLI on the target host.
type Docker struct {
	runner remote.Runner
	logger *slog.Logger
}

func NewDocker(runner remote.Runner, logger *slog.Logger) *Docker {
	return &Docker{runner: runner, logger: logger}
}

func (d *Docker) Stop(ctx context.Context, serviceID string) error {
	return d.docker(ctx, "stop", serviceID)
}

func (d *Docker) Start(ctx context.Context, serviceID string) error {
	return d.docker(ctx, "start", serviceID)
}

func (d *Docker) Restart(ctx context.Context, serviceID string) error {
	return d.docker(ctx, "restart", serviceID)
}

func (d *Docker) IsRunning(ctx context.Context, serviceID string) (bool, error) {
	stdout, code, err := d.runner.Run(ctx,
		"docker inspect --format '{{.State.Running}}' "+shellQuote(serviceID))
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %s: %w", serviceID, err)
	}

	if code != 0 {
		return false, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	}

	return strings.TrimSpace(stdout) == "true", nil
}

// Exec runs a command inside a running container. The automation server's own
// CLI is usually only reachable this way on containerized deployments.
func (d *Docker) Exec(ctx context.Context, serviceID, command string) (string, int, error) {
	return d.runner.Run(ctx, fmt.Sprintf("docker exec %s sh -c %s", shellQuote(serviceID), shellQuote(command)))
}

func (d *Docker) docker(ctx context.Context, verb, serviceID string) error {
	stdout, code, err := d.runner.Run(ctx, fmt.Sprintf("docker %s %s", verb, shellQuote(serviceID)))
	if err != nil {
		return fmt.Errorf("failed to %s container %s: %w", verb, serviceID, err)
	}

	if code != 0 {
		return fmt.Errorf("docker %s %s exited %d: %s", verb, serviceID, code, strings.TrimSpace(stdout))
	}

	d.logger.Debug("docker verb applied", "verb", verb, "container", serviceID)

	return nil
}

// DetectContainer finds a running container whose name contains nameHint.
// This is the fallback when no explicit process handle is configured; exact
// configuration always wins over string matching a process list.
func DetectContainer(ctx context.Context, runner remote.Runner, nameHint string, logger *slog.Logger) (string, error) {
	stdout, code, err := runner.Run(ctx, "docker ps --format '{{.Names}}'")
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}

	if code != 0 {
		return "", fmt.Errorf("docker ps exited %d", code)
	}

	var matches []string

	for _, name := range strings.Fields(stdout) {
		if strings.Contains(name, nameHint) {
			matches = append(matches, name)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no running container matches %q", ErrServiceNotFound, nameHint)
	case 1:
		logger.Warn("Container auto-detected by name; prefer an explicit process handle in config",
			"container", matches[0], "hint", nameHint)

		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous container hint %q matches %v; configure an explicit handle", nameHint, matches)
	}
}
