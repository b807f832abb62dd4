package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowferry/flowferry/pkg/remote"
)

// Systemd drives services through systemctl on the target host.
type Systemd struct {
	runner remote.Runner
	logger *slog.Logger
}

func NewSystemd(runner remote.Runner, logger *slog.Logger) *Systemd {
	return &Systemd{runner: runner, logger: logger}
}

func (s *Systemd) Stop(ctx context.Context, serviceID string) error {
	return s.systemctl(ctx, "stop", serviceID)
}

func (s *Systemd) Start(ctx context.Context, serviceID string) error {
	return s.systemctl(ctx, "start", serviceID)
}

func (s *Systemd) Restart(ctx context.Context, serviceID string) error {
	return s.systemctl(ctx, "restart", serviceID)
}

func (s *Systemd) IsRunning(ctx context.Context, serviceID string) (bool, error) {
	stdout, code, err := s.runner.Run(ctx, "systemctl is-active "+shellQuote(serviceID))
	if err != nil {
		return false, fmt.Errorf("failed to query %s: %w", serviceID, err)
	}

	// is-active exits non-zero for every state but "active".
	return code == 0 && strings.TrimSpace(stdout) == "active", nil
}

func (s *Systemd) systemctl(ctx context.Context, verb, serviceID string) error {
	stdout, code, err := s.runner.Run(ctx, fmt.Sprintf("systemctl %s %s", verb, shellQuote(serviceID)))
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, serviceID, err)
	}

	if code != 0 {
		return fmt.Errorf("systemctl %s %s exited %d: %s", verb, serviceID, code, strings.TrimSpace(stdout))
	}

	s.logger.Debug("systemctl verb applied", "verb", verb, "service", serviceID)

	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
