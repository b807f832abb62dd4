package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultHealthAttempts = 30
	defaultHealthDelay    = 2 * time.Second
	healthRequestTimeout  = 5 * time.Second
)

// HealthChecker polls an instance's health endpoint with a bounded retry
// loop: a stuck destination fails the run instead of hanging it forever.
type HealthChecker struct {
	client   *http.Client
	logger   *slog.Logger
	Attempts int
	Delay    time.Duration
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		client:   &http.Client{Timeout: healthRequestTimeout},
		logger:   logger,
		Attempts: defaultHealthAttempts,
		Delay:    defaultHealthDelay,
	}
}

// Check performs a single probe of healthURL.
func (h *HealthChecker) Check(ctx context.Context, healthURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	return nil
}

// Wait blocks until the instance reports healthy or the attempt budget is
// spent, returning ErrHealthCheckTimeout in the latter case.
func (h *HealthChecker) Wait(ctx context.Context, healthURL string) error {
	var lastErr error

	for attempt := 1; attempt <= h.Attempts; attempt++ {
		if err := h.Check(ctx, healthURL); err == nil {
			return nil
		} else {
			lastErr = err
			h.logger.Debug("Health probe failed", "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.Delay):
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckTimeout, h.Attempts, lastErr)
}
