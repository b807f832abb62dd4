package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Local runs commands on this host. Used when the engine is invoked on the
// source or destination machine itself.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Run(ctx context.Context, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}

		return string(out), -1, fmt.Errorf("command failed: %w", err)
	}

	return string(out), 0, nil
}

func (l *Local) CopyTo(_ context.Context, localPath, remotePath string) error {
	return copyFile(localPath, remotePath)
}

func (l *Local) CopyFrom(_ context.Context, remotePath, localPath string) error {
	return copyFile(remotePath, localPath)
}

func (l *Local) Close() error {
	return nil
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", dest, cerr)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dest, err)
	}

	return nil
}
