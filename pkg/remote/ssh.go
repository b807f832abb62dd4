package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sshDialTimeout = 15 * time.Second

// SSHConfig describes how to reach a remote host.
type SSHConfig struct {
	Addr           string `yaml:"addr"` // host:port
	User           string `yaml:"user"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
}

// SSH runs commands and transfers files over an encrypted channel.
type SSH struct {
	client *ssh.Client
	logger *slog.Logger
}

// DialSSH connects to the host described by cfg. Host keys are verified
// against the configured known_hosts file; without one, verification is
// skipped and a warning logged.
func DialSSH(cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", cfg.PrivateKeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", cfg.PrivateKeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // fallback below
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHostsPath, err)
		}
	} else {
		logger.Warn("No known_hosts configured; skipping host key verification", "addr", cfg.Addr)
	}

	client, err := ssh.Dial("tcp", cfg.Addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}

	return &SSH{client: client, logger: logger}, nil
}

func (s *SSH) Run(ctx context.Context, command string) (string, int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", 0, fmt.Errorf("failed to open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)

	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)

		return stdout.String(), -1, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				s.logger.Debug("Remote command exited non-zero",
					"command", command, "exit", exitErr.ExitStatus(), "stderr", stderr.String())

				return stdout.String(), exitErr.ExitStatus(), nil
			}

			return stdout.String(), -1, fmt.Errorf("remote command failed: %w", err)
		}

		return stdout.String(), 0, nil
	}
}

func (s *SSH) CopyTo(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	return s.withSFTP(func(client *sftp.Client) error {
		dest, err := client.Create(remotePath)
		if err != nil {
			return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
		}
		defer func() { _ = dest.Close() }()

		if _, err := io.Copy(dest, src); err != nil {
			return fmt.Errorf("failed to copy to %s: %w", remotePath, err)
		}

		return nil
	})
}

func (s *SSH) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	return s.withSFTP(func(client *sftp.Client) error {
		src, err := client.Open(remotePath)
		if err != nil {
			return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
		}
		defer func() { _ = src.Close() }()

		dest, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", localPath, err)
		}
		defer func() { _ = dest.Close() }()

		if _, err := io.Copy(dest, src); err != nil {
			return fmt.Errorf("failed to copy from %s: %w", remotePath, err)
		}

		return nil
	})
}

func (s *SSH) Close() error {
	return s.client.Close()
}

func (s *SSH) withSFTP(fn func(*sftp.Client) error) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	defer func() { _ = client.Close() }()

	return fn(client)
}
