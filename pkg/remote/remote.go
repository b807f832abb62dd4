// Package remote provides command execution and file transfer against the
// source and destination hosts, over SSH for remote hosts and direct process
// execution for the local one.
package remote

import "context"

// Runner executes commands and moves files on one host. Implementations must
// be safe to use sequentially from a single migration run; no internal
// parallelism is assumed.
type Runner interface {
	// Run executes a command and returns its standard output and exit code.
	// A non-zero exit code is not an error; failing to invoke the command is.
	Run(ctx context.Context, command string) (stdout string, exitCode int, err error)

	// CopyTo copies a local file to the host.
	CopyTo(ctx context.Context, localPath, remotePath string) error

	// CopyFrom copies a file from the host to a local path.
	CopyFrom(ctx context.Context, remotePath, localPath string) error

	Close() error
}
