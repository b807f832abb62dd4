// Package server adapts the managed automation product: its command line
// surface for record import/export, its health endpoint, and direct database
// access for the columns the migration engine joins on.
package server

import (
	"context"
	"errors"

	"github.com/flowferry/flowferry/pkg/models"
)

// Standard server error types.
var (
	// ErrHealthCheckTimeout indicates the instance did not report healthy
	// within the bounded retry budget.
	ErrHealthCheckTimeout = errors.New("health check timed out")

	// ErrCommandFailed indicates a product CLI invocation exited non-zero.
	ErrCommandFailed = errors.New("automation server command failed")
)

// CLI is the product's fixed command surface. Import always goes through the
// product so the destination re-encrypts credentials under its current key;
// the engine never writes ciphertext directly.
type CLI interface {
	ExportWorkflows(ctx context.Context, outputPath string) error
	ImportWorkflows(ctx context.Context, inputPath string) error
	ExportCredentials(ctx context.Context, outputPath string) error
	ImportCredentials(ctx context.Context, inputPath string) error
}

// DatabaseAccess reads and writes the few columns the engine needs: workflow
// name, identifier, and activation flag, plus record counts for verification.
type DatabaseAccess interface {
	Workflows(ctx context.Context) ([]*models.WorkflowRecord, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error
	DeleteAllWorkflows(ctx context.Context) error
	DeleteWorkflowsByName(ctx context.Context, names []string) error
	CountWorkflows(ctx context.Context) (int, error)
	CountCredentials(ctx context.Context) (int, error)

	Close() error
}
