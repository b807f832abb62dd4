package server

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/flowferry/flowferry/pkg/models"
)

// PostgresAccess reads an instance's relational database directly.
type PostgresAccess struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresAccess, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresAccess{db: db}, nil
}

func (p *PostgresAccess) Workflows(ctx context.Context) ([]*models.WorkflowRecord, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT id, name, active FROM workflow_entity ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanWorkflows(rows)
}

func (p *PostgresAccess) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	result, err := p.db.ExecContext(ctx, "UPDATE workflow_entity SET active = $1 WHERE id = $2", active, id)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("workflow %s not found", id)
	}

	return nil
}

func (p *PostgresAccess) DeleteAllWorkflows(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, "DELETE FROM workflow_entity"); err != nil {
		return fmt.Errorf("failed to clear workflows: %w", err)
	}

	return nil
}

func (p *PostgresAccess) DeleteWorkflowsByName(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := p.db.ExecContext(ctx, "DELETE FROM workflow_entity WHERE name = $1", name); err != nil {
			return fmt.Errorf("failed to delete workflow %q: %w", name, err)
		}
	}

	return nil
}

func (p *PostgresAccess) CountWorkflows(ctx context.Context) (int, error) {
	return p.count(ctx, "workflow_entity")
}

func (p *PostgresAccess) CountCredentials(ctx context.Context) (int, error) {
	return p.count(ctx, "credentials_entity")
}

func (p *PostgresAccess) Close() error {
	return p.db.Close()
}

func (p *PostgresAccess) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}

	return n, nil
}
