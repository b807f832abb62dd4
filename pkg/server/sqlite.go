package server

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/flowferry/flowferry/pkg/models"
)

// SQLiteAccess reads an instance's embedded database directly. Used on
// deployments where the product stores everything in a single file.
type SQLiteAccess struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteAccess, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return &SQLiteAccess{db: db}, nil
}

func (s *SQLiteAccess) Workflows(ctx context.Context) ([]*models.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, active FROM workflow_entity ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanWorkflows(rows)
}

func (s *SQLiteAccess) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, "UPDATE workflow_entity SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("workflow %s not found", id)
	}

	return nil
}

func (s *SQLiteAccess) DeleteAllWorkflows(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workflow_entity"); err != nil {
		return fmt.Errorf("failed to clear workflows: %w", err)
	}

	return nil
}

func (s *SQLiteAccess) DeleteWorkflowsByName(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM workflow_entity WHERE name = ?", name); err != nil {
			return fmt.Errorf("failed to delete workflow %q: %w", name, err)
		}
	}

	return nil
}

func (s *SQLiteAccess) CountWorkflows(ctx context.Context) (int, error) {
	return s.count(ctx, "workflow_entity")
}

func (s *SQLiteAccess) CountCredentials(ctx context.Context) (int, error) {
	return s.count(ctx, "credentials_entity")
}

func (s *SQLiteAccess) Close() error {
	return s.db.Close()
}

func (s *SQLiteAccess) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}

	return n, nil
}

func scanWorkflows(rows *sql.Rows) ([]*models.WorkflowRecord, error) {
	var workflows []*models.WorkflowRecord

	for rows.Next() {
		var w models.WorkflowRecord
		if err := rows.Scan(&w.ID, &w.Name, &w.Active); err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}

		workflows = append(workflows, &w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}

	return workflows, nil
}
