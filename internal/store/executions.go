package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// CreateExecution inserts a new execution row.
func (s *Store) CreateExecution(ctx context.Context, ex ir.Execution) error {
	if len(ex.Config) == 0 {
		ex.Config = []byte("{}")
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executions (id, status, config, error, state_version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ex.ID, string(ex.Status), string(ex.Config), ex.Error, ex.StateVersion,
			toMillis(ex.CreatedAt), toMillis(ex.CreatedAt))
		if err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		return nil
	})
}

// GetExecution returns the execution with the given id, or ErrNotFound.
func (s *Store) GetExecution(ctx context.Context, id string) (ir.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, config, error, state_version, created_at, updated_at
		FROM executions WHERE id = ?
	`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return ex, nil
}

// ListExecutions returns all executions, newest first.
func (s *Store) ListExecutions(ctx context.Context) ([]ir.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, config, error, state_version, created_at, updated_at
		FROM executions
		ORDER BY created_at DESC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	executions := []ir.Execution{}
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return executions, nil
}

// SetExecutionStatus records a status change and, for failures, the reason.
func (s *Store) SetExecutionStatus(ctx context.Context, id string, status ir.ExecutionStatus, reason string, now time.Time) error {
	return retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE executions SET status = ?, error = ?, updated_at = ?
			WHERE id = ?
		`, string(status), reason, toMillis(now), id)
		if err != nil {
			return fmt.Errorf("set execution status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set execution status: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (ir.Execution, error) {
	var (
		ex                   ir.Execution
		status, config       string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&ex.ID, &status, &config, &ex.Error, &ex.StateVersion, &createdAt, &updatedAt); err != nil {
		return ir.Execution{}, err
	}
	ex.Status = ir.ExecutionStatus(status)
	ex.Config = []byte(config)
	ex.CreatedAt = fromMillis(createdAt)
	ex.UpdatedAt = fromMillis(updatedAt)
	return ex, nil
}
