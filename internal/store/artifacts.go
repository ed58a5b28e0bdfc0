package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evmts/smithers/internal/ir"
)

const artifactColumns = `id, execution_id, node_id, frame_id, key, name, type, content, created_at, updated_at`

// PutArtifact stores an artifact. A keyed artifact replaces the previous
// one with the same key in the execution, keeping its id and creation
// time; a keyless one is always inserted. It returns the stored row.
func (s *Store) PutArtifact(ctx context.Context, a ir.Artifact) (ir.Artifact, error) {
	content, err := encodeValue(a.Content)
	if err != nil {
		return ir.Artifact{}, err
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if a.Key != "" {
			row := tx.QueryRowContext(ctx, `
				SELECT `+artifactColumns+` FROM artifacts WHERE execution_id = ? AND key = ?
			`, a.ExecutionID, a.Key)
			prev, err := scanArtifact(row)
			switch {
			case err == nil:
				a.ID, a.CreatedAt = prev.ID, prev.CreatedAt
				_, err = tx.ExecContext(ctx, `
					UPDATE artifacts SET node_id = ?, frame_id = ?, name = ?, type = ?, content = ?, updated_at = ?
					WHERE id = ?
				`, a.NodeID, a.FrameID, a.Name, string(a.Type), content, toMillis(a.UpdatedAt), a.ID)
				if err != nil {
					return fmt.Errorf("update artifact %s: %w", a.Key, err)
				}
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("get artifact %s: %w", a.Key, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (`+artifactColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.ExecutionID, a.NodeID, a.FrameID, a.Key, a.Name, string(a.Type), content,
			toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.ID, err)
		}
		return nil
	})
	if err != nil {
		return ir.Artifact{}, err
	}
	return a, nil
}

// GetArtifact returns one artifact, or ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, id string) (ir.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns an execution's artifacts, most recently updated
// first. A limit of 0 or less returns all of them.
func (s *Store) ListArtifacts(ctx context.Context, executionID string, limit int) ([]ir.Artifact, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts WHERE execution_id = ?
		ORDER BY updated_at DESC, id COLLATE BINARY ASC
		LIMIT ?
	`, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	out := []ir.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

func scanArtifact(row rowScanner) (ir.Artifact, error) {
	var (
		a                    ir.Artifact
		typ, content         string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&a.ID, &a.ExecutionID, &a.NodeID, &a.FrameID, &a.Key, &a.Name, &typ, &content,
		&createdAt, &updatedAt); err != nil {
		return ir.Artifact{}, err
	}
	v, err := decodeValue(content)
	if err != nil {
		return ir.Artifact{}, err
	}
	a.Type = ir.ArtifactType(typ)
	a.Content = v
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}
