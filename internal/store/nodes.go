package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

func upsertNodeInstance(ctx context.Context, tx *sql.Tx, n ir.NodeInstance) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO node_instances
		(execution_id, node_id, kind, path, status, mounted_at_frame, last_seen_frame, mounted, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id) DO UPDATE SET
			kind = excluded.kind,
			path = excluded.path,
			status = excluded.status,
			mounted_at_frame = excluded.mounted_at_frame,
			last_seen_frame = excluded.last_seen_frame,
			mounted = excluded.mounted,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, n.ExecutionID, n.NodeID, string(n.Kind), n.Path, string(n.Status), n.MountedAtFrame,
		n.LastSeenFrame, boolToInt(n.Mounted), n.LastError, toMillis(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert node instance %s: %w", n.NodeID, err)
	}
	return nil
}

// UpsertNodeInstances writes node instance rows outside of a frame commit.
func (s *Store) UpsertNodeInstances(ctx context.Context, nodes []ir.NodeInstance) error {
	if len(nodes) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, n := range nodes {
			if err := upsertNodeInstance(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetNodeStatus updates the status and last error of one node instance.
func (s *Store) SetNodeStatus(ctx context.Context, executionID, nodeID string, status ir.NodeStatus, lastError string, now time.Time) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE node_instances SET status = ?, last_error = ?, updated_at = ?
			WHERE execution_id = ? AND node_id = ?
		`, string(status), lastError, toMillis(now), executionID, nodeID)
		if err != nil {
			return fmt.Errorf("set node status: %w", err)
		}
		return nil
	})
}

// LoadNodeInstances returns every node instance of an execution by node id.
func (s *Store) LoadNodeInstances(ctx context.Context, executionID string) (map[string]ir.NodeInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, kind, path, status, mounted_at_frame, last_seen_frame, mounted, last_error, updated_at
		FROM node_instances WHERE execution_id = ?
		ORDER BY node_id COLLATE BINARY ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query node instances: %w", err)
	}
	defer rows.Close()

	nodes := make(map[string]ir.NodeInstance)
	for rows.Next() {
		n, err := scanNodeInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node instance: %w", err)
		}
		nodes[n.NodeID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node instances: %w", err)
	}
	return nodes, nil
}

func scanNodeInstance(row rowScanner) (ir.NodeInstance, error) {
	var (
		n            ir.NodeInstance
		kind, status string
		mounted      int
		updatedAt    int64
	)
	if err := row.Scan(&n.ExecutionID, &n.NodeID, &kind, &n.Path, &status, &n.MountedAtFrame,
		&n.LastSeenFrame, &mounted, &n.LastError, &updatedAt); err != nil {
		return ir.NodeInstance{}, err
	}
	n.Kind = ir.NodeKind(kind)
	n.Status = ir.NodeStatus(status)
	n.Mounted = mounted != 0
	n.UpdatedAt = fromMillis(updatedAt)
	return n, nil
}
