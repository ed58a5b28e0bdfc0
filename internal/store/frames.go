package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evmts/smithers/internal/ir"
)

// CommitFrame writes one frame and the node instance changes observed in
// that tick, in a single transaction. A frame with an existing sequence
// number is rejected: frames are never rewritten.
func (s *Store) CommitFrame(ctx context.Context, frame ir.Frame, nodes []ir.NodeInstance) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO frames (execution_id, seq, tree, tree_hash, trigger_reason, state_version_before, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, frame.ExecutionID, frame.Seq, string(frame.Tree), frame.TreeHash, frame.TriggerReason,
			frame.StateVersionBefore, toMillis(frame.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert frame: %w", err)
		}
		for _, n := range nodes {
			if err := upsertNodeInstance(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit frame %d: %w", frame.Seq, err)
	}
	return nil
}

// LastFrame returns the most recent frame of an execution.
// ok is false when no frame has been written yet.
func (s *Store) LastFrame(ctx context.Context, executionID string) (frame ir.Frame, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, seq, tree, tree_hash, trigger_reason, state_version_before, created_at
		FROM frames WHERE execution_id = ?
		ORDER BY seq DESC LIMIT 1
	`, executionID)
	frame, err = scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Frame{}, false, nil
	}
	if err != nil {
		return ir.Frame{}, false, fmt.Errorf("last frame: %w", err)
	}
	return frame, true, nil
}

// GetFrame returns one frame by sequence number, or ErrNotFound.
func (s *Store) GetFrame(ctx context.Context, executionID string, seq int64) (ir.Frame, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, seq, tree, tree_hash, trigger_reason, state_version_before, created_at
		FROM frames WHERE execution_id = ? AND seq = ?
	`, executionID, seq)
	frame, err := scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Frame{}, fmt.Errorf("frame %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return ir.Frame{}, fmt.Errorf("get frame: %w", err)
	}
	return frame, nil
}

// FramesSince returns frames with seq > afterSeq in ascending order.
// limit <= 0 means no limit. Poll-style observers pass the last seq seen.
func (s *Store) FramesSince(ctx context.Context, executionID string, afterSeq int64, limit int) ([]ir.Frame, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, seq, tree, tree_hash, trigger_reason, state_version_before, created_at
		FROM frames WHERE execution_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, executionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	frames := []ir.Frame{}
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return frames, nil
}

func scanFrame(row rowScanner) (ir.Frame, error) {
	var (
		f         ir.Frame
		tree      string
		createdAt int64
	)
	if err := row.Scan(&f.ExecutionID, &f.Seq, &tree, &f.TreeHash, &f.TriggerReason, &f.StateVersionBefore, &createdAt); err != nil {
		return ir.Frame{}, err
	}
	f.Tree = []byte(tree)
	f.CreatedAt = fromMillis(createdAt)
	return f, nil
}
