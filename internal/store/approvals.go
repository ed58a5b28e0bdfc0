package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// ErrApprovalDecided is returned when a decision targets a request that is
// no longer pending.
var ErrApprovalDecided = errors.New("approval already decided")

const approvalColumns = `id, execution_id, node_id, path, kind, prompt, payload, status,
	requested_frame, requested_at, expires_at, responded_at, responder, comment`

// EnsureApproval returns the request raised by the node's mount at
// a.RequestedFrame, inserting a as a pending request if there is none.
// It reports whether a was inserted.
func (s *Store) EnsureApproval(ctx context.Context, a ir.Approval) (ir.Approval, bool, error) {
	var (
		out     ir.Approval
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+approvalColumns+` FROM approvals
			WHERE execution_id = ? AND node_id = ? AND requested_frame = ?
		`, a.ExecutionID, a.NodeID, a.RequestedFrame)
		existing, err := scanApproval(row)
		if err == nil {
			out, created = existing, false
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get approval: %w", err)
		}

		payload, err := encodeNullable(a.Payload, a.Payload != nil)
		if err != nil {
			return err
		}
		a.Status = ir.ApprovalPending
		_, err = tx.ExecContext(ctx, `
			INSERT INTO approvals (`+approvalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', '')
		`, a.ID, a.ExecutionID, a.NodeID, a.Path, string(a.Kind), a.Prompt, payload,
			string(a.Status), a.RequestedFrame, toMillis(a.RequestedAt), toMillis(a.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert approval %s: %w", a.ID, err)
		}
		out, created = a, true
		return nil
	})
	return out, created, err
}

// GetApproval returns one request, or ErrNotFound.
func (s *Store) GetApproval(ctx context.Context, id string) (ir.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Approval{}, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Approval{}, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns an execution's requests in request order. An empty
// status returns all of them.
func (s *Store) ListApprovals(ctx context.Context, executionID string, status ir.ApprovalStatus) ([]ir.Approval, error) {
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE execution_id = ? AND (? = '' OR status = ?)
		ORDER BY requested_at ASC, id COLLATE BINARY ASC
	`, executionID, string(status), string(status))
}

// DecidedWaitingApprovals returns decided requests whose node is still
// mounted and waiting for them: decisions the tick loop has not applied.
func (s *Store) DecidedWaitingApprovals(ctx context.Context, executionID string) ([]ir.Approval, error) {
	return s.queryApprovals(ctx, `
		SELECT a.id, a.execution_id, a.node_id, a.path, a.kind, a.prompt, a.payload, a.status,
			a.requested_frame, a.requested_at, a.expires_at, a.responded_at, a.responder, a.comment
		FROM approvals a
		JOIN node_instances n
			ON n.execution_id = a.execution_id AND n.node_id = a.node_id
			AND n.mounted_at_frame = a.requested_frame
		WHERE a.execution_id = ? AND a.status != 'pending'
			AND n.status = 'waiting' AND n.mounted = 1
		ORDER BY a.responded_at ASC, a.id COLLATE BINARY ASC
	`, executionID)
}

// DecideApproval approves or denies a pending request. Deciding a request
// twice returns ErrApprovalDecided.
func (s *Store) DecideApproval(ctx context.Context, id string, approved bool, responder, comment string, now time.Time) (ir.Approval, error) {
	status := ir.ApprovalDenied
	if approved {
		status = ir.ApprovalApproved
	}
	return s.resolveApproval(ctx, id, status, responder, comment, now)
}

// ExpireApproval closes a pending request without a decision.
func (s *Store) ExpireApproval(ctx context.Context, id, reason string, now time.Time) (ir.Approval, error) {
	return s.resolveApproval(ctx, id, ir.ApprovalExpired, "", reason, now)
}

// WithdrawApprovals expires every pending request of a node, for example
// when it unmounts. It returns how many were expired.
func (s *Store) WithdrawApprovals(ctx context.Context, executionID, nodeID, reason string, now time.Time) (int, error) {
	var n int64
	err := retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals SET status = 'expired', responded_at = ?, comment = ?
			WHERE execution_id = ? AND node_id = ? AND status = 'pending'
		`, toMillis(now), reason, executionID, nodeID)
		if err != nil {
			return fmt.Errorf("withdraw approvals of %s: %w", nodeID, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *Store) resolveApproval(ctx context.Context, id string, status ir.ApprovalStatus, responder, comment string, now time.Time) (ir.Approval, error) {
	var out ir.Approval
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
		a, err := scanApproval(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get approval: %w", err)
		}
		if a.Status != ir.ApprovalPending {
			return fmt.Errorf("approval %s is %s: %w", id, a.Status, ErrApprovalDecided)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE approvals SET status = ?, responded_at = ?, responder = ?, comment = ?
			WHERE id = ?
		`, string(status), toMillis(now), responder, comment, id); err != nil {
			return fmt.Errorf("update approval %s: %w", id, err)
		}
		a.Status = status
		a.RespondedAt = fromMillis(toMillis(now))
		a.Responder = responder
		a.Comment = comment
		out = a
		return nil
	})
	return out, err
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]ir.Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	out := []ir.Approval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

func scanApproval(row rowScanner) (ir.Approval, error) {
	var (
		a                                   ir.Approval
		kind, status                        string
		payload                             sql.NullString
		requestedAt, expiresAt, respondedAt int64
	)
	if err := row.Scan(&a.ID, &a.ExecutionID, &a.NodeID, &a.Path, &kind, &a.Prompt, &payload, &status,
		&a.RequestedFrame, &requestedAt, &expiresAt, &respondedAt, &a.Responder, &a.Comment); err != nil {
		return ir.Approval{}, err
	}
	v, err := decodeNullable(payload)
	if err != nil {
		return ir.Approval{}, err
	}
	a.Kind = ir.ApprovalKind(kind)
	a.Status = ir.ApprovalStatus(status)
	a.Payload = v
	a.RequestedAt = fromMillis(requestedAt)
	a.ExpiresAt = fromMillis(expiresAt)
	a.RespondedAt = fromMillis(respondedAt)
	return a, nil
}
