package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// CommitResult reports what one state commit did.
type CommitResult struct {
	Version     int64
	Transitions []ir.Transition
}

// LoadState reads the full state of an execution together with its version,
// in one read transaction so the two are consistent.
func (s *Store) LoadState(ctx context.Context, executionID string) (map[string]ir.IRValue, int64, error) {
	var (
		entries map[string]ir.IRValue
		version int64
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		entries = make(map[string]ir.IRValue)
		if err := tx.QueryRowContext(ctx, `SELECT state_version FROM executions WHERE id = ?`, executionID).Scan(&version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
			}
			return fmt.Errorf("read state version: %w", err)
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT key, value FROM state WHERE execution_id = ?
			ORDER BY key COLLATE BINARY ASC
		`, executionID)
		if err != nil {
			return fmt.Errorf("query state: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key, raw string
			if err := rows.Scan(&key, &raw); err != nil {
				return fmt.Errorf("scan state: %w", err)
			}
			v, err := decodeValue(raw)
			if err != nil {
				return fmt.Errorf("state key %q: %w", key, err)
			}
			entries[key] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load state: %w", err)
	}
	return entries, version, nil
}

// StateVersion returns the committed state version of an execution.
func (s *Store) StateVersion(ctx context.Context, executionID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT state_version FROM executions WHERE id = ?`, executionID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("state version: %w", err)
	}
	return version, nil
}

// CommitActions applies actions to the state table and appends one
// transition per action, all in one SQL transaction, then increments the
// state version once. Actions must already be in commit order.
// An empty batch is a no-op and does not bump the version.
func (s *Store) CommitActions(ctx context.Context, executionID string, actions []ir.Action, phase string, now time.Time) (CommitResult, error) {
	return s.CommitTick(ctx, executionID, actions, phase, nil, now)
}

// CommitTick is CommitActions that also upserts node instance rows in the
// same transaction. A node's status and the state its handler wrote are
// therefore persisted together or not at all. With no actions the version
// is left alone.
func (s *Store) CommitTick(ctx context.Context, executionID string, actions []ir.Action, phase string, nodes []ir.NodeInstance, now time.Time) (CommitResult, error) {
	if len(actions) == 0 && len(nodes) == 0 {
		version, err := s.StateVersion(ctx, executionID)
		return CommitResult{Version: version, Transitions: []ir.Transition{}}, err
	}

	var result CommitResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, n := range nodes {
			if err := upsertNodeInstance(ctx, tx, n); err != nil {
				return err
			}
		}
		if len(actions) == 0 {
			result = CommitResult{Transitions: []ir.Transition{}}
			return tx.QueryRowContext(ctx, `SELECT state_version FROM executions WHERE id = ?`, executionID).Scan(&result.Version)
		}
		var err error
		result, err = applyActions(ctx, tx, executionID, actions, phase, now)
		return err
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit actions: %w", err)
	}
	return result, nil
}

func applyActions(ctx context.Context, tx *sql.Tx, executionID string, actions []ir.Action, phase string, now time.Time) (CommitResult, error) {
	result := CommitResult{Transitions: make([]ir.Transition, 0, len(actions))}
	type cell struct {
		value   ir.IRValue
		present bool
	}
	running := make(map[string]cell)

	for _, a := range actions {
		cur, seen := running[a.Key]
		if !seen {
			var raw string
			err := tx.QueryRowContext(ctx, `SELECT value FROM state WHERE execution_id = ? AND key = ?`, executionID, a.Key).Scan(&raw)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				cur = cell{}
			case err != nil:
				return CommitResult{}, fmt.Errorf("read state %q: %w", a.Key, err)
			default:
				v, err := decodeValue(raw)
				if err != nil {
					return CommitResult{}, fmt.Errorf("state key %q: %w", a.Key, err)
				}
				cur = cell{value: v, present: true}
			}
		}

		next, present, err := a.Apply(cur.value, cur.present)
		if err != nil {
			return CommitResult{}, err
		}

		if present {
			raw, err := encodeValue(next)
			if err != nil {
				return CommitResult{}, fmt.Errorf("state key %q: %w", a.Key, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO state (execution_id, key, value, updated_frame) VALUES (?, ?, ?, ?)
				ON CONFLICT(execution_id, key) DO UPDATE SET value = excluded.value, updated_frame = excluded.updated_frame
			`, executionID, a.Key, raw, a.FrameID)
			if err != nil {
				return CommitResult{}, fmt.Errorf("upsert state %q: %w", a.Key, err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE execution_id = ? AND key = ?`, executionID, a.Key); err != nil {
				return CommitResult{}, fmt.Errorf("delete state %q: %w", a.Key, err)
			}
		}

		oldRaw, err := encodeNullable(cur.value, cur.present)
		if err != nil {
			return CommitResult{}, err
		}
		newRaw, err := encodeNullable(next, present)
		if err != nil {
			return CommitResult{}, err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO transitions (execution_id, key, old_value, new_value, trigger, node_id, frame_id, phase, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, executionID, a.Key, oldRaw, newRaw, a.Trigger, a.NodeID, a.FrameID, phase, toMillis(now))
		if err != nil {
			return CommitResult{}, fmt.Errorf("insert transition %q: %w", a.Key, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return CommitResult{}, fmt.Errorf("insert transition %q: %w", a.Key, err)
		}

		t := ir.Transition{
			ID:          id,
			ExecutionID: executionID,
			Key:         a.Key,
			Trigger:     a.Trigger,
			NodeID:      a.NodeID,
			FrameID:     a.FrameID,
			Phase:       phase,
			Timestamp:   now,
		}
		if cur.present {
			t.OldValue = cur.value
		}
		if present {
			t.NewValue = next
		}
		result.Transitions = append(result.Transitions, t)
		running[a.Key] = cell{value: next, present: present}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET state_version = state_version + 1, updated_at = ? WHERE id = ?
	`, toMillis(now), executionID); err != nil {
		return CommitResult{}, fmt.Errorf("bump state version: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT state_version FROM executions WHERE id = ?`, executionID).Scan(&result.Version); err != nil {
		return CommitResult{}, fmt.Errorf("read state version: %w", err)
	}
	return result, nil
}
