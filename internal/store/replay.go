package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/evmts/smithers/internal/ir"
)

// TransitionsSince returns transitions with id > afterID in log order.
// limit <= 0 means no limit. The last returned id is the next cursor.
func (s *Store) TransitionsSince(ctx context.Context, executionID string, afterID int64, limit int) ([]ir.Transition, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTransitions(ctx, `
		SELECT id, execution_id, key, old_value, new_value, trigger, node_id, frame_id, phase, timestamp
		FROM transitions WHERE execution_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, executionID, afterID, limit)
}

// LastTransitions returns the n most recent transitions, oldest first.
func (s *Store) LastTransitions(ctx context.Context, executionID string, n int) ([]ir.Transition, error) {
	ts, err := s.queryTransitions(ctx, `
		SELECT id, execution_id, key, old_value, new_value, trigger, node_id, frame_id, phase, timestamp
		FROM transitions WHERE execution_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, executionID, n)
	if err != nil {
		return nil, err
	}
	slices.Reverse(ts)
	return ts, nil
}

// ReplayState folds the transition log from empty state.
// Transitions with frame_id > upToFrame are skipped; upToFrame < 0 replays
// the whole log. Log order (transition id) is commit order.
func (s *Store) ReplayState(ctx context.Context, executionID string, upToFrame int64) (map[string]ir.IRValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, new_value FROM transitions
		WHERE execution_id = ? AND (? < 0 OR frame_id <= ?)
		ORDER BY id ASC
	`, executionID, upToFrame, upToFrame)
	if err != nil {
		return nil, fmt.Errorf("replay state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]ir.IRValue)
	for rows.Next() {
		var (
			key    string
			newRaw sql.NullString
		)
		if err := rows.Scan(&key, &newRaw); err != nil {
			return nil, fmt.Errorf("replay state: %w", err)
		}
		if !newRaw.Valid {
			delete(state, key)
			continue
		}
		v, err := decodeValue(newRaw.String)
		if err != nil {
			return nil, fmt.Errorf("replay key %q: %w", key, err)
		}
		state[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay state: %w", err)
	}
	return state, nil
}

// ReplayReport is the result of comparing a replay against the state table.
type ReplayReport struct {
	ExecutionID string
	Keys        int
	Mismatches  []string
}

// Match reports whether replay reproduced the state table exactly.
func (r ReplayReport) Match() bool {
	return len(r.Mismatches) == 0
}

// VerifyReplay replays the full log and compares it to the state table.
func (s *Store) VerifyReplay(ctx context.Context, executionID string) (ReplayReport, error) {
	replayed, err := s.ReplayState(ctx, executionID, -1)
	if err != nil {
		return ReplayReport{}, err
	}
	current, _, err := s.LoadState(ctx, executionID)
	if err != nil {
		return ReplayReport{}, err
	}

	report := ReplayReport{ExecutionID: executionID, Keys: len(current), Mismatches: []string{}}
	keys := make([]string, 0, len(current)+len(replayed))
	for k := range current {
		keys = append(keys, k)
	}
	for k := range replayed {
		if _, ok := current[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		cv, inCurrent := current[k]
		rv, inReplay := replayed[k]
		switch {
		case !inReplay:
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s: present in state, absent in replay", k))
		case !inCurrent:
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s: absent in state, present in replay", k))
		case !ir.Equal(cv, rv):
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s: value differs", k))
		}
	}
	return report, nil
}

// Diagnosis gathers what an operator needs to understand a failure without
// reproducing it.
type Diagnosis struct {
	Execution   ir.Execution      `json:"execution"`
	LastFrame   *ir.Frame         `json:"last_frame,omitempty"`
	Transitions []ir.Transition   `json:"transitions"`
	FailedTasks []ir.Task         `json:"failed_tasks"`
	FailedNodes []ir.NodeInstance `json:"failed_nodes"`
}

// Diagnose collects the last n transitions, failed/abandoned tasks and
// nodes, and the last frame of an execution.
func (s *Store) Diagnose(ctx context.Context, executionID string, n int) (Diagnosis, error) {
	ex, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return Diagnosis{}, err
	}
	d := Diagnosis{Execution: ex}

	if frame, ok, err := s.LastFrame(ctx, executionID); err != nil {
		return Diagnosis{}, err
	} else if ok {
		d.LastFrame = &frame
	}

	if d.Transitions, err = s.LastTransitions(ctx, executionID, n); err != nil {
		return Diagnosis{}, err
	}

	if d.FailedTasks, err = s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE execution_id = ? AND status IN ('failed', 'timeout', 'abandoned')
		ORDER BY created_at ASC, task_id COLLATE BINARY ASC
	`, executionID); err != nil {
		return Diagnosis{}, err
	}

	nodes, err := s.LoadNodeInstances(ctx, executionID)
	if err != nil {
		return Diagnosis{}, err
	}
	d.FailedNodes = []ir.NodeInstance{}
	for _, id := range sortedNodeIDs(nodes) {
		node := nodes[id]
		if node.Status == ir.NodeFailed || node.Status == ir.NodeAbandoned {
			d.FailedNodes = append(d.FailedNodes, node)
		}
	}
	return d, nil
}

func sortedNodeIDs(nodes map[string]ir.NodeInstance) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Store) queryTransitions(ctx context.Context, query string, args ...any) ([]ir.Transition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	transitions := []ir.Transition{}
	for rows.Next() {
		var (
			t              ir.Transition
			oldRaw, newRaw sql.NullString
			ts             int64
		)
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.Key, &oldRaw, &newRaw, &t.Trigger, &t.NodeID,
			&t.FrameID, &t.Phase, &ts); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if t.OldValue, err = decodeNullable(oldRaw); err != nil {
			return nil, err
		}
		if t.NewValue, err = decodeNullable(newRaw); err != nil {
			return nil, err
		}
		t.Timestamp = fromMillis(ts)
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return transitions, nil
}
