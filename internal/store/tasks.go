package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

var (
	// ErrLeaseConflict is returned when another owner holds an unexpired
	// lease for the same node, or the task is no longer scheduled.
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrLeaseLost is returned when a heartbeat or finish is attempted by an
	// owner that no longer holds the task's lease.
	ErrLeaseLost = errors.New("lease lost")
)

const taskColumns = `task_id, execution_id, node_id, target, status, lease_owner, lease_expires_at,
	heartbeat_at, retry_count, max_retries, next_retry_at, backoff_ms, last_error, result, stale,
	created_at, updated_at`

// CreateTask inserts a task row in the scheduled state.
func (s *Store) CreateTask(ctx context.Context, t ir.Task) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertTask(ctx, tx, t)
	})
}

func insertTask(ctx context.Context, tx *sql.Tx, t ir.Task) error {
	result, err := encodeNullable(t.Result, t.Result != nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TaskID, t.ExecutionID, t.NodeID, t.Target, string(t.Status), t.LeaseOwner,
		toMillis(t.LeaseExpiresAt), toMillis(t.HeartbeatAt), t.RetryCount, t.MaxRetries,
		toMillis(t.NextRetryAt), t.BackoffMS, t.LastError, result, boolToInt(t.Stale),
		toMillis(t.CreatedAt), toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.TaskID, err)
	}
	return nil
}

// GetTask returns one task, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (ir.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return ir.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks of an execution in creation order.
func (s *Store) ListTasks(ctx context.Context, executionID string) ([]ir.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE execution_id = ?
		ORDER BY created_at ASC, task_id COLLATE BINARY ASC
	`, executionID)
}

// ActiveTasks returns the scheduled and running tasks of an execution.
func (s *Store) ActiveTasks(ctx context.Context, executionID string) ([]ir.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE execution_id = ? AND status IN ('scheduled', 'running')
		ORDER BY created_at ASC, task_id COLLATE BINARY ASC
	`, executionID)
}

// TasksForNode returns every attempt recorded for one node.
func (s *Store) TasksForNode(ctx context.Context, executionID, nodeID string) ([]ir.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE execution_id = ? AND node_id = ?
		ORDER BY created_at ASC, task_id COLLATE BINARY ASC
	`, executionID, nodeID)
}

// AcquireLease moves a scheduled task to running under owner.
//
// The update is a single statement, so the check "no other task of this
// node holds an unexpired lease" and the claim are atomic across
// processes sharing the database. Returns ErrLeaseConflict otherwise.
func (s *Store) AcquireLease(ctx context.Context, taskID, owner string, now time.Time, lease time.Duration) error {
	nowMS := toMillis(now)
	return retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'running', lease_owner = ?, lease_expires_at = ?, heartbeat_at = ?, updated_at = ?
			WHERE task_id = ?
			  AND status = 'scheduled'
			  AND NOT EXISTS (
				SELECT 1 FROM tasks other
				WHERE other.execution_id = tasks.execution_id
				  AND other.node_id = tasks.node_id
				  AND other.task_id <> tasks.task_id
				  AND other.lease_owner <> ''
				  AND other.lease_expires_at > ?
			  )
		`, owner, toMillis(now.Add(lease)), nowMS, nowMS, taskID, nowMS)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrLeaseConflict)
		}
		return nil
	})
}

// Heartbeat extends the lease held by owner. Returns ErrLeaseLost when the
// owner no longer holds it (expired and reclaimed, or finished).
func (s *Store) Heartbeat(ctx context.Context, taskID, owner string, now time.Time, lease time.Duration) error {
	return retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET lease_expires_at = ?, heartbeat_at = ?, updated_at = ?
			WHERE task_id = ? AND lease_owner = ? AND status = 'running'
		`, toMillis(now.Add(lease)), toMillis(now), toMillis(now), taskID, owner)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrLeaseLost)
		}
		return nil
	})
}

// TaskOutcome is the terminal record written when an attempt finishes.
type TaskOutcome struct {
	Status    ir.TaskStatus
	Result    ir.IRValue
	LastError string
	Stale     bool
}

// FinishTask records the outcome of a running task and releases its lease.
// Only the lease owner may finish; otherwise ErrLeaseLost.
func (s *Store) FinishTask(ctx context.Context, taskID, owner string, out TaskOutcome, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return finishTask(ctx, tx, taskID, owner, out, now)
	})
}

func finishTask(ctx context.Context, tx *sql.Tx, taskID, owner string, out TaskOutcome, now time.Time) error {
	result, err := encodeNullable(out.Result, out.Result != nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, last_error = ?, stale = ?,
			lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE task_id = ? AND lease_owner = ? AND status = 'running'
	`, string(out.Status), result, out.LastError, boolToInt(out.Stale), toMillis(now), taskID, owner)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrLeaseLost)
	}
	return nil
}

// RetryTask finishes a failed attempt and inserts the next attempt in one
// transaction, so a crash can never lose the retry or run it twice.
func (s *Store) RetryTask(ctx context.Context, taskID, owner string, out TaskOutcome, next ir.Task, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := finishTask(ctx, tx, taskID, owner, out, now); err != nil {
			return err
		}
		return insertTask(ctx, tx, next)
	})
}

// CancelScheduledTask cancels a task that never started.
func (s *Store) CancelScheduledTask(ctx context.Context, taskID, reason string, now time.Time) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'canceled', last_error = ?, updated_at = ?
			WHERE task_id = ? AND status = 'scheduled'
		`, reason, toMillis(now), taskID)
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		return nil
	})
}

// MarkTaskStale flags a finished task whose result arrived after its node
// unmounted. The row keeps its status and result for audit.
func (s *Store) MarkTaskStale(ctx context.Context, taskID string, now time.Time) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET stale = 1, updated_at = ? WHERE task_id = ?
		`, toMillis(now), taskID)
		if err != nil {
			return fmt.Errorf("mark task stale: %w", err)
		}
		return nil
	})
}

// DeferTask persists a new earliest start time for a scheduled task, so a
// rate-limit window survives restarts.
func (s *Store) DeferTask(ctx context.Context, taskID string, nextRetryAt time.Time, backoff time.Duration, now time.Time) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET next_retry_at = ?, backoff_ms = ?, updated_at = ?
			WHERE task_id = ? AND status = 'scheduled'
		`, toMillis(nextRetryAt), backoff.Milliseconds(), toMillis(now), taskID)
		if err != nil {
			return fmt.Errorf("defer task: %w", err)
		}
		return nil
	})
}

// OrphanRecovery describes what happened to one orphaned task.
type OrphanRecovery struct {
	Task      ir.Task
	Abandoned bool
}

// RecoverOrphans finds running tasks whose lease expired before now and
// either requeues them (retry_count+1) or abandons them when retries are
// exhausted. An empty executionID scans every execution.
func (s *Store) RecoverOrphans(ctx context.Context, executionID string, now time.Time) ([]OrphanRecovery, error) {
	var recovered []OrphanRecovery
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		recovered = nil
		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'running' AND lease_expires_at < ?
			  AND (? = '' OR execution_id = ?)
			ORDER BY created_at ASC, task_id COLLATE BINARY ASC
		`, toMillis(now), executionID, executionID)
		if err != nil {
			return fmt.Errorf("query orphans: %w", err)
		}
		var orphans []ir.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan orphan: %w", err)
			}
			orphans = append(orphans, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate orphans: %w", err)
		}
		rows.Close()

		for _, t := range orphans {
			if t.RetryCount < t.MaxRetries {
				_, err = tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = 'scheduled', retry_count = retry_count + 1, lease_owner = '',
						lease_expires_at = 0, next_retry_at = ?, last_error = ?, updated_at = ?
					WHERE task_id = ?
				`, toMillis(now), "lease expired", toMillis(now), t.TaskID)
				if err == nil {
					_, err = tx.ExecContext(ctx, `
						UPDATE node_instances SET status = 'scheduled', updated_at = ?
						WHERE execution_id = ? AND node_id = ?
					`, toMillis(now), t.ExecutionID, t.NodeID)
				}
				t.Status = ir.TaskScheduled
				t.RetryCount++
				t.LeaseOwner = ""
				t.LeaseExpiresAt = time.Time{}
				t.NextRetryAt = now
				t.LastError = "lease expired"
				recovered = append(recovered, OrphanRecovery{Task: t})
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = 'abandoned', lease_owner = '', lease_expires_at = 0,
						last_error = ?, updated_at = ?
					WHERE task_id = ?
				`, "lease expired; retries exhausted", toMillis(now), t.TaskID)
				if err == nil {
					_, err = tx.ExecContext(ctx, `
						UPDATE node_instances SET status = 'abandoned', last_error = ?, updated_at = ?
						WHERE execution_id = ? AND node_id = ?
					`, "lease expired; retries exhausted", toMillis(now), t.ExecutionID, t.NodeID)
				}
				t.Status = ir.TaskAbandoned
				t.LeaseOwner = ""
				t.LeaseExpiresAt = time.Time{}
				t.LastError = "lease expired; retries exhausted"
				recovered = append(recovered, OrphanRecovery{Task: t, Abandoned: true})
			}
			if err != nil {
				return fmt.Errorf("recover orphan %s: %w", t.TaskID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover orphans: %w", err)
	}
	if recovered == nil {
		recovered = []OrphanRecovery{}
	}
	return recovered, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]ir.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []ir.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (ir.Task, error) {
	var (
		t                                  ir.Task
		status                             string
		leaseExpires, heartbeat, nextRetry int64
		createdAt, updatedAt               int64
		result                             sql.NullString
		stale                              int
	)
	if err := row.Scan(&t.TaskID, &t.ExecutionID, &t.NodeID, &t.Target, &status, &t.LeaseOwner,
		&leaseExpires, &heartbeat, &t.RetryCount, &t.MaxRetries, &nextRetry, &t.BackoffMS,
		&t.LastError, &result, &stale, &createdAt, &updatedAt); err != nil {
		return ir.Task{}, err
	}
	v, err := decodeNullable(result)
	if err != nil {
		return ir.Task{}, err
	}
	t.Status = ir.TaskStatus(status)
	t.LeaseExpiresAt = fromMillis(leaseExpires)
	t.HeartbeatAt = fromMillis(heartbeat)
	t.NextRetryAt = fromMillis(nextRetry)
	t.Result = v
	t.Stale = stale != 0
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}
