package ir

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionStopped   ExecutionStatus = "stopped"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStalled   ExecutionStatus = "stalled"
)

// Terminal reports whether the execution can no longer tick without an
// operator resetting it.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStopped, ExecutionCompleted, ExecutionFailed, ExecutionStalled:
		return true
	}
	return false
}

// Execution is one workflow run, 1:1 with an executions row.
type Execution struct {
	ID           string          `json:"id"`
	Status       ExecutionStatus `json:"status"`
	Config       json.RawMessage `json:"config"`
	Error        string          `json:"error,omitempty"`
	StateVersion int64           `json:"state_version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Frame is the immutable record of one tick's rendered tree.
type Frame struct {
	ExecutionID        string          `json:"execution_id"`
	Seq                int64           `json:"sequence_number"`
	Tree               json.RawMessage `json:"serialized_tree,omitempty"`
	TreeHash           string          `json:"tree_hash"`
	TriggerReason      string          `json:"trigger_reason"`
	StateVersionBefore int64           `json:"state_version_before"`
	CreatedAt          time.Time       `json:"created_at"`
}

// NodeStatus is the lifecycle state of a node instance.
type NodeStatus string

const (
	NodeIdle      NodeStatus = "idle"
	NodeScheduled NodeStatus = "scheduled"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeBlocked   NodeStatus = "blocked"
	NodeCanceled  NodeStatus = "canceled"
	NodeAbandoned NodeStatus = "abandoned"
	// NodeWaiting marks an approval node suspended until a decision.
	NodeWaiting NodeStatus = "waiting"
)

// Active reports whether a task may currently be working for the node.
func (s NodeStatus) Active() bool {
	return s == NodeScheduled || s == NodeRunning || s == NodeBlocked
}

// NodeInstance is the persisted lifecycle record of one node_id.
type NodeInstance struct {
	ExecutionID    string     `json:"execution_id"`
	NodeID         string     `json:"node_id"`
	Kind           NodeKind   `json:"type"`
	Path           string     `json:"path"`
	Status         NodeStatus `json:"status"`
	MountedAtFrame int64      `json:"mounted_at_frame"`
	LastSeenFrame  int64      `json:"last_seen_frame"`
	Mounted        bool       `json:"mounted"`
	LastError      string     `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskStatus is the lifecycle state of one execution attempt.
type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCanceled  TaskStatus = "canceled"
	TaskAbandoned TaskStatus = "abandoned"
)

// Terminal reports whether the attempt is finished.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimeout, TaskCanceled, TaskAbandoned:
		return true
	}
	return false
}

// Task is one execution attempt tied to a node instance.
type Task struct {
	TaskID         string     `json:"task_id"`
	ExecutionID    string     `json:"execution_id"`
	NodeID         string     `json:"node_id"`
	Target         string     `json:"target"`
	Status         TaskStatus `json:"status"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at"`
	HeartbeatAt    time.Time  `json:"heartbeat_at"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	NextRetryAt    time.Time  `json:"next_retry_at"`
	BackoffMS      int64      `json:"backoff_ms"`
	LastError      string     `json:"last_error,omitempty"`
	Result         IRValue    `json:"result,omitempty"`
	Stale          bool       `json:"stale"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Leased reports whether the task holds an unexpired lease at now.
func (t Task) Leased(now time.Time) bool {
	return t.LeaseOwner != "" && t.LeaseExpiresAt.After(now)
}

// Transition phases.
const (
	PhaseCommit   = "commit"
	PhaseEffects  = "effects"
	PhaseOperator = "operator"
)

// Transition is the audit record of one committed action.
// OldValue is nil when the key was absent; NewValue is nil on delete.
type Transition struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Key         string    `json:"key"`
	OldValue    IRValue   `json:"old_value"`
	NewValue    IRValue   `json:"new_value"`
	Trigger     string    `json:"trigger"`
	NodeID      string    `json:"node_id"`
	FrameID     int64     `json:"frame_id"`
	Phase       string    `json:"phase"`
	Timestamp   time.Time `json:"timestamp"`
}
