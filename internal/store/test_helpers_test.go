package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

var testEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a fresh store in a temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestExecution inserts a running execution and returns its id.
func createTestExecution(t *testing.T, s *Store, id string) string {
	t.Helper()
	err := s.CreateExecution(context.Background(), ir.Execution{
		ID:        id,
		Status:    ir.ExecutionRunning,
		Config:    []byte(`{"effect_commit_mode":"same_tick"}`),
		CreatedAt: testEpoch,
	})
	if err != nil {
		t.Fatalf("CreateExecution() failed: %v", err)
	}
	return id
}

// createTestTask returns a scheduled task with minimal fields.
func createTestTask(taskID, execID, nodeID string, maxRetries int) ir.Task {
	return ir.Task{
		TaskID:      taskID,
		ExecutionID: execID,
		NodeID:      nodeID,
		Target:      "anthropic:sonnet",
		Status:      ir.TaskScheduled,
		MaxRetries:  maxRetries,
		CreatedAt:   testEpoch,
	}
}

func set(key string, v ir.IRValue, frame int64, node string, idx int) ir.Action {
	return ir.Action{Key: key, Kind: ir.ActionSet, Value: v, Trigger: "test", FrameID: frame, NodeID: node, ActionIndex: idx}
}
