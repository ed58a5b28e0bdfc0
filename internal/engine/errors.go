package engine

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/evmts/smithers/internal/ir"
)

// EngineError is a fatal error detected by the tick engine.
//
// Engine errors are invariant violations (render purity, duplicate identity,
// effect loops) or guard trips (frame storm, stop condition). Task failures
// are never EngineErrors: they stay on the task and node instance rows.
//
// EngineError includes structured fields so the failure can be diagnosed
// from the execution row and logs without reproducing it.
type EngineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ExecutionID identifies the affected execution.
	ExecutionID string

	// FrameSeq is the frame being built when the error occurred.
	FrameSeq int64

	// NodeID and NodePath identify the offending node, when there is one.
	NodeID   string
	NodePath string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeRenderPhaseViolation indicates a state commit during render.
	ErrCodeRenderPhaseViolation ErrorCode = "RENDER_PHASE_VIOLATION"

	// ErrCodeReconciliation indicates duplicate or ambiguous node identity.
	ErrCodeReconciliation ErrorCode = "RECONCILIATION_ERROR"

	// ErrCodeEffectLoop indicates an effect re-ran with the same deps too often.
	ErrCodeEffectLoop ErrorCode = "EFFECT_LOOP"

	// ErrCodeFrameStorm indicates runaway frame production.
	ErrCodeFrameStorm ErrorCode = "FRAME_STORM"

	// ErrCodeStopCondition indicates the execution reached a stop condition.
	ErrCodeStopCondition ErrorCode = "STOP_CONDITION"

	// ErrCodeRenderFailed indicates the render function panicked or returned
	// an unusable tree.
	ErrCodeRenderFailed ErrorCode = "RENDER_FAILED"
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ExecutionID != "" {
		msg += fmt.Sprintf(" (execution=%s, frame=%d", e.ExecutionID, e.FrameSeq)
		if e.NodePath != "" {
			msg += ", node=" + e.NodePath
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error { return e.Err }

// Status returns the execution status the error leaves behind.
func (e *EngineError) Status() ir.ExecutionStatus {
	switch e.Code {
	case ErrCodeFrameStorm:
		return ir.ExecutionStalled
	case ErrCodeStopCondition:
		return ir.ExecutionStopped
	default:
		return ir.ExecutionFailed
	}
}

func hasCode(err error, code ErrorCode) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsRenderPhaseViolation returns true for a write attempted during render.
// Uses errors.As to handle wrapped errors.
func IsRenderPhaseViolation(err error) bool { return hasCode(err, ErrCodeRenderPhaseViolation) }

// IsReconciliationError returns true for duplicate or ambiguous identity.
func IsReconciliationError(err error) bool { return hasCode(err, ErrCodeReconciliation) }

// IsEffectLoopError returns true when an effect loop halted the execution.
func IsEffectLoopError(err error) bool { return hasCode(err, ErrCodeEffectLoop) }

// IsFrameStormError returns true when the frame storm guard tripped.
func IsFrameStormError(err error) bool { return hasCode(err, ErrCodeFrameStorm) }

// IsStopCondition returns true when the execution stopped on a stop
// condition. It is the normal way for Run to end early.
func IsStopCondition(err error) bool { return hasCode(err, ErrCodeStopCondition) }

// IsRenderFailed returns true when the render function failed.
func IsRenderFailed(err error) bool { return hasCode(err, ErrCodeRenderFailed) }

// NewRenderPhaseViolation creates an EngineError for a commit during render.
func NewRenderPhaseViolation(executionID string, frame int64, err error) *EngineError {
	return &EngineError{
		Code:        ErrCodeRenderPhaseViolation,
		Message:     "state was committed during render; render may only enqueue",
		ExecutionID: executionID,
		FrameSeq:    frame,
		Err:         err,
	}
}

// NewReconciliationError creates an EngineError for an identity conflict.
func NewReconciliationError(executionID string, frame int64, nodeID, path string, err error) *EngineError {
	return &EngineError{
		Code:        ErrCodeReconciliation,
		Message:     "plan tree has conflicting node identities",
		ExecutionID: executionID,
		FrameSeq:    frame,
		NodeID:      nodeID,
		NodePath:    path,
		Err:         err,
	}
}

// NewEffectLoopError creates an EngineError for a runaway effect.
func NewEffectLoopError(executionID string, frame int64, nodeID, path string, err error) *EngineError {
	return &EngineError{
		Code:        ErrCodeEffectLoop,
		Message:     "effect re-ran with identical deps too many times",
		ExecutionID: executionID,
		FrameSeq:    frame,
		NodeID:      nodeID,
		NodePath:    path,
		Err:         err,
	}
}

// NewFrameStormError creates an EngineError for a tripped frame guard.
func NewFrameStormError(executionID string, frame int64, limit string, count, max int) *EngineError {
	return &EngineError{
		Code:        ErrCodeFrameStorm,
		Message:     fmt.Sprintf("frame storm: %s exceeded (%d > %d)", limit, count, max),
		ExecutionID: executionID,
		FrameSeq:    frame,
		Details: map[string]string{
			"limit": limit,
			"count": strconv.Itoa(count),
			"max":   strconv.Itoa(max),
		},
	}
}

// NewStopError creates an EngineError for a reached stop condition.
func NewStopError(executionID string, frame int64, reason string) *EngineError {
	return &EngineError{
		Code:        ErrCodeStopCondition,
		Message:     reason,
		ExecutionID: executionID,
		FrameSeq:    frame,
		Details:     map[string]string{"reason": reason},
	}
}

// NewRenderFailed creates an EngineError for a failed render.
func NewRenderFailed(executionID string, frame int64, err error) *EngineError {
	return &EngineError{
		Code:        ErrCodeRenderFailed,
		Message:     "render failed",
		ExecutionID: executionID,
		FrameSeq:    frame,
		Err:         err,
	}
}
