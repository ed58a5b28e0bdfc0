package ir

import (
	"fmt"
	"slices"
	"strings"
)

// ActionKind is the kind of a queued write.
type ActionKind string

const (
	ActionSet    ActionKind = "set"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// Reducer computes a new value from the running value of a key.
// current is IRNull{} when the key is absent.
type Reducer func(current IRValue) (IRValue, error)

// Action is a write request collected during a tick and applied at commit.
type Action struct {
	Key         string
	Kind        ActionKind
	Value       IRValue
	Reducer     Reducer
	Trigger     string
	FrameID     int64
	NodeID      string
	ActionIndex int
}

// Writer is the enqueue-only handle given to render functions, completion
// handlers and effects. It never exposes reads.
type Writer interface {
	Set(key string, value IRValue)
	Update(key string, reducer Reducer)
	Delete(key string)
}

// CompareActions orders actions by (frame_id, node_id, action_index).
func CompareActions(a, b Action) int {
	if a.FrameID != b.FrameID {
		if a.FrameID < b.FrameID {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.NodeID, b.NodeID); c != 0 {
		return c
	}
	return a.ActionIndex - b.ActionIndex
}

// SortActions sorts in commit order. Stable so that equal keys keep their
// enqueue order.
func SortActions(actions []Action) {
	slices.SortStableFunc(actions, CompareActions)
}

// Apply computes the value of a key after this action.
// present reports whether the key exists before; the returned bool reports
// whether it exists after.
func (a Action) Apply(current IRValue, present bool) (IRValue, bool, error) {
	switch a.Kind {
	case ActionSet:
		if a.Value == nil {
			return IRNull{}, true, nil
		}
		return a.Value, true, nil
	case ActionUpdate:
		if a.Reducer == nil {
			return nil, false, fmt.Errorf("update %q: nil reducer", a.Key)
		}
		in := current
		if !present || in == nil {
			in = IRNull{}
		}
		out, err := a.Reducer(in)
		if err != nil {
			return nil, false, fmt.Errorf("update %q: %w", a.Key, err)
		}
		if out == nil {
			out = IRNull{}
		}
		return out, true, nil
	case ActionDelete:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("action %q: unknown kind %q", a.Key, a.Kind)
	}
}
