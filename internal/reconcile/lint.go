package reconcile

import (
	"fmt"

	"github.com/evmts/smithers/internal/ir"
)

// Lint rule names.
const (
	RuleListChildNeedsKey  = "list-child-needs-key"
	RuleRunnableNeedsID    = "runnable-needs-id"
	RuleLoopNeedsMax       = "loop-needs-max"
	RuleAgentNeedsMaxTurns = "agent-needs-max-turns"
	RuleApprovalKind       = "approval-kind-unknown"
)

// Warning is a lint finding. Warnings never abort a tick.
type Warning struct {
	Rule    string `json:"rule"`
	NodeID  string `json:"node_id"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s at %s: %s", w.Rule, w.Path, w.Message)
}

func lintNode(n, parent *ir.Node) []Warning {
	var out []Warning
	_, hasID := n.ExplicitID()
	keyed := n.Key != "" || hasID

	if !keyed && parent != nil && isListChild(n, parent) {
		out = append(out, Warning{
			Rule:    RuleListChildNeedsKey,
			NodeID:  n.ID,
			Path:    n.Path,
			Message: "repeated child has no key; identity falls back to sibling index and reordering remounts it",
		})
	}
	// A remounted approval node raises a new request, so its identity
	// matters as much as a task's.
	if (n.Kind.Runnable() || n.Kind == ir.KindApproval) && !keyed {
		out = append(out, Warning{
			Rule:    RuleRunnableNeedsID,
			NodeID:  n.ID,
			Path:    n.Path,
			Message: fmt.Sprintf("%s node has neither key nor id", n.Kind),
		})
	}
	if n.Kind == ir.KindWhile {
		if _, ok := n.Props.GetInt(ir.PropMaxIterations); !ok {
			out = append(out, Warning{
				Rule:    RuleLoopNeedsMax,
				NodeID:  n.ID,
				Path:    n.Path,
				Message: "while node has no max_iterations",
			})
		}
	}
	if n.Kind == ir.KindApproval {
		if k, ok := n.Props.GetString(ir.PropApprovalKind); ok && !ir.ApprovalKind(k).Valid() {
			out = append(out, Warning{
				Rule:    RuleApprovalKind,
				NodeID:  n.ID,
				Path:    n.Path,
				Message: fmt.Sprintf("unknown approval_kind %q; human_review is used", k),
			})
		}
	}
	if n.Kind == ir.KindAgent {
		if _, ok := n.Props.GetInt(ir.PropMaxTurns); !ok {
			out = append(out, Warning{
				Rule:    RuleAgentNeedsMaxTurns,
				NodeID:  n.ID,
				Path:    n.Path,
				Message: "agent node has no max_turns",
			})
		}
	}
	return out
}

// isListChild reports whether n sits in a list: under an each node, or next
// to another sibling of the same kind.
func isListChild(n, parent *ir.Node) bool {
	if parent.Kind == ir.KindEach {
		return true
	}
	if n.Kind == ir.KindText {
		return false
	}
	for _, s := range parent.Children {
		if s != nil && s != n && s.Kind == n.Kind {
			return true
		}
	}
	return false
}
