package ir

import (
	"fmt"
	"slices"
)

// NodeKind is the discriminant of the plan tree. The set is closed: the
// reconciler and the engine switch over it exhaustively.
type NodeKind string

const (
	KindFragment NodeKind = "fragment"
	KindPhase    NodeKind = "phase"
	KindStep     NodeKind = "step"
	KindIf       NodeKind = "if"
	KindWhile    NodeKind = "while"
	KindEach     NodeKind = "each"
	KindAgent    NodeKind = "agent"
	KindTool     NodeKind = "tool"
	KindEffect   NodeKind = "effect"
	KindStop     NodeKind = "stop"
	KindEnd      NodeKind = "end"
	KindText     NodeKind = "text"
	KindApproval NodeKind = "approval"
)

var validKinds = map[NodeKind]bool{
	KindFragment: true, KindPhase: true, KindStep: true, KindIf: true,
	KindWhile: true, KindEach: true, KindAgent: true, KindTool: true,
	KindEffect: true, KindStop: true, KindEnd: true, KindText: true,
	KindApproval: true,
}

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	return validKinds[k]
}

// Runnable reports whether nodes of this kind execute as tasks.
func (k NodeKind) Runnable() bool {
	return k == KindAgent || k == KindTool
}

// Event names a handler capability a node may declare.
type Event string

const (
	EventFinished Event = "on_finished"
	EventError    Event = "on_error"
	EventProgress Event = "on_progress"
)

// Events is the capability map of a node: which handlers it has.
// Only the flags are persisted; the handlers themselves are looked up by
// node kind at execution time.
type Events map[Event]bool

// Has reports whether the capability is declared.
func (e Events) Has(ev Event) bool {
	return e[ev]
}

// Sorted returns the declared capabilities in lexical order.
func (e Events) Sorted() []Event {
	out := make([]Event, 0, len(e))
	for ev, on := range e {
		if on {
			out = append(out, ev)
		}
	}
	slices.Sort(out)
	return out
}

// EffectRun is the body of an effect. It may enqueue writes through w and
// returns an optional cleanup, run before the next run and on unmount.
type EffectRun func(w Writer) (cleanup func(), err error)

// Well-known props.
const (
	PropID            = "id"
	PropDeps          = "deps"
	PropCondition     = "condition"
	PropTarget        = "target"
	PropTimeoutMS     = "timeout_ms"
	PropMaxRetries    = "max_retries"
	PropMaxTurns      = "max_turns"
	PropMaxIterations = "max_iterations"
	PropIteration     = "iteration"
	PropReason        = "reason"
	PropMessage       = "message"
	PropOutput        = "output"
	PropPrompt        = "prompt"
	PropApprovalKind  = "approval_kind"
	PropPayload       = "payload"
)

// Node is one element of a rendered plan tree.
//
// Render functions build Nodes; the reconciler assigns ID and Path.
// Nodes are never referenced across ticks: correlation happens through ID
// alone, in flat maps.
type Node struct {
	Kind     NodeKind
	Key      string
	Props    IRObject
	Children []*Node

	// Events and Run are runtime-only and never serialized.
	Events Events
	Run    EffectRun

	ID   string
	Path string
}

// N builds a node. Convenience for render functions and tests.
func N(kind NodeKind, key string, props IRObject, children ...*Node) *Node {
	return &Node{Kind: kind, Key: key, Props: props, Children: children}
}

// On declares handler capabilities and returns the node.
func (n *Node) On(events ...Event) *Node {
	if n.Events == nil {
		n.Events = make(Events, len(events))
	}
	for _, ev := range events {
		n.Events[ev] = true
	}
	return n
}

// ExplicitID returns the node's "id" prop, which overrides path identity.
func (n *Node) ExplicitID() (string, bool) {
	if n.Props == nil {
		return "", false
	}
	id, ok := n.Props.GetString(PropID)
	return id, ok && id != ""
}

// Prop returns a prop value or nil.
func (n *Node) Prop(name string) IRValue {
	if n.Props == nil {
		return nil
	}
	return n.Props[name]
}

// ChildrenActive reports whether the children of a control-flow node are
// part of the mounted tree this render.
func (n *Node) ChildrenActive() bool {
	switch n.Kind {
	case KindIf:
		cond, _ := n.Props.GetBool(PropCondition)
		return cond
	case KindWhile:
		cond, _ := n.Props.GetBool(PropCondition)
		if !cond {
			return false
		}
		maxIter, hasMax := n.Props.GetInt(PropMaxIterations)
		iter, _ := n.Props.GetInt(PropIteration)
		return !hasMax || iter < maxIter
	default:
		return true
	}
}

// ToIR converts a reconciled tree into its persisted form.
// Children of inactive control-flow nodes are omitted.
func (n *Node) ToIR() (IRObject, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("node %s at %q has no id; reconcile before serializing", n.Kind, n.Path)
	}
	obj := IRObject{
		"id":   IRString(n.ID),
		"type": IRString(n.Kind),
	}
	if n.Key != "" {
		obj["key"] = IRString(n.Key)
	}
	if len(n.Props) > 0 {
		obj["props"] = n.Props
	}
	if evs := n.Events.Sorted(); len(evs) > 0 {
		handlers := make(IRArray, len(evs))
		for i, ev := range evs {
			handlers[i] = IRString(ev)
		}
		obj["handlers"] = handlers
	}
	if n.ChildrenActive() && len(n.Children) > 0 {
		children := make(IRArray, 0, len(n.Children))
		for _, c := range n.Children {
			if c == nil {
				continue
			}
			cobj, err := c.ToIR()
			if err != nil {
				return nil, err
			}
			children = append(children, cobj)
		}
		obj["children"] = children
	}
	return obj, nil
}

// SerializeTree returns the canonical JSON of a reconciled tree and its hash.
func SerializeTree(root *Node) ([]byte, string, error) {
	obj, err := root.ToIR()
	if err != nil {
		return nil, "", err
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, "", fmt.Errorf("serialize tree: %w", err)
	}
	return data, TreeHash(data), nil
}
