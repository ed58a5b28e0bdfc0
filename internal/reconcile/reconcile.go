package reconcile

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/evmts/smithers/internal/ir"
)

// Tree is a rendered plan with identities assigned.
type Tree struct {
	Root *ir.Node

	// Order lists mounted node ids in pre-order.
	Order []string
	// Nodes maps every mounted node id to its node.
	Nodes map[string]*ir.Node
	// Effects lists mounted effect nodes in pre-order.
	Effects []*ir.Node
	// Warnings are the lint findings of this render.
	Warnings []Warning
}

// Assign walks the tree and sets ID and Path on every mounted node.
// Children of inactive control-flow nodes are not mounted and are skipped.
func Assign(root *ir.Node) (*Tree, error) {
	if root == nil {
		return nil, &InvalidNodeError{Path: "/", Message: "render returned no tree"}
	}
	t := &Tree{Root: root, Nodes: make(map[string]*ir.Node)}
	if err := t.assign(root, nil, "", 0); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) assign(n, parent *ir.Node, parentPath string, index int) error {
	if !n.Kind.Valid() {
		return &InvalidNodeError{Path: parentPath + "/" + strconv.Itoa(index), Message: fmt.Sprintf("unknown node kind %q", n.Kind)}
	}

	keyOrIndex := n.Key
	if keyOrIndex == "" {
		keyOrIndex = strconv.Itoa(index)
	}
	n.Path = fmt.Sprintf("%s/%s[%s]", parentPath, n.Kind, keyOrIndex)

	parentID := ""
	if parent != nil {
		parentID = parent.ID
	}
	if id, ok := n.ExplicitID(); ok {
		n.ID = id
	} else {
		n.ID = ir.NodeID(parentID, keyOrIndex, n.Kind)
	}

	if prev, dup := t.Nodes[n.ID]; dup {
		return &DuplicateIdentityError{NodeID: n.ID, FirstPath: prev.Path, SecondPath: n.Path, Reason: "duplicate node identity"}
	}
	t.Nodes[n.ID] = n
	t.Order = append(t.Order, n.ID)
	if n.Kind == ir.KindEffect {
		t.Effects = append(t.Effects, n)
	}
	t.Warnings = append(t.Warnings, lintNode(n, parent)...)

	if !n.ChildrenActive() {
		return nil
	}

	keys := make(map[string]string, len(n.Children))
	for i, c := range n.Children {
		if c == nil {
			continue
		}
		if c.Key != "" {
			if first, dup := keys[c.Key]; dup {
				return &DuplicateIdentityError{
					FirstPath:  first,
					SecondPath: fmt.Sprintf("%s/%s[%s]", n.Path, c.Kind, c.Key),
					Reason:     fmt.Sprintf("duplicate key %q", c.Key),
				}
			}
			keys[c.Key] = fmt.Sprintf("%s/%s[%s]", n.Path, c.Kind, c.Key)
		}
		if err := t.assign(c, n, n.Path, i); err != nil {
			return err
		}
	}
	return nil
}

// Diff is the classification of one render against the previous frame.
type Diff struct {
	// NewlyMounted ids were not mounted in the previous frame.
	NewlyMounted []string
	// StillRunning ids were mounted before and have an active status.
	StillRunning []string
	// Present lists every mounted id, in tree order.
	Present []string
	// Unmounted ids were mounted before and are absent now, sorted.
	Unmounted []string
}

// Changed reports whether the set of mounted nodes changed.
func (d Diff) Changed() bool {
	return len(d.NewlyMounted) > 0 || len(d.Unmounted) > 0
}

// Compare classifies the mounted ids of t against prev, the node instances
// of the execution keyed by id. Instances with Mounted=false count as absent,
// so a node that comes back after unmounting is newly mounted again.
func Compare(prev map[string]ir.NodeInstance, t *Tree) Diff {
	d := Diff{
		NewlyMounted: []string{},
		StillRunning: []string{},
		Present:      slices.Clone(t.Order),
		Unmounted:    []string{},
	}
	for _, id := range t.Order {
		inst, ok := prev[id]
		switch {
		case !ok || !inst.Mounted:
			d.NewlyMounted = append(d.NewlyMounted, id)
		case inst.Status.Active():
			d.StillRunning = append(d.StillRunning, id)
		}
	}
	for id, inst := range prev {
		if _, ok := t.Nodes[id]; !ok && inst.Mounted {
			d.Unmounted = append(d.Unmounted, id)
		}
	}
	slices.Sort(d.Unmounted)
	return d
}

// Reconcile assigns identities and compares in one call.
func Reconcile(prev map[string]ir.NodeInstance, root *ir.Node) (*Tree, Diff, error) {
	t, err := Assign(root)
	if err != nil {
		return nil, Diff{}, err
	}
	return t, Compare(prev, t), nil
}
