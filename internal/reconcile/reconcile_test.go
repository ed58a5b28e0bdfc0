package reconcile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/ir"
)

func agent(key string) *ir.Node {
	return ir.N(ir.KindAgent, key, ir.Obj(ir.O("target", ir.IRString("anthropic:sonnet")), ir.O(ir.PropMaxTurns, ir.IRInt(5))))
}

func plan(showReview bool) *ir.Node {
	return ir.N(ir.KindPhase, "plan", nil,
		agent("research"),
		ir.N(ir.KindIf, "gate", ir.Obj(ir.O(ir.PropCondition, ir.IRBool(showReview))),
			agent("review"),
		),
	)
}

func TestAssign_IdentityIsStableAcrossRenders(t *testing.T) {
	first, err := Assign(plan(true))
	require.NoError(t, err)
	second, err := Assign(plan(true))
	require.NoError(t, err)

	assert.Equal(t, first.Order, second.Order)
	assert.Len(t, first.Order, 4)

	root := first.Root
	assert.Equal(t, ir.NodeID("", "plan", ir.KindPhase), root.ID)
	assert.Equal(t, ir.NodeID(root.ID, "research", ir.KindAgent), root.Children[0].ID)
	assert.Equal(t, "/phase[plan]/agent[research]", root.Children[0].Path)
}

func TestAssign_IdentityIgnoresSiblingInsertionWhenKeyed(t *testing.T) {
	before, err := Assign(ir.N(ir.KindPhase, "p", nil, agent("a"), agent("b")))
	require.NoError(t, err)
	after, err := Assign(ir.N(ir.KindPhase, "p", nil, agent("z"), agent("a"), agent("b")))
	require.NoError(t, err)

	assert.Equal(t, before.Root.Children[0].ID, after.Root.Children[1].ID)
	assert.Equal(t, before.Root.Children[1].ID, after.Root.Children[2].ID)
}

func TestAssign_ExplicitIDWins(t *testing.T) {
	n := ir.N(ir.KindTool, "", ir.Obj(ir.O(ir.PropID, ir.IRString("fetch-1"))))
	tree, err := Assign(ir.N(ir.KindPhase, "p", nil, n))
	require.NoError(t, err)
	assert.Equal(t, "fetch-1", n.ID)
	assert.Contains(t, tree.Nodes, "fetch-1")
}

func TestAssign_InactiveChildrenAreNotMounted(t *testing.T) {
	tree, err := Assign(plan(false))
	require.NoError(t, err)
	assert.Len(t, tree.Order, 3)

	review := tree.Root.Children[1].Children[0]
	assert.Empty(t, review.ID)
}

func TestAssign_WhileStopsAtMaxIterations(t *testing.T) {
	loop := func(iter int64) *ir.Node {
		return ir.N(ir.KindWhile, "loop", ir.Obj(
			ir.O(ir.PropCondition, ir.IRBool(true)),
			ir.O(ir.PropMaxIterations, ir.IRInt(3)),
			ir.O(ir.PropIteration, ir.IRInt(iter)),
		), agent("body"))
	}
	running, err := Assign(loop(2))
	require.NoError(t, err)
	assert.Len(t, running.Order, 2)

	done, err := Assign(loop(3))
	require.NoError(t, err)
	assert.Len(t, done.Order, 1)
}

func TestAssign_Errors(t *testing.T) {
	tests := []struct {
		name string
		root *ir.Node
		dup  bool
	}{
		{
			name: "duplicate sibling key",
			root: ir.N(ir.KindPhase, "p", nil, agent("a"), ir.N(ir.KindTool, "a", nil)),
			dup:  true,
		},
		{
			name: "duplicate explicit id",
			root: ir.N(ir.KindPhase, "p", nil,
				ir.N(ir.KindTool, "x", ir.Obj(ir.O(ir.PropID, ir.IRString("same")))),
				ir.N(ir.KindTool, "y", ir.Obj(ir.O(ir.PropID, ir.IRString("same")))),
			),
			dup: true,
		},
		{
			name: "unknown kind",
			root: ir.N(ir.KindPhase, "p", nil, ir.N("widget", "w", nil)),
		},
		{
			name: "nil root",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assign(tt.root)
			require.Error(t, err)
			var dup *DuplicateIdentityError
			assert.Equal(t, tt.dup, errors.As(err, &dup))
		})
	}
}

func TestAssign_CollectsEffects(t *testing.T) {
	eff := ir.N(ir.KindEffect, "sync", ir.Obj(ir.O(ir.PropDeps, ir.Arr(ir.IRString("draft")))))
	tree, err := Assign(ir.N(ir.KindPhase, "p", nil, eff, agent("a")))
	require.NoError(t, err)
	require.Len(t, tree.Effects, 1)
	assert.Same(t, eff, tree.Effects[0])
}

func TestCompare_Classification(t *testing.T) {
	first, err := Assign(plan(true))
	require.NoError(t, err)

	prev := make(map[string]ir.NodeInstance)
	for _, id := range first.Order {
		prev[id] = ir.NodeInstance{NodeID: id, Status: ir.NodeIdle, Mounted: true}
	}
	reviewID := first.Root.Children[1].Children[0].ID
	researchID := first.Root.Children[0].ID
	prev[reviewID] = ir.NodeInstance{NodeID: reviewID, Status: ir.NodeRunning, Mounted: true}
	prev[researchID] = ir.NodeInstance{NodeID: researchID, Status: ir.NodeRunning, Mounted: true}
	prev["gone-before"] = ir.NodeInstance{NodeID: "gone-before", Status: ir.NodeCanceled, Mounted: false}

	second, diff, err := Reconcile(prev, plan(false))
	require.NoError(t, err)

	assert.Empty(t, diff.NewlyMounted)
	assert.Equal(t, []string{researchID}, diff.StillRunning)
	assert.Equal(t, []string{reviewID}, diff.Unmounted)
	assert.Equal(t, second.Order, diff.Present)
	assert.True(t, diff.Changed())
}

func TestCompare_RemountIsNewlyMounted(t *testing.T) {
	tree, err := Assign(plan(true))
	require.NoError(t, err)
	reviewID := tree.Root.Children[1].Children[0].ID

	prev := make(map[string]ir.NodeInstance)
	for _, id := range tree.Order {
		prev[id] = ir.NodeInstance{NodeID: id, Status: ir.NodeSucceeded, Mounted: true}
	}
	prev[reviewID] = ir.NodeInstance{NodeID: reviewID, Status: ir.NodeCanceled, Mounted: false}

	diff := Compare(prev, tree)
	assert.Equal(t, []string{reviewID}, diff.NewlyMounted)
	assert.Empty(t, diff.StillRunning)
	assert.Empty(t, diff.Unmounted)
}

func TestCompare_FirstRenderMountsEverything(t *testing.T) {
	tree, diff, err := Reconcile(nil, plan(true))
	require.NoError(t, err)
	assert.Equal(t, tree.Order, diff.NewlyMounted)
	assert.True(t, diff.Changed())
}
