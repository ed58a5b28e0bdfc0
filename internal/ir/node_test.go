package ir

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan() *Node {
	agent := N(KindAgent, "search", Obj(
		O("target", IRString("anthropic:sonnet")),
		O("prompt", IRString("find <sources> & summarize")),
	)).On(EventFinished, EventError)
	agent.ID = "a1"

	hidden := N(KindAgent, "hidden", nil)
	hidden.ID = "h1"
	cond := N(KindIf, "", Obj(O("condition", IRBool(false))), hidden)
	cond.ID = "c1"

	text := N(KindText, "", Obj(O("message", IRString("done"))))
	text.ID = "t1"

	root := N(KindPhase, "plan", Obj(O("name", IRString("research"))), agent, cond, text)
	root.ID = "root0001"
	return root
}

func TestSerializeTreeGolden(t *testing.T) {
	data, hash, err := SerializeTree(samplePlan())
	require.NoError(t, err)
	assert.Equal(t, TreeHash(data), hash)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "plan_tree", data)
}

func TestSerializeTreeRequiresIDs(t *testing.T) {
	_, _, err := SerializeTree(N(KindPhase, "x", nil))
	assert.Error(t, err)
}

func TestSerializeTreeHashStable(t *testing.T) {
	_, h1, err := SerializeTree(samplePlan())
	require.NoError(t, err)
	_, h2, err := SerializeTree(samplePlan())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestChildrenActive(t *testing.T) {
	tests := []struct {
		name   string
		node   *Node
		active bool
	}{
		{"phase", N(KindPhase, "", nil), true},
		{"if true", N(KindIf, "", Obj(O(PropCondition, IRBool(true)))), true},
		{"if false", N(KindIf, "", Obj(O(PropCondition, IRBool(false)))), false},
		{"if missing", N(KindIf, "", nil), false},
		{"while under max", N(KindWhile, "", Obj(O(PropCondition, IRBool(true)), O(PropMaxIterations, IRInt(3)), O(PropIteration, IRInt(2)))), true},
		{"while at max", N(KindWhile, "", Obj(O(PropCondition, IRBool(true)), O(PropMaxIterations, IRInt(3)), O(PropIteration, IRInt(3)))), false},
		{"while false", N(KindWhile, "", Obj(O(PropCondition, IRBool(false)))), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.active, tt.node.ChildrenActive())
		})
	}
}

func TestNodeKinds(t *testing.T) {
	assert.True(t, KindAgent.Runnable())
	assert.True(t, KindTool.Runnable())
	assert.False(t, KindPhase.Runnable())
	assert.True(t, KindEach.Valid())
	assert.False(t, NodeKind("claude").Valid())
}

func TestExplicitID(t *testing.T) {
	id, ok := N(KindAgent, "", Obj(O(PropID, IRString("writer")))).ExplicitID()
	assert.True(t, ok)
	assert.Equal(t, "writer", id)

	_, ok = N(KindAgent, "", nil).ExplicitID()
	assert.False(t, ok)
}
