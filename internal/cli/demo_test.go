package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/engine"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/reconcile"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/tasks"
)

// viewOf returns a committed read view holding entries.
func viewOf(t *testing.T, entries map[string]ir.IRValue) state.ReadView {
	t.Helper()
	v := state.NewVolatile()
	batch := make([]ir.Action, 0, len(entries))
	for k, val := range entries {
		batch = append(batch, ir.Action{Key: k, Kind: ir.ActionSet, Value: val})
	}
	ctx := context.Background()
	_, err := v.Commit(ctx, batch, "test")
	require.NoError(t, err)
	view, err := v.Snapshot(ctx)
	require.NoError(t, err)
	return view
}

func TestDemos_LintClean(t *testing.T) {
	full := map[string]ir.IRValue{
		"research/notes":   ir.IRString("notes"),
		"summary":          ir.IRString("summary"),
		"findings/latency": ir.IRString("fast"),
		"findings/cost":    ir.IRString("cheap"),
		"findings/quality": ir.IRString("good"),
		"report":           ir.IRString("report"),
		"draft":            ir.IRString("draft"),
		"approved":         ir.IRBool(true),
		"review":           ir.IRBool(true),
	}
	for _, name := range DemoNames() {
		t.Run(name, func(t *testing.T) {
			for _, entries := range []map[string]ir.IRValue{{}, full} {
				root, err := Demos()[name].Render(engine.RenderContext{State: viewOf(t, entries), Volatile: state.EmptyView()})
				require.NoError(t, err)
				tree, err := reconcile.Assign(root)
				require.NoError(t, err)
				assert.Empty(t, tree.Warnings)
			}
		})
	}
}

func TestRenderResearch_Progression(t *testing.T) {
	kinds := func(entries map[string]ir.IRValue) []string {
		root, err := renderResearch(engine.RenderContext{State: viewOf(t, entries)})
		require.NoError(t, err)
		var keys []string
		for _, c := range root.Children {
			keys = append(keys, c.Key)
		}
		return keys
	}
	assert.Equal(t, []string{"research"}, kinds(map[string]ir.IRValue{}))
	assert.Equal(t, []string{"research", "summarize"}, kinds(map[string]ir.IRValue{"research/notes": ir.IRString("n")}))
	assert.Equal(t, []string{"research", "summarize", "done"}, kinds(map[string]ir.IRValue{
		"research/notes": ir.IRString("n"),
		"summary":        ir.IRString("s"),
	}))
}

func TestRenderApproval_Rejected(t *testing.T) {
	root, err := renderApproval(engine.RenderContext{State: viewOf(t, map[string]ir.IRValue{"rejected": ir.IRBool(true)})})
	require.NoError(t, err)
	last := root.Children[len(root.Children)-1]
	assert.Equal(t, ir.KindStop, last.Kind)
	reason, _ := last.Props.GetString(ir.PropReason)
	assert.Equal(t, "rejected by operator", reason)
}

func TestRenderReview_Progression(t *testing.T) {
	render := func(entries map[string]ir.IRValue) *ir.Node {
		root, err := renderReview(engine.RenderContext{State: viewOf(t, entries)})
		require.NoError(t, err)
		return root
	}
	assert.Len(t, render(map[string]ir.IRValue{}).Children, 1)

	drafted := render(map[string]ir.IRValue{"draft": ir.IRString("notes")})
	require.Len(t, drafted.Children, 2)
	gate := drafted.Children[1]
	assert.Equal(t, ir.KindApproval, gate.Kind)
	assert.Equal(t, ir.Obj(ir.O("draft", ir.IRString("notes"))), gate.Prop(ir.PropPayload))

	tree, err := reconcile.Assign(drafted)
	require.NoError(t, err)
	assert.Contains(t, tree.Nodes, publishID)

	refused := render(map[string]ir.IRValue{
		"draft":                    ir.IRString("notes"),
		engine.ErrorKey(publishID): ir.Obj(ir.O("status", ir.IRString(ir.ApprovalDenied))),
	})
	assert.Equal(t, ir.KindStop, refused.Children[len(refused.Children)-1].Kind)
}

func TestSimulatedModel_PublishesArtifact(t *testing.T) {
	var got []ir.Artifact
	sink := func(_ context.Context, a ir.Artifact) (ir.Artifact, error) {
		got = append(got, a)
		return a, nil
	}
	_, err := simulatedModel{delay: time.Millisecond}.Execute(context.Background(), tasks.Request{
		Kind:      ir.KindAgent,
		Target:    "anthropic:sonnet",
		Props:     ir.Obj(ir.O("prompt", ir.IRString("write")), ir.O(ir.PropOutput, ir.IRString("draft"))),
		Artifacts: sink,
	}, func(ir.IRValue) {})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "draft", got[0].Key)
	assert.Equal(t, ir.ArtifactMarkdown, got[0].Type)
	assert.Equal(t, ir.IRString("## draft\n\n[anthropic:sonnet] write\n"), got[0].Content)
}

func TestSimulatedModel(t *testing.T) {
	var reports []ir.IRValue
	m := simulatedModel{delay: time.Millisecond}

	out, err := m.Execute(context.Background(), tasks.Request{
		Kind:   ir.KindAgent,
		Target: "anthropic:sonnet",
		Props:  ir.Obj(ir.O("prompt", ir.IRString("  hello "))),
	}, func(v ir.IRValue) { reports = append(reports, v) })
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("[anthropic:sonnet] hello"), out)
	assert.Equal(t, []ir.IRValue{ir.IRString("started")}, reports)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = simulatedModel{delay: time.Hour}.Execute(ctx, tasks.Request{}, func(ir.IRValue) {})
	assert.ErrorIs(t, err, context.Canceled)
}
