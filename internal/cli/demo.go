package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/evmts/smithers/internal/engine"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/tasks"
)

// Demo is a built-in plan for the run command.
type Demo struct {
	Name        string
	Description string
	Render      engine.RenderFunc
}

// fanoutTopics are the research topics of the fanout demo.
var fanoutTopics = []string{"latency", "cost", "quality"}

// Demos lists the built-in plans by name.
func Demos() map[string]Demo {
	return map[string]Demo{
		"research": {
			Name:        "research",
			Description: "research agent, then a summarizer once notes exist, then end",
			Render:      renderResearch,
		},
		"fanout": {
			Name:        "fanout",
			Description: "one keyed agent per topic, merged by a tool into a report",
			Render:      renderFanout,
		},
		"approval": {
			Name:        "approval",
			Description: "draft, request review from an effect, then wait for an operator to set approved or rejected",
			Render:      renderApproval,
		},
		"review": {
			Name:        "review",
			Description: "draft, then suspend on an approval node until an operator approves or denies publication",
			Render:      renderReview,
		},
	}
}

// DemoNames returns the demo names in lexical order.
func DemoNames() []string {
	names := make([]string, 0, len(Demos()))
	for name := range Demos() {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func demoAgent(key, prompt, output string) *ir.Node {
	return ir.N(ir.KindAgent, key, ir.Obj(
		ir.O(ir.PropTarget, ir.IRString("anthropic:sonnet")),
		ir.O(ir.PropMaxTurns, ir.IRInt(4)),
		ir.O(ir.PropTimeoutMS, ir.IRInt(30_000)),
		ir.O(ir.PropOutput, ir.IRString(output)),
		ir.O("prompt", ir.IRString(prompt)),
	)).On(ir.EventFinished, ir.EventError, ir.EventProgress)
}

func has(v state.ReadView, key string) bool {
	_, ok := v.Get(key)
	return ok
}

func renderResearch(rc engine.RenderContext) (*ir.Node, error) {
	children := []*ir.Node{
		demoAgent("research", "collect sources on tick-based orchestration", "research/notes"),
	}
	if has(rc.State, "research/notes") {
		children = append(children, demoAgent("summarize", "summarize the research notes", "summary"))
	}
	if has(rc.State, "summary") {
		children = append(children, ir.N(ir.KindEnd, "done", ir.Obj(ir.O(ir.PropMessage, ir.IRString("summary ready")))))
	}
	return ir.N(ir.KindPhase, "research", nil, children...), nil
}

func renderFanout(rc engine.RenderContext) (*ir.Node, error) {
	agents := make([]*ir.Node, 0, len(fanoutTopics))
	done := 0
	for _, topic := range fanoutTopics {
		out := "findings/" + topic
		if has(rc.State, out) {
			done++
		}
		agents = append(agents, demoAgent(topic, "investigate "+topic, out))
	}
	children := []*ir.Node{ir.N(ir.KindEach, "topics", nil, agents...)}
	if done == len(fanoutTopics) {
		children = append(children, ir.N(ir.KindTool, "merge", ir.Obj(
			ir.O(ir.PropTarget, ir.IRString("local:merge")),
			ir.O(ir.PropOutput, ir.IRString("report")),
		)).On(ir.EventFinished, ir.EventError))
	}
	if has(rc.State, "report") {
		children = append(children, ir.N(ir.KindEnd, "done", ir.Obj(ir.O(ir.PropMessage, ir.IRString("report merged")))))
	}
	return ir.N(ir.KindPhase, "fanout", nil, children...), nil
}

func renderApproval(rc engine.RenderContext) (*ir.Node, error) {
	children := []*ir.Node{demoAgent("draft", "draft the release notes", "draft")}
	if draft, ok := rc.State.Get("draft"); ok {
		notify := ir.N(ir.KindEffect, "request-review", ir.Obj(ir.O(ir.PropDeps, ir.Arr(draft))))
		notify.Run = func(w ir.Writer) (func(), error) {
			w.Set("review/requested", ir.IRBool(true))
			return nil, nil
		}
		children = append(children, notify)
	}
	switch {
	case state.GetBool(rc.State, "approved"):
		children = append(children, ir.N(ir.KindEnd, "done", ir.Obj(ir.O(ir.PropMessage, ir.IRString("approved")))))
	case state.GetBool(rc.State, "rejected"):
		children = append(children, ir.N(ir.KindStop, "rejected", ir.Obj(ir.O(ir.PropReason, ir.IRString("rejected by operator")))))
	}
	return ir.N(ir.KindPhase, "approval", nil, children...), nil
}

// publishID is the approval node of the review demo.
var publishID = ir.NodeID(ir.NodeID("", "review", ir.KindPhase), "publish", ir.KindApproval)

func renderReview(rc engine.RenderContext) (*ir.Node, error) {
	children := []*ir.Node{demoAgent("draft", "draft the release notes", "draft")}
	if draft, ok := rc.State.Get("draft"); ok {
		children = append(children, ir.N(ir.KindApproval, "publish", ir.Obj(
			ir.O(ir.PropApprovalKind, ir.IRString(ir.ApprovalHumanReview)),
			ir.O(ir.PropPrompt, ir.IRString("Publish the release notes?")),
			ir.O(ir.PropPayload, ir.Obj(ir.O("draft", draft))),
			ir.O(ir.PropOutput, ir.IRString("review")),
		)).On(ir.EventFinished, ir.EventError))
	}
	switch {
	case has(rc.State, "review"):
		children = append(children, ir.N(ir.KindEnd, "done", ir.Obj(ir.O(ir.PropMessage, ir.IRString("published")))))
	case has(rc.State, engine.ErrorKey(publishID)):
		children = append(children, ir.N(ir.KindStop, "refused", ir.Obj(ir.O(ir.PropReason, ir.IRString("publication refused")))))
	}
	return ir.N(ir.KindPhase, "review", nil, children...), nil
}

// simulatedModel stands in for real providers: it reports progress, waits
// a little and echoes the prompt. Agents with an output key also publish
// their answer as a markdown artifact under that key.
type simulatedModel struct {
	delay time.Duration
}

func (m simulatedModel) Execute(ctx context.Context, req tasks.Request, progress tasks.ProgressFunc) (ir.IRValue, error) {
	progress(ir.IRString("started"))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}
	if req.Kind == ir.KindTool {
		return ir.IRString(fmt.Sprintf("merged by %s on attempt %d", req.Target, req.Attempt)), nil
	}
	prompt, _ := req.Props.GetString("prompt")
	answer := fmt.Sprintf("[%s] %s", req.Target, strings.TrimSpace(prompt))
	if out, ok := req.Props.GetString(ir.PropOutput); ok && req.Artifacts != nil {
		a := ir.MarkdownArtifact(out, "## "+out+"\n\n"+answer+"\n")
		a.Key = out
		if _, err := req.Artifacts(ctx, a); err != nil {
			return nil, err
		}
	}
	return ir.IRString(answer), nil
}
