package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/state"
	"github.com/evmts/smithers/internal/tasks"
)

func TestHandlers_Dispatch(t *testing.T) {
	var got []ir.Event
	h := Handlers{ir.KindAgent: func(hc HandlerContext) error {
		got = append(got, hc.Event)
		if hc.Event == ir.EventError {
			return errors.New("handler broke")
		}
		return nil
	}}
	evs := ir.Events{ir.EventFinished: true, ir.EventError: true}

	ran, err := h.Dispatch(evs, HandlerContext{Kind: ir.KindAgent, Event: ir.EventFinished})
	assert.True(t, ran)
	assert.NoError(t, err)

	ran, err = h.Dispatch(evs, HandlerContext{Kind: ir.KindAgent, Event: ir.EventProgress})
	assert.False(t, ran, "undeclared events are not dispatched")
	assert.NoError(t, err)

	ran, err = h.Dispatch(evs, HandlerContext{Kind: ir.KindTool, Event: ir.EventFinished})
	assert.False(t, ran, "kinds without a handler are skipped")
	assert.NoError(t, err)

	ran, err = h.Dispatch(evs, HandlerContext{Kind: ir.KindAgent, Event: ir.EventError})
	assert.True(t, ran)
	assert.EqualError(t, err, "handler broke")

	assert.Equal(t, []ir.Event{ir.EventFinished, ir.EventError}, got)
}

func TestDefaultHandlers(t *testing.T) {
	durable := state.NewVolatile()
	volatile := state.NewVolatile()
	hc := HandlerContext{
		NodeID:   "n1",
		Kind:     ir.KindTool,
		Write:    state.NewWriter(durable, "test", 0, "n1"),
		Volatile: state.NewWriter(volatile, "test", 0, "n1"),
	}
	events := ir.Events{ir.EventFinished: true, ir.EventError: true, ir.EventProgress: true}
	h := DefaultHandlers()

	finished := hc
	finished.Event = ir.EventFinished
	finished.Props = ir.Obj(ir.O(ir.PropOutput, ir.IRString("answers/final")))
	finished.Result = ir.IRString("42")
	_, err := h.Dispatch(events, finished)
	require.NoError(t, err)

	failed := hc
	failed.Event = ir.EventError
	failed.Task = ir.Task{Status: ir.TaskTimeout, LastError: "deadline exceeded"}
	failed.Err = fmt.Errorf("attempt: %w", tasks.ErrTimeout)
	_, err = h.Dispatch(events, failed)
	require.NoError(t, err)

	progress := hc
	progress.Event = ir.EventProgress
	progress.Progress = ir.IRInt(7)
	_, err = h.Dispatch(events, progress)
	require.NoError(t, err)

	writes := map[string]ir.IRValue{}
	for _, a := range durable.Drain() {
		writes[a.Key] = a.Value
	}
	assert.Equal(t, ir.IRString("42"), writes["answers/final"])
	assert.Equal(t, ir.Obj(
		ir.O("message", ir.IRString("deadline exceeded")),
		ir.O("status", ir.IRString(ir.TaskTimeout)),
		ir.O("retryable", ir.IRBool(true)),
	), writes[ErrorKey("n1")])

	vol := volatile.Drain()
	require.Len(t, vol, 1)
	assert.Equal(t, ProgressKey("n1")+"/handled", vol[0].Key)
	assert.Equal(t, ir.IRInt(7), vol[0].Value)
}

func TestDefaultHandlers_Approval(t *testing.T) {
	durable := state.NewVolatile()
	summary := ir.Obj(ir.O("status", ir.IRString(ir.ApprovalDenied)), ir.O("responder", ir.IRString("alice")))
	hc := HandlerContext{
		NodeID: "gate",
		Kind:   ir.KindApproval,
		Event:  ir.EventError,
		Result: summary,
		Err:    errors.New("approval denied"),
		Write:  state.NewWriter(durable, "test", 0, "gate"),
	}
	ran, err := DefaultHandlers().Dispatch(ir.Events{ir.EventError: true}, hc)
	require.NoError(t, err)
	assert.True(t, ran)

	writes := durable.Drain()
	require.Len(t, writes, 1)
	assert.Equal(t, ErrorKey("gate"), writes[0].Key)
	assert.Equal(t, ir.Obj(
		ir.O("status", ir.IRString(ir.ApprovalDenied)),
		ir.O("responder", ir.IRString("alice")),
		ir.O("message", ir.IRString("approval denied")),
	), writes[0].Value)
	assert.NotContains(t, summary, "message", "the decision summary is not mutated")
}

func TestOutputKey(t *testing.T) {
	assert.Equal(t, "results/n1", OutputKey("n1", nil))
	assert.Equal(t, "results/n1", OutputKey("n1", ir.Obj(ir.O(ir.PropOutput, ir.IRString("")))))
	assert.Equal(t, "plan/summary", OutputKey("n1", ir.Obj(ir.O(ir.PropOutput, ir.IRString("plan/summary")))))
}
