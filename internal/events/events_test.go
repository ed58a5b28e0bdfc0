package events

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestBus_DeliversInOrderWithSequence(t *testing.T) {
	b := NewBus(WithClock(func() time.Time { return testEpoch }))
	sub := b.Subscribe(8)
	defer sub.Close()

	b.Publish(Event{Type: FrameCommitted, ExecutionID: "x", FrameSeq: 0})
	b.Publish(Event{Type: TaskStatus, ExecutionID: "x", TaskID: "t1", Status: "running"})

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, FrameCommitted, first.Type)
	assert.Equal(t, testEpoch, first.Time)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, "t1", second.TaskID)
}

func TestBus_FilterAndDrop(t *testing.T) {
	b := NewBus()
	tasks := b.Subscribe(1, TaskStatus)
	defer tasks.Close()

	b.Publish(Event{Type: FrameCommitted})
	b.Publish(Event{Type: TaskStatus, TaskID: "a"})
	b.Publish(Event{Type: TaskStatus, TaskID: "b"})

	got := <-tasks.C
	assert.Equal(t, "a", got.TaskID)
	assert.Equal(t, 1, tasks.Dropped())
}

func TestBus_CloseClosesChannels(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	b.Close()
	_, ok := <-sub.C
	assert.False(t, ok)

	// Closing an already removed subscription is a no-op.
	sub.Close()

	var nilBus *Bus
	nilBus.Publish(Event{Type: FrameCommitted})
}

func TestNDJSONSink_RoundTripsThroughFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink, err := OpenNDJSON(fs, "/var/smithers/events.ndjson")
	require.NoError(t, err)

	b := NewBus(WithSink(sink), WithClock(func() time.Time { return testEpoch }))
	b.Publish(Event{Type: NodeMounted, ExecutionID: "x", NodeID: "n1", FrameSeq: 0})
	b.Publish(Event{Type: LintWarning, ExecutionID: "x", NodeID: "n2", Message: "runnable-needs-id", Attrs: map[string]any{"path": "/phase[p]/tool[0]"}})
	require.NoError(t, sink.Close())

	got, err := ReadNDJSON(fs, "/var/smithers/events.ndjson")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, NodeMounted, got[0].Type)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.Equal(t, "/phase[p]/tool[0]", got[1].Attrs["path"])
	assert.True(t, got[1].Time.Equal(testEpoch))

	// Reopening appends.
	sink, err = OpenNDJSON(fs, "/var/smithers/events.ndjson")
	require.NoError(t, err)
	require.NoError(t, sink.Emit(Event{Type: EffectRun}))
	require.NoError(t, sink.Close())

	got, err = ReadNDJSON(fs, "/var/smithers/events.ndjson")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestReadNDJSON_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := ReadNDJSON(fs, "/missing")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/bad.ndjson", []byte("{\"type\":\"x\"}\nnot json\n"), 0o644))
	_, err = ReadNDJSON(fs, "/bad.ndjson")
	assert.ErrorContains(t, err, "line 2")
}
