package ir

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortActions(t *testing.T) {
	actions := []Action{
		{Key: "d", FrameID: 2, NodeID: "a", ActionIndex: 0},
		{Key: "c", FrameID: 1, NodeID: "b", ActionIndex: 1},
		{Key: "a", FrameID: 1, NodeID: "a", ActionIndex: 0},
		{Key: "b", FrameID: 1, NodeID: "b", ActionIndex: 0},
	}

	SortActions(actions)

	var keys []string
	for _, a := range actions {
		keys = append(keys, a.Key)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestActionApply(t *testing.T) {
	increment := func(cur IRValue) (IRValue, error) {
		n, _ := cur.(IRInt)
		return n + 1, nil
	}

	v, present, err := Action{Kind: ActionSet, Value: IRString("x")}.Apply(nil, false)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, IRString("x"), v)

	v, present, err = Action{Kind: ActionUpdate, Reducer: increment}.Apply(IRInt(4), true)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, IRInt(5), v)

	v, _, err = Action{Kind: ActionUpdate, Reducer: increment}.Apply(nil, false)
	require.NoError(t, err)
	assert.Equal(t, IRInt(1), v, "absent key reduces from null")

	v, present, err = Action{Kind: ActionDelete}.Apply(IRInt(4), true)
	require.NoError(t, err)
	assert.False(t, present)
	assert.Nil(t, v)
}

func TestActionApplyErrors(t *testing.T) {
	_, _, err := Action{Key: "k", Kind: ActionUpdate}.Apply(nil, false)
	assert.Error(t, err)

	boom := errors.New("boom")
	_, _, err = Action{Key: "k", Kind: ActionUpdate, Reducer: func(IRValue) (IRValue, error) { return nil, boom }}.Apply(nil, false)
	assert.ErrorIs(t, err, boom)

	_, _, err = Action{Key: "k", Kind: "upsert"}.Apply(nil, false)
	assert.Error(t, err)
}
