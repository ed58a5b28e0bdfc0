package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIDDeterminism(t *testing.T) {
	id1 := NodeID("", "search", KindAgent)
	id2 := NodeID("", "search", KindAgent)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, NodeIDLength)
}

func TestNodeIDChangesWithPosition(t *testing.T) {
	base := NodeID("p1", "search", KindAgent)

	assert.NotEqual(t, base, NodeID("p2", "search", KindAgent), "parent")
	assert.NotEqual(t, base, NodeID("p1", "review", KindAgent), "key")
	assert.NotEqual(t, base, NodeID("p1", "search", KindTool), "kind")
}

func TestNodeIDRootAlias(t *testing.T) {
	assert.Equal(t, NodeID("", "0", KindPhase), NodeID("root", "0", KindPhase))
}

func TestDepsSignature(t *testing.T) {
	a := MustDepsSignature(IRArray{IRString("draft"), IRInt(2)})
	b := MustDepsSignature(IRArray{IRString("draft"), IRInt(2)})
	c := MustDepsSignature(IRArray{IRString("review"), IRInt(2)})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, MustDepsSignature(nil), MustDepsSignature(IRNull{}))
}

func TestDepsSignatureKeyOrderIndependent(t *testing.T) {
	a := MustDepsSignature(IRObject{"x": IRInt(1), "y": IRInt(2)})
	b := MustDepsSignature(IRObject{"y": IRInt(2), "x": IRInt(1)})
	assert.Equal(t, a, b)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainTree, data), hashWithDomain(DomainState, data))
}

func TestStateHash(t *testing.T) {
	h1, err := StateHash(map[string]IRValue{"phase": IRString("draft")})
	require.NoError(t, err)
	h2, err := StateHash(map[string]IRValue{"phase": IRString("review")})
	require.NoError(t, err)
	h3, err := StateHash(map[string]IRValue{"phase": IRString("draft")})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, h3)
	assert.Len(t, h1, 64)
}
