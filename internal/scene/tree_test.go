package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenestore/internal/wire"
)

func TestTree_EmptyIsValid(t *testing.T) {
	tree := NewTree()
	assert.Equal(t, 0, tree.Len())
	require.NoError(t, tree.Validate())
	assert.Empty(t, tree.Roots())
}

func TestDescendants_IncludesSelfAndClosure(t *testing.T) {
	tree := buildTree(t,
		addChild(wire.Null, 1),
		addChild(1, 2),
		addChild(1, 3),
		addChild(3, 4),
		addChild(4, 5),
	)

	closure := tree.Descendants(3)
	assert.Equal(t, map[wire.NodeID]bool{3: true, 4: true, 5: true}, closure)

	// A sibling chain above the node is not part of the closure.
	assert.False(t, closure[2])
	assert.False(t, closure[1])
}

func TestDescendants_MissingNode(t *testing.T) {
	tree := NewTree()
	assert.Nil(t, tree.Descendants(7))
}

func TestRoots_SingleRoot(t *testing.T) {
	tree := seedTree(t)
	assert.Equal(t, []wire.NodeID{1}, tree.Roots())
}

func TestParentOf(t *testing.T) {
	tree := buildTree(t,
		addChild(wire.Null, 1),
		addChild(1, 2),
		addChild(1, 3), // children of 1: [3, 2]
		addChild(3, 4),
	)

	parent, idx := tree.ParentOf(2)
	assert.Equal(t, wire.NodeID(1), parent)
	assert.Equal(t, 1, idx)

	parent, idx = tree.ParentOf(3)
	assert.Equal(t, wire.NodeID(1), parent)
	assert.Equal(t, 0, idx)

	parent, idx = tree.ParentOf(4)
	assert.Equal(t, wire.NodeID(3), parent)
	assert.Equal(t, 0, idx)

	parent, idx = tree.ParentOf(1)
	assert.Equal(t, wire.Null, parent)
	assert.Equal(t, -1, idx)
}

func TestValidate_TwoRoots(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.Apply(addChild(wire.Null, 1)))
	require.NoError(t, tree.Apply(addChild(wire.Null, 2)))

	err := tree.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one root")
}

func TestValidate_DanglingReference(t *testing.T) {
	tree := seedTree(t)
	tree.RemoveLocal(2) // 3 still points at 2

	err := tree.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead node")
}

func TestClone_Independent(t *testing.T) {
	tree := seedTree(t)
	require.NoError(t, tree.Apply(wire.Op{Kind: wire.OpSetProperty, Node: 1, Key: "k", Value: "v"}))

	clone := tree.Clone()
	require.NoError(t, clone.Apply(wire.Op{Kind: wire.OpSetProperty, Node: 1, Key: "k", Value: "changed"}))
	require.NoError(t, clone.Apply(wire.Op{Kind: wire.OpRemoveNode, Node: 2}))

	n1, _ := tree.Get(1)
	assert.Equal(t, "v", n1.Properties["k"], "clone mutation leaked into original")
	assert.True(t, tree.Contains(2))
	assert.False(t, clone.Contains(2))
}

func TestGet_ReturnsCopy(t *testing.T) {
	tree := seedTree(t)
	require.NoError(t, tree.Apply(wire.Op{Kind: wire.OpSetProperty, Node: 1, Key: "k", Value: "v"}))

	n1, _ := tree.Get(1)
	n1.Properties["k"] = "mutated"

	fresh, _ := tree.Get(1)
	assert.Equal(t, "v", fresh.Properties["k"])
}

func TestDumpRestore_RoundTrip(t *testing.T) {
	tree := buildTree(t,
		addChild(wire.Null, 1),
		addChild(1, 2),
		addChild(1, 3),
	)
	require.NoError(t, tree.Apply(wire.Op{Kind: wire.OpSetProperty, Node: 3, Key: "name", Value: "arm"}))

	restored := Restore(tree.Dump())
	assert.Equal(t, tree.Dump(), restored.Dump())
	require.NoError(t, restored.Validate())
}

func TestNodeIDs_Ascending(t *testing.T) {
	tree := buildTree(t,
		addChild(wire.Null, 7),
		addChild(7, 3),
		addChild(7, 900),
	)
	assert.Equal(t, []wire.NodeID{3, 7, 900}, tree.NodeIDs())
}
