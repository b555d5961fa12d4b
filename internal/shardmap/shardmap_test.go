package shardmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/scenestore/internal/wire"
)

func TestMap_AssignAndLookup(t *testing.T) {
	m := New([]wire.ShardID{0, 1})

	m.Assign(5, 1)
	assert.Equal(t, []wire.ShardID{1}, m.Lookup(5))
	assert.True(t, m.Owns(5, 1))
	assert.False(t, m.Owns(5, 0))

	// Reassignment replaces, not merges.
	m.Assign(5, 0)
	assert.Equal(t, []wire.ShardID{0}, m.Lookup(5))
}

func TestMap_AssignAll(t *testing.T) {
	m := New([]wire.ShardID{1, 0})
	m.AssignAll(1)

	assert.Equal(t, []wire.ShardID{0, 1}, m.Lookup(1))
	assert.True(t, m.Owns(1, 0))
	assert.True(t, m.Owns(1, 1))
}

func TestMap_HomeShardIsLowest(t *testing.T) {
	m := New([]wire.ShardID{0, 1})
	m.Assign(7, 1, 0)

	home, ok := m.HomeShard(7)
	assert.True(t, ok)
	assert.Equal(t, wire.ShardID(0), home)

	_, ok = m.HomeShard(8)
	assert.False(t, ok)
}

func TestMap_Remove(t *testing.T) {
	m := New([]wire.ShardID{0, 1})
	m.Assign(3, 0)
	m.Remove(3)

	assert.Nil(t, m.Lookup(3))
	assert.False(t, m.Owns(3, 0))
}

func TestMap_NodesSorted(t *testing.T) {
	m := New([]wire.ShardID{0})
	m.Assign(9, 0)
	m.Assign(2, 0)
	m.Assign(5, 0)

	assert.Equal(t, []wire.NodeID{2, 5, 9}, m.Nodes())
}

func TestMap_LookupReturnsCopy(t *testing.T) {
	m := New([]wire.ShardID{0, 1})
	m.Assign(4, 0, 1)

	got := m.Lookup(4)
	got[0] = 9
	assert.Equal(t, []wire.ShardID{0, 1}, m.Lookup(4))
}
