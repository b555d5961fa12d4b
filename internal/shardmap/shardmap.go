// Package shardmap tracks which shards replicate each scene node.
//
// The map is mutated only while a replica applies committed entries
// (bootstrap root, node creation, node removal, and move_shard fan-out);
// readers get copies. The bootstrap root is mapped to every shard and keeps
// that mapping as the scene grows; only a move_shard of the root narrows it
// to one shard. Every other node is owned by exactly one shard.
package shardmap

import (
	"sort"
	"sync"

	"github.com/roach88/scenestore/internal/wire"
)

// Map is the node→shard ownership table. Safe for concurrent use.
type Map struct {
	mu     sync.RWMutex
	shards []wire.ShardID
	owners map[wire.NodeID][]wire.ShardID
}

// New creates a map over the given shard set.
func New(shards []wire.ShardID) *Map {
	owned := make([]wire.ShardID, len(shards))
	copy(owned, shards)
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	return &Map{
		shards: owned,
		owners: make(map[wire.NodeID][]wire.ShardID),
	}
}

// Shards returns the full shard set in ascending order.
func (m *Map) Shards() []wire.ShardID {
	out := make([]wire.ShardID, len(m.shards))
	copy(out, m.shards)
	return out
}

// Assign sets the shard set replicating node n, replacing any previous
// assignment.
func (m *Map) Assign(n wire.NodeID, shards ...wire.ShardID) {
	owned := make([]wire.ShardID, len(shards))
	copy(owned, shards)
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[n] = owned
}

// AssignAll maps node n onto every shard. Used for the bootstrap root.
func (m *Map) AssignAll(n wire.NodeID) {
	m.Assign(n, m.shards...)
}

// Remove forgets node n entirely.
func (m *Map) Remove(n wire.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, n)
}

// Lookup returns the shards replicating node n, ascending. Nil if unknown.
func (m *Map) Lookup(n wire.NodeID) []wire.ShardID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owned := m.owners[n]
	if owned == nil {
		return nil
	}
	out := make([]wire.ShardID, len(owned))
	copy(out, owned)
	return out
}

// Owns reports whether shard s replicates node n.
func (m *Map) Owns(n wire.NodeID, s wire.ShardID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, owned := range m.owners[n] {
		if owned == s {
			return true
		}
	}
	return false
}

// HomeShard returns the lowest shard replicating n and whether n is mapped.
// Deterministic, so every replica routes the same way.
func (m *Map) HomeShard(n wire.NodeID) (wire.ShardID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owned := m.owners[n]
	if len(owned) == 0 {
		return 0, false
	}
	return owned[0], true
}

// Nodes returns every mapped node id in ascending order.
func (m *Map) Nodes() []wire.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]wire.NodeID, 0, len(m.owners))
	for n := range m.owners {
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
