package txn

import (
	"sort"

	"github.com/roach88/scenestore/internal/scene"
	"github.com/roach88/scenestore/internal/shardmap"
	"github.com/roach88/scenestore/internal/wire"
)

// RouteOp returns the shards that must participate in an op, ascending:
// the home shards of every node the op touches, plus the destination shard
// of a migration. Both the coordinator (to pick participants) and the
// appliers (to scope application) route with this function, so they always
// agree.
func RouteOp(tree *scene.Tree, smap *shardmap.Map, op wire.Op) []wire.ShardID {
	set := make(map[wire.ShardID]bool)

	home := func(n wire.NodeID) {
		if n == wire.Null {
			return
		}
		for _, s := range smap.Lookup(n) {
			set[s] = true
		}
	}

	switch op.Kind {
	case wire.OpAddChild:
		if op.Target == wire.Null && len(smap.Nodes()) == 0 {
			// Bootstrap root: replicated on every shard while it is the
			// only node.
			for _, s := range smap.Shards() {
				set[s] = true
			}
		}
		home(op.Target)
	case wire.OpAddSibling:
		home(op.Target)
	case wire.OpRemoveNode, wire.OpSetProperty:
		home(op.Node)
	case wire.OpMoveSubtree:
		home(op.Node)
		home(op.NewParent)
		home(op.NewSibling)
	case wire.OpMoveChild:
		home(op.Parent)
		home(op.Child)
	case wire.OpBatchUpdate:
		for _, u := range op.Updates {
			home(u.Node)
		}
	case wire.OpBatchStructure:
		for _, nested := range op.StructureOps {
			for _, s := range RouteOp(tree, smap, nested) {
				set[s] = true
			}
		}
	case wire.OpMoveShard:
		for n := range tree.Descendants(op.Node) {
			home(n)
		}
		set[op.NewShard] = true
		if parent, _ := tree.ParentOf(op.Node); parent != wire.Null {
			home(parent)
		}
	}

	shards := make([]wire.ShardID, 0, len(set))
	for s := range set {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	return shards
}

// RouteOps unions RouteOp over a transaction's op sequence.
func RouteOps(tree *scene.Tree, smap *shardmap.Map, ops []wire.Op) []wire.ShardID {
	set := make(map[wire.ShardID]bool)
	for _, op := range ops {
		for _, s := range RouteOp(tree, smap, op) {
			set[s] = true
		}
	}
	shards := make([]wire.ShardID, 0, len(set))
	for s := range set {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	return shards
}
