package txn

import (
	"github.com/roach88/scenestore/internal/hlc"
	"github.com/roach88/scenestore/internal/scene"
	"github.com/roach88/scenestore/internal/wire"
)

// The conflict detector is a pure function over a scene snapshot, a
// candidate transaction, and the committed prefixes of every shard log.
// Every replica feeds it the same inputs, so every replica reaches the same
// verdict without coordination.

// Conflicts reports whether two ops conflict. Symmetric. Batch ops conflict
// when any of their components do.
func Conflicts(tree *scene.Tree, a, b wire.Op) bool {
	for _, x := range expand(a) {
		for _, y := range expand(b) {
			if atomsConflict(tree, x, y) {
				return true
			}
		}
	}
	return false
}

// expand flattens batches into their component ops.
func expand(op wire.Op) []wire.Op {
	switch op.Kind {
	case wire.OpBatchUpdate:
		ops := make([]wire.Op, 0, len(op.Updates))
		for _, u := range op.Updates {
			ops = append(ops, wire.Op{Kind: wire.OpSetProperty, Node: u.Node, Key: u.Key, Value: u.Value})
		}
		return ops
	case wire.OpBatchStructure:
		var ops []wire.Op
		for _, nested := range op.StructureOps {
			ops = append(ops, expand(nested)...)
		}
		return ops
	default:
		return []wire.Op{op}
	}
}

func atomsConflict(tree *scene.Tree, a, b wire.Op) bool {
	// Rule 1: both write the same property of the same node.
	if a.Kind == wire.OpSetProperty && b.Kind == wire.OpSetProperty &&
		a.Node == b.Node && a.Key == b.Key {
		return true
	}

	// Rule 3: both reorder the same child under the same parent.
	if a.Kind == wire.OpMoveChild && b.Kind == wire.OpMoveChild &&
		a.Parent == b.Parent && a.Child == b.Child {
		return true
	}

	// Rule 4: a reorder races an insertion under the same parent. Applied
	// symmetrically for both add_child and add_sibling.
	if reorderVsInsert(a, b) || reorderVsInsert(b, a) {
		return true
	}

	// Rule 2: a tree mutation whose subtree contains the other op's nodes.
	if mutationCovers(tree, a, b) || mutationCovers(tree, b, a) {
		return true
	}

	return false
}

func reorderVsInsert(reorder, insert wire.Op) bool {
	if reorder.Kind != wire.OpMoveChild {
		return false
	}
	if insert.Kind != wire.OpAddChild && insert.Kind != wire.OpAddSibling {
		return false
	}
	return insert.Target == reorder.Parent
}

// mutationCovers reports whether a is a tree mutation whose descendant
// closure contains any node b touches.
func mutationCovers(tree *scene.Tree, a, b wire.Op) bool {
	var root wire.NodeID
	switch a.Kind {
	case wire.OpMoveSubtree, wire.OpRemoveNode:
		root = a.Node
	case wire.OpMoveChild:
		root = a.Child
	default:
		return false
	}

	closure := tree.Descendants(root)
	if closure == nil {
		return false
	}
	for _, n := range touchedNodes(b) {
		if closure[n] {
			return true
		}
	}
	return false
}

// touchedNodes returns every live node an op references. Nodes the op would
// create do not exist yet and cannot sit inside a closure.
func touchedNodes(op wire.Op) []wire.NodeID {
	var nodes []wire.NodeID
	add := func(n wire.NodeID) {
		if n != wire.Null {
			nodes = append(nodes, n)
		}
	}
	add(op.Target)
	add(op.Node)
	add(op.Parent)
	add(op.Child)
	add(op.NewParent)
	add(op.NewSibling)
	for _, u := range op.Updates {
		add(u.Node)
	}
	return nodes
}

// PrefixEntry is one committed entry with its log position, as assembled
// from a shard's committed prefix.
type PrefixEntry struct {
	Shard wire.ShardID
	Index uint64
	E     wire.Entry
}

// MustAbort checks a candidate transaction against the committed prefixes of
// every shard log. The candidate must abort if any of its ops conflicts with
// an op drawn from a committed entry that (a) carries an HLC strictly
// preceding the candidate's and (b) lies beyond the candidate's staging
// frontier — entries at or below the frontier were already reflected in the
// snapshot the candidate was validated against. Commit stubs contribute the
// ops of the transaction they reference; transactions with a committed ABORT
// record contribute nothing.
//
// Returns the first conflicting (committed op, candidate op) pair found.
func MustAbort(tree *scene.Tree, candidate *wire.TxnRecord, prefix []PrefixEntry) (bool, wire.Op, wire.Op) {
	aborted := make(map[uint64]bool)
	intents := make(map[uint64]*wire.TxnRecord)
	for _, pe := range prefix {
		switch pe.E.Cmd.Kind {
		case wire.CmdTxnAbort:
			aborted[pe.E.Cmd.TxnID] = true
		case wire.CmdTxnState:
			intents[pe.E.Cmd.TxnID] = pe.E.Cmd.Txn
		}
	}

	// A transaction's ops are counted once, via its intent; stubs of the
	// same transaction add nothing new.
	counted := make(map[uint64]bool)

	for _, pe := range prefix {
		if pe.Index <= candidate.FrontierIndex(pe.Shard) {
			continue
		}
		if !hlc.Less(pe.E.HLC, candidate.HLC) {
			continue
		}

		var ops []wire.Op
		switch pe.E.Cmd.Kind {
		case wire.CmdSceneOp:
			ops = []wire.Op{*pe.E.Cmd.Op}
		case wire.CmdTxnState, wire.CmdTxnCommit:
			id := pe.E.Cmd.TxnID
			if id == candidate.ID || aborted[id] || counted[id] {
				continue
			}
			intent := intents[id]
			if intent == nil {
				// Referenced intent not committed yet: the transaction is
				// not implicitly committed, so its ops are not visible.
				continue
			}
			counted[id] = true
			ops = intent.Ops
		default:
			// Migration commands are covered by their transaction's ops.
			continue
		}

		for _, committed := range ops {
			for _, mine := range candidate.Ops {
				if Conflicts(tree, committed, mine) {
					return true, committed, mine
				}
			}
		}
	}
	return false, wire.Op{}, wire.Op{}
}
