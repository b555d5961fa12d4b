package scene

import (
	"fmt"

	"github.com/roach88/scenestore/internal/wire"
)

type slot struct {
	present bool
	node    Node
}

// Node is one scene node: tree pointers plus a string property bag.
type Node struct {
	LeftChild    wire.NodeID
	RightSibling wire.NodeID
	Properties   map[string]string
}

// Tree is an arena-indexed LCRS scene tree. The zero Tree is not usable;
// call NewTree.
type Tree struct {
	slots []slot
	count int
}

// NewTree creates an empty tree covering the full node id space.
func NewTree() *Tree {
	return &Tree{slots: make([]slot, int(wire.MaxNodeID)+1)}
}

// Len returns the number of live nodes.
func (t *Tree) Len() int {
	return t.count
}

// Contains reports whether node n is live.
func (t *Tree) Contains(n wire.NodeID) bool {
	return n.Valid() && t.slots[n].present
}

// Get returns a copy of node n. The second return is false if n is not live.
func (t *Tree) Get(n wire.NodeID) (Node, bool) {
	if !t.Contains(n) {
		return Node{}, false
	}
	nd := t.slots[n].node
	return Node{
		LeftChild:    nd.LeftChild,
		RightSibling: nd.RightSibling,
		Properties:   copyProps(nd.Properties),
	}, true
}

// State returns node n as a wire.NodeState for migration transfers.
func (t *Tree) State(n wire.NodeID) (wire.NodeState, bool) {
	nd, ok := t.Get(n)
	if !ok {
		return wire.NodeState{}, false
	}
	return wire.NodeState{
		LeftChild:    nd.LeftChild,
		RightSibling: nd.RightSibling,
		Properties:   nd.Properties,
	}, true
}

// NodeIDs returns the live node ids in ascending order.
func (t *Tree) NodeIDs() []wire.NodeID {
	ids := make([]wire.NodeID, 0, t.count)
	for i := 1; i < len(t.slots); i++ {
		if t.slots[i].present {
			ids = append(ids, wire.NodeID(i))
		}
	}
	return ids
}

// OrderedChildren returns the children of p in sibling-chain order.
// Returns nil if p is not live or has no children.
func (t *Tree) OrderedChildren(p wire.NodeID) []wire.NodeID {
	if !t.Contains(p) {
		return nil
	}
	var children []wire.NodeID
	for c := t.slots[p].node.LeftChild; c != wire.Null; c = t.slots[c].node.RightSibling {
		if !t.Contains(c) {
			break
		}
		children = append(children, c)
		if len(children) > t.count {
			// Broken sibling chain; Validate reports the cycle.
			break
		}
	}
	return children
}

// Descendants returns the descendant closure of n, including n itself, as a
// set. Worklist traversal: a node's left child and, for nodes below n, the
// right sibling are both in the closure.
func (t *Tree) Descendants(n wire.NodeID) map[wire.NodeID]bool {
	if !t.Contains(n) {
		return nil
	}
	closure := map[wire.NodeID]bool{n: true}
	work := []wire.NodeID{t.slots[n].node.LeftChild}
	for len(work) > 0 {
		x := work[len(work)-1]
		work = work[:len(work)-1]
		if x == wire.Null || !t.Contains(x) || closure[x] {
			continue
		}
		closure[x] = true
		work = append(work, t.slots[x].node.LeftChild, t.slots[x].node.RightSibling)
	}
	return closure
}

// Roots returns the live nodes not referenced by any LeftChild or
// RightSibling field, in ascending order. A valid tree has exactly one.
func (t *Tree) Roots() []wire.NodeID {
	referenced := make(map[wire.NodeID]bool)
	for i := 1; i < len(t.slots); i++ {
		if !t.slots[i].present {
			continue
		}
		nd := t.slots[i].node
		if nd.LeftChild != wire.Null {
			referenced[nd.LeftChild] = true
		}
		if nd.RightSibling != wire.Null {
			referenced[nd.RightSibling] = true
		}
	}
	var roots []wire.NodeID
	for i := 1; i < len(t.slots); i++ {
		if t.slots[i].present && !referenced[wire.NodeID(i)] {
			roots = append(roots, wire.NodeID(i))
		}
	}
	return roots
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	c := NewTree()
	c.count = t.count
	for i := range t.slots {
		if t.slots[i].present {
			c.slots[i] = slot{present: true, node: Node{
				LeftChild:    t.slots[i].node.LeftChild,
				RightSibling: t.slots[i].node.RightSibling,
				Properties:   copyProps(t.slots[i].node.Properties),
			}}
		}
	}
	return c
}

// Validate checks the LCRS invariants on a full tree view:
// exactly one root (when non-empty), every non-root referenced exactly once,
// and the set reachable from the root equal to the live set. A violation is
// fatal to the owning replica — the caller halts rather than diverging.
func (t *Tree) Validate() error {
	if t.count == 0 {
		return nil
	}

	refs := make(map[wire.NodeID]int)
	for i := 1; i < len(t.slots); i++ {
		if !t.slots[i].present {
			continue
		}
		nd := t.slots[i].node
		for _, ref := range []wire.NodeID{nd.LeftChild, nd.RightSibling} {
			if ref == wire.Null {
				continue
			}
			if !t.Contains(ref) {
				return fmt.Errorf("node %d references dead node %d", i, ref)
			}
			refs[ref]++
		}
	}

	roots := t.Roots()
	if len(roots) != 1 {
		return fmt.Errorf("expected exactly one root, found %d (%v)", len(roots), roots)
	}
	root := roots[0]

	for n, count := range refs {
		if count != 1 {
			return fmt.Errorf("node %d referenced %d times", n, count)
		}
	}

	reachable := t.Descendants(root)
	if len(reachable) != t.count {
		return fmt.Errorf("reachable set has %d nodes, live set has %d", len(reachable), t.count)
	}
	return nil
}

// ParentOf returns the parent of n and n's index among the parent's ordered
// children. Returns (Null, -1) for a root or a node that is not live.
func (t *Tree) ParentOf(n wire.NodeID) (wire.NodeID, int) {
	if !t.Contains(n) {
		return wire.Null, -1
	}
	for i := 1; i < len(t.slots); i++ {
		if !t.slots[i].present {
			continue
		}
		for idx, c := range t.OrderedChildren(wire.NodeID(i)) {
			if c == n {
				return wire.NodeID(i), idx
			}
		}
	}
	return wire.Null, -1
}

// parentRef locates the unique field referencing n: the owner node and
// whether the reference is a LeftChild link. Returns Null if nothing
// references n (n is a root).
func (t *Tree) parentRef(n wire.NodeID) (owner wire.NodeID, viaLeftChild bool) {
	for i := 1; i < len(t.slots); i++ {
		if !t.slots[i].present {
			continue
		}
		if t.slots[i].node.LeftChild == n {
			return wire.NodeID(i), true
		}
		if t.slots[i].node.RightSibling == n {
			return wire.NodeID(i), false
		}
	}
	return wire.Null, false
}

func copyProps(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
