package scene

import (
	"errors"
	"fmt"

	"github.com/roach88/scenestore/internal/wire"
)

// Rejection sentinels. A rejected op performs no mutation; the enclosing
// transaction aborts at submit validation. Invalid move_child is NOT a
// rejection — it is a deterministic no-op (see applyMoveChild).
var (
	ErrNodeExists   = errors.New("node already exists")
	ErrNoSuchNode   = errors.New("no such node")
	ErrWouldCycle   = errors.New("destination lies inside the moved subtree")
	ErrUndecomposed = errors.New("move_shard must be decomposed by the coordinator")
)

// Apply executes a single scene op against the tree. Rejected ops return an
// error and leave the tree untouched. Apply is deterministic: the same tree
// and op always produce the same result on every replica.
func (t *Tree) Apply(op wire.Op) error {
	switch op.Kind {
	case wire.OpAddChild:
		return t.applyAddChild(op)
	case wire.OpAddSibling:
		return t.applyAddSibling(op)
	case wire.OpRemoveNode:
		return t.applyRemoveNode(op)
	case wire.OpSetProperty:
		return t.applySetProperty(op)
	case wire.OpMoveSubtree:
		return t.applyMoveSubtree(op)
	case wire.OpMoveChild:
		return t.applyMoveChild(op)
	case wire.OpBatchUpdate:
		return t.applyBatchUpdate(op)
	case wire.OpBatchStructure:
		return t.applyBatchStructure(op)
	case wire.OpMoveShard:
		return ErrUndecomposed
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
}

func (t *Tree) applyAddChild(op wire.Op) error {
	if !op.NewNode.Valid() {
		return fmt.Errorf("add_child: invalid new node %d", op.NewNode)
	}
	if t.Contains(op.NewNode) {
		return fmt.Errorf("add_child %d: %w", op.NewNode, ErrNodeExists)
	}

	if op.Target == wire.Null {
		// Root creation: install as a standalone node.
		t.install(op.NewNode, Node{Properties: copyProps(op.Properties)})
		return nil
	}
	if !t.Contains(op.Target) {
		return fmt.Errorf("add_child target %d: %w", op.Target, ErrNoSuchNode)
	}

	// New first child; former first child becomes the new node's sibling.
	t.install(op.NewNode, Node{
		RightSibling: t.slots[op.Target].node.LeftChild,
		Properties:   copyProps(op.Properties),
	})
	t.slots[op.Target].node.LeftChild = op.NewNode
	return nil
}

func (t *Tree) applyAddSibling(op wire.Op) error {
	if !op.NewNode.Valid() {
		return fmt.Errorf("add_sibling: invalid new node %d", op.NewNode)
	}
	if t.Contains(op.NewNode) {
		return fmt.Errorf("add_sibling %d: %w", op.NewNode, ErrNodeExists)
	}
	if !t.Contains(op.Target) {
		return fmt.Errorf("add_sibling target %d: %w", op.Target, ErrNoSuchNode)
	}

	// Splice immediately after the target in the sibling chain.
	t.install(op.NewNode, Node{
		RightSibling: t.slots[op.Target].node.RightSibling,
		Properties:   copyProps(op.Properties),
	})
	t.slots[op.Target].node.RightSibling = op.NewNode
	return nil
}

func (t *Tree) applyRemoveNode(op wire.Op) error {
	if !t.Contains(op.Node) {
		return fmt.Errorf("remove_node %d: %w", op.Node, ErrNoSuchNode)
	}

	removed := t.Descendants(op.Node)

	// Unlink the removed root first, bridging the sibling chain across it so
	// its later siblings stay attached to the old parent.
	t.detach(op.Node)

	for n := range removed {
		t.slots[n] = slot{}
		t.count--
	}

	// Sweep any surviving pointer that still points into the removed set.
	for i := 1; i < len(t.slots); i++ {
		if !t.slots[i].present {
			continue
		}
		if removed[t.slots[i].node.LeftChild] {
			t.slots[i].node.LeftChild = wire.Null
		}
		if removed[t.slots[i].node.RightSibling] {
			t.slots[i].node.RightSibling = wire.Null
		}
	}
	return nil
}

func (t *Tree) applySetProperty(op wire.Op) error {
	if !t.Contains(op.Node) {
		return fmt.Errorf("set_property %d: %w", op.Node, ErrNoSuchNode)
	}
	if t.slots[op.Node].node.Properties == nil {
		t.slots[op.Node].node.Properties = make(map[string]string)
	}
	t.slots[op.Node].node.Properties[op.Key] = op.Value
	return nil
}

func (t *Tree) applyMoveSubtree(op wire.Op) error {
	if !t.Contains(op.Node) {
		return fmt.Errorf("move_subtree %d: %w", op.Node, ErrNoSuchNode)
	}
	if op.NewSibling != wire.Null && !t.Contains(op.NewSibling) {
		return fmt.Errorf("move_subtree sibling %d: %w", op.NewSibling, ErrNoSuchNode)
	}
	if op.NewSibling == wire.Null && !t.Contains(op.NewParent) {
		return fmt.Errorf("move_subtree parent %d: %w", op.NewParent, ErrNoSuchNode)
	}

	closure := t.Descendants(op.Node)
	if closure[op.NewParent] || closure[op.NewSibling] {
		return fmt.Errorf("move_subtree %d under %d/%d: %w",
			op.Node, op.NewParent, op.NewSibling, ErrWouldCycle)
	}

	t.detach(op.Node)

	if op.NewSibling != wire.Null {
		// Splice immediately after new_sibling under new_parent.
		t.slots[op.Node].node.RightSibling = t.slots[op.NewSibling].node.RightSibling
		t.slots[op.NewSibling].node.RightSibling = op.Node
		return nil
	}

	// First child of new_parent; former first child becomes the sibling.
	t.slots[op.Node].node.RightSibling = t.slots[op.NewParent].node.LeftChild
	t.slots[op.NewParent].node.LeftChild = op.Node
	return nil
}

// applyMoveChild rebuilds the ordered children of a parent. Out-of-range
// indexes (after negative adjustment against the original length) and
// non-children are no-ops, never errors.
func (t *Tree) applyMoveChild(op wire.Op) error {
	if !t.Contains(op.Parent) {
		return nil
	}
	children := t.OrderedChildren(op.Parent)

	idx := int(op.ToIndex)
	if idx < 0 {
		idx = len(children) + idx
	}
	if idx < 0 || idx >= len(children) {
		return nil
	}

	pos := -1
	for i, c := range children {
		if c == op.Child {
			pos = i
			break
		}
	}
	if pos == -1 {
		return nil
	}

	reordered := make([]wire.NodeID, 0, len(children))
	reordered = append(reordered, children[:pos]...)
	reordered = append(reordered, children[pos+1:]...)
	if idx > len(reordered) {
		idx = len(reordered)
	}
	reordered = append(reordered[:idx], append([]wire.NodeID{op.Child}, reordered[idx:]...)...)

	t.setChildren(op.Parent, reordered)
	return nil
}

func (t *Tree) applyBatchUpdate(op wire.Op) error {
	for _, u := range op.Updates {
		// Later updates observe earlier ones; a missing node skips its
		// update without poisoning the rest of the batch.
		_ = t.Apply(wire.Op{Kind: wire.OpSetProperty, Node: u.Node, Key: u.Key, Value: u.Value})
	}
	return nil
}

func (t *Tree) applyBatchStructure(op wire.Op) error {
	for _, nested := range op.StructureOps {
		// Invalid nested ops are no-ops, matching the top-level move_child
		// policy. The batch stays atomic at log-entry granularity.
		_ = t.Apply(nested)
	}
	return nil
}

// InstallState installs or replaces node n wholesale. This is the
// authoritative representation delivered by state_transfer entries during
// shard migration.
func (t *Tree) InstallState(n wire.NodeID, state wire.NodeState) error {
	if !n.Valid() {
		return fmt.Errorf("state_transfer: invalid node %d", n)
	}
	t.install(n, Node{
		LeftChild:    state.LeftChild,
		RightSibling: state.RightSibling,
		Properties:   copyProps(state.Properties),
	})
	return nil
}

// RemoveLocal deletes node n from this shard's view without a pointer sweep.
// Used by shard_remove entries on the migration source.
func (t *Tree) RemoveLocal(n wire.NodeID) {
	if t.Contains(n) {
		t.slots[n] = slot{}
		t.count--
	}
}

// DetachChild unlinks child from the field that references it. That field is
// rewritten to the child's former right sibling, so the rest of the sibling
// chain stays with the old parent, and the child's own RightSibling is
// cleared. A child nothing references is a no-op.
func (t *Tree) DetachChild(child wire.NodeID) {
	owner, viaLeftChild := t.parentRef(child)
	if owner == wire.Null {
		return
	}
	if viaLeftChild {
		// Former first child: its next sibling becomes the owner's first
		// child.
		t.slots[owner].node.LeftChild = t.slots[child].node.RightSibling
	} else {
		t.slots[owner].node.RightSibling = t.slots[child].node.RightSibling
	}
	if t.Contains(child) {
		t.slots[child].node.RightSibling = wire.Null
	}
}

// AttachChild inserts child into parent's ordered children at position,
// clamped to the current child count.
func (t *Tree) AttachChild(parent, child wire.NodeID, position int) error {
	if !t.Contains(parent) {
		return fmt.Errorf("attach_child parent %d: %w", parent, ErrNoSuchNode)
	}
	if !t.Contains(child) {
		return fmt.Errorf("attach_child %d: %w", child, ErrNoSuchNode)
	}
	children := t.OrderedChildren(parent)
	if position < 0 {
		position = 0
	}
	if position > len(children) {
		position = len(children)
	}
	reordered := make([]wire.NodeID, 0, len(children)+1)
	reordered = append(reordered, children[:position]...)
	reordered = append(reordered, child)
	reordered = append(reordered, children[position:]...)
	t.setChildren(parent, reordered)
	return nil
}

func (t *Tree) install(n wire.NodeID, node Node) {
	if !t.slots[n].present {
		t.count++
	}
	t.slots[n] = slot{present: true, node: node}
}

// detach clears whichever of LeftChild/RightSibling references n, bridging
// the sibling chain across it, and resets n's own sibling pointer.
func (t *Tree) detach(n wire.NodeID) {
	owner, viaLeftChild := t.parentRef(n)
	if owner != wire.Null {
		if viaLeftChild {
			t.slots[owner].node.LeftChild = t.slots[n].node.RightSibling
		} else {
			t.slots[owner].node.RightSibling = t.slots[n].node.RightSibling
		}
	}
	t.slots[n].node.RightSibling = wire.Null
}

// setChildren rewrites parent.LeftChild and the sibling chain so the ordered
// children match exactly the given sequence.
func (t *Tree) setChildren(parent wire.NodeID, children []wire.NodeID) {
	if len(children) == 0 {
		t.slots[parent].node.LeftChild = wire.Null
		return
	}
	t.slots[parent].node.LeftChild = children[0]
	for i := 0; i < len(children)-1; i++ {
		t.slots[children[i]].node.RightSibling = children[i+1]
	}
	t.slots[children[len(children)-1]].node.RightSibling = wire.Null
}
