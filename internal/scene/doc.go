// Package scene implements the deterministic scene-tree state machine.
//
// The tree uses the left-child/right-sibling representation: the ordered
// children of a parent are its LeftChild followed by the chain of
// RightSibling links. Nodes live in an arena indexed by NodeID, so the
// descendant closure and the child-order rewrites are worklist traversals
// over the slot table rather than recursion.
//
// All mutation flows through Apply (scene ops) and the migration primitives
// (InstallState, RemoveLocal, DetachChild, AttachChild). A Tree has a single
// writer: the applier loop that owns its shard. Apply is a pure function of
// (state, op) — given the same committed log prefix, every replica produces
// the same tree.
package scene
