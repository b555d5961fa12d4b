package scene

import (
	"github.com/roach88/scenestore/internal/wire"
)

// NodeDump is the serialized form of one node, used by golden traces and the
// replay command. Fields marshal deterministically: ids ascend and Go's JSON
// encoder sorts map keys.
type NodeDump struct {
	ID           wire.NodeID       `json:"id"`
	LeftChild    wire.NodeID       `json:"left_child"`
	RightSibling wire.NodeID       `json:"right_sibling"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Dump returns every live node in ascending id order.
func (t *Tree) Dump() []NodeDump {
	ids := t.NodeIDs()
	dump := make([]NodeDump, 0, len(ids))
	for _, id := range ids {
		nd := t.slots[id].node
		dump = append(dump, NodeDump{
			ID:           id,
			LeftChild:    nd.LeftChild,
			RightSibling: nd.RightSibling,
			Properties:   copyProps(nd.Properties),
		})
	}
	return dump
}

// Restore rebuilds a tree from a dump. Used by tests and offline replay
// comparisons.
func Restore(dump []NodeDump) *Tree {
	t := NewTree()
	for _, nd := range dump {
		t.install(nd.ID, Node{
			LeftChild:    nd.LeftChild,
			RightSibling: nd.RightSibling,
			Properties:   copyProps(nd.Properties),
		})
	}
	return t
}
