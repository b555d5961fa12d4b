// Package server exposes the client RPC surface over HTTP+JSON:
// submit, node reads, and ordered-children listings, served by the leader
// of the shard owning the addressed node.
package server

import (
	"fmt"

	"github.com/roach88/scenestore/internal/wire"
)

// OpJSON is the wire-agnostic JSON form of a scene op accepted by submit.
type OpJSON struct {
	Kind string `json:"kind"`

	Target     uint16 `json:"target,omitempty"`
	NewNode    uint16 `json:"new_node,omitempty"`
	Node       uint16 `json:"node,omitempty"`
	Parent     uint16 `json:"parent,omitempty"`
	Child      uint16 `json:"child,omitempty"`
	ToIndex    *int32 `json:"to_index,omitempty"`
	NewParent  uint16 `json:"new_parent,omitempty"`
	NewSibling uint16 `json:"new_sibling,omitempty"`
	NewShard   uint16 `json:"new_shard,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	Properties   map[string]string `json:"properties,omitempty"`
	Updates      []UpdateJSON      `json:"updates,omitempty"`
	StructureOps []OpJSON          `json:"structure_ops,omitempty"`
}

// UpdateJSON is one element of a batch_update.
type UpdateJSON struct {
	Node  uint16 `json:"node"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

var kindNames = map[string]wire.OpKind{
	"add_child":       wire.OpAddChild,
	"add_sibling":     wire.OpAddSibling,
	"remove_node":     wire.OpRemoveNode,
	"set_property":    wire.OpSetProperty,
	"move_subtree":    wire.OpMoveSubtree,
	"move_child":      wire.OpMoveChild,
	"batch_update":    wire.OpBatchUpdate,
	"batch_structure": wire.OpBatchStructure,
	"move_shard":      wire.OpMoveShard,
}

// ToOp converts the JSON form into a wire op.
func (j OpJSON) ToOp() (wire.Op, error) {
	kind, ok := kindNames[j.Kind]
	if !ok {
		return wire.Op{}, fmt.Errorf("unknown op kind %q", j.Kind)
	}

	op := wire.Op{
		Kind:       kind,
		Target:     wire.NodeID(j.Target),
		NewNode:    wire.NodeID(j.NewNode),
		Node:       wire.NodeID(j.Node),
		Parent:     wire.NodeID(j.Parent),
		Child:      wire.NodeID(j.Child),
		NewParent:  wire.NodeID(j.NewParent),
		NewSibling: wire.NodeID(j.NewSibling),
		NewShard:   wire.ShardID(j.NewShard),
		Key:        j.Key,
		Value:      j.Value,
		Properties: j.Properties,
	}
	if j.ToIndex != nil {
		op.ToIndex = *j.ToIndex
	}
	for _, u := range j.Updates {
		op.Updates = append(op.Updates, wire.PropertyUpdate{
			Node: wire.NodeID(u.Node), Key: u.Key, Value: u.Value,
		})
	}
	for i, nested := range j.StructureOps {
		inner, err := nested.ToOp()
		if err != nil {
			return wire.Op{}, fmt.Errorf("structure_ops[%d]: %w", i, err)
		}
		op.StructureOps = append(op.StructureOps, inner)
	}
	return op, nil
}

// ToOps converts a submit payload's op list.
func ToOps(js []OpJSON) ([]wire.Op, error) {
	ops := make([]wire.Op, 0, len(js))
	for i, j := range js {
		op, err := j.ToOp()
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
