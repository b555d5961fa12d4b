package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenestore/internal/hlc"
)

func roundTrip(t *testing.T, e Entry) Entry {
	t.Helper()
	decoded, err := DecodeEntry(EncodeEntry(e))
	require.NoError(t, err)
	return decoded
}

func TestEncodeDecode_SceneOp(t *testing.T) {
	e := Entry{
		Term:  3,
		Shard: 1,
		HLC:   hlc.Timestamp{L: 42, C: 7},
		Cmd: Command{
			Kind: CmdSceneOp,
			Op: &Op{
				Kind:       OpAddChild,
				Target:     1,
				NewNode:    2,
				Properties: map[string]string{"name": "torso", "visible": "true"},
			},
		},
	}
	assert.Equal(t, e, roundTrip(t, e))
}

func TestEncodeDecode_BatchOps(t *testing.T) {
	e := Entry{
		Term:  1,
		Shard: 0,
		HLC:   hlc.Timestamp{L: 9, C: 0},
		Cmd: Command{
			Kind: CmdSceneOp,
			Op: &Op{
				Kind: OpBatchStructure,
				StructureOps: []Op{
					{Kind: OpAddChild, Target: 1, NewNode: 4},
					{Kind: OpMoveChild, Parent: 1, Child: 4, ToIndex: -1},
					{Kind: OpBatchUpdate, Updates: []PropertyUpdate{
						{Node: 4, Key: "k", Value: "v"},
					}},
				},
			},
		},
	}
	assert.Equal(t, e, roundTrip(t, e))
}

func TestEncodeDecode_TxnRecord(t *testing.T) {
	rec := &TxnRecord{
		ID:         0xdeadbeef,
		Status:     TxnCommitting,
		Shards:     []ShardID{0, 1},
		CoordShard: 0,
		HLC:        hlc.Timestamp{L: 100, C: 2},
		Frontier:   []FrontierMark{{Shard: 0, Index: 12}, {Shard: 1, Index: 3}},
		Ops: []Op{
			{Kind: OpSetProperty, Node: 7, Key: "color", Value: "red"},
		},
	}
	e := Entry{Term: 2, Shard: 0, HLC: rec.HLC, Cmd: Command{Kind: CmdTxnState, Txn: rec, TxnID: rec.ID}}

	decoded := roundTrip(t, e)
	assert.Equal(t, e, decoded)
	assert.Equal(t, rec.ID, decoded.Cmd.TxnID)
	assert.Equal(t, uint64(12), decoded.Cmd.Txn.FrontierIndex(0))
	assert.Equal(t, uint64(0), decoded.Cmd.Txn.FrontierIndex(9))
}

func TestEncodeDecode_CommitAndAbortStubs(t *testing.T) {
	for _, kind := range []CmdKind{CmdTxnCommit, CmdTxnAbort} {
		e := Entry{
			Term:  5,
			Shard: 1,
			HLC:   hlc.Timestamp{L: 4, C: 4},
			Cmd:   Command{Kind: kind, TxnID: 99},
		}
		assert.Equal(t, e, roundTrip(t, e), "kind %s", kind)
	}
}

func TestEncodeDecode_MigrationCommands(t *testing.T) {
	entries := []Entry{
		{Shard: 1, Cmd: Command{
			Kind: CmdStateTransfer, TxnID: 7, Node: 5,
			State: &NodeState{LeftChild: 6, RightSibling: 0, Properties: map[string]string{"a": "b"}},
		}},
		{Shard: 0, Cmd: Command{Kind: CmdShardRemove, TxnID: 7, Node: 5}},
		{Shard: 0, Cmd: Command{Kind: CmdDetachChild, TxnID: 7, Child: 5}},
		{Shard: 1, Cmd: Command{Kind: CmdAttachChild, TxnID: 7, Parent: 1, Child: 5, Position: 2}},
	}
	for _, e := range entries {
		assert.Equal(t, e, roundTrip(t, e), "kind %s", e.Cmd.Kind)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	op := &Op{
		Kind:    OpAddChild,
		Target:  1,
		NewNode: 2,
		Properties: map[string]string{
			"z": "1", "a": "2", "m": "3",
		},
	}
	e := Entry{Cmd: Command{Kind: CmdSceneOp, Op: op}}

	first := EncodeEntry(e)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, EncodeEntry(e), "map iteration order leaked into encoding")
	}
}

func TestDecode_TrailingBytes(t *testing.T) {
	data := EncodeEntry(Entry{Cmd: Command{Kind: CmdTxnCommit, TxnID: 1}})
	_, err := DecodeEntry(append(data, 0x00))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing")
}

func TestDecode_Truncated(t *testing.T) {
	data := EncodeEntry(Entry{Cmd: Command{Kind: CmdTxnCommit, TxnID: 1}})
	_, err := DecodeEntry(data[:len(data)-3])
	require.Error(t, err)
}

func TestDecode_UnknownTag(t *testing.T) {
	data := EncodeEntry(Entry{Cmd: Command{Kind: CmdTxnCommit, TxnID: 1}})
	data[8+2+8+4] = 0xFF // command tag offset: term + shard + hlc
	_, err := DecodeEntry(data)
	require.Error(t, err)
}

func TestShardBitset_RoundTrip(t *testing.T) {
	shards := []ShardID{0, 3, 17}
	assert.Equal(t, shards, ShardsFromBitset(ShardBitset(shards)))
	assert.Nil(t, ShardsFromBitset(0))
}

func TestTxnID_StableAndDistinct(t *testing.T) {
	ops := []Op{{Kind: OpSetProperty, Node: 1, Key: "k", Value: "v"}}
	ts := hlc.Timestamp{L: 10, C: 1}

	a := TxnID(0, ts, ops)
	b := TxnID(0, ts, ops)
	assert.Equal(t, a, b, "same inputs must mint the same id")

	assert.NotEqual(t, a, TxnID(1, ts, ops))
	assert.NotEqual(t, a, TxnID(0, hlc.Timestamp{L: 10, C: 2}, ops))
	assert.NotEqual(t, a, TxnID(0, ts, []Op{{Kind: OpSetProperty, Node: 1, Key: "k", Value: "w"}}))
}

func TestNodeID_Valid(t *testing.T) {
	assert.False(t, Null.Valid())
	assert.True(t, NodeID(1).Valid())
	assert.True(t, MaxNodeID.Valid())
	assert.False(t, NodeID(MaxNodeID+1).Valid())
}
