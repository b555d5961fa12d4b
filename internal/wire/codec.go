package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/roach88/scenestore/internal/hlc"
)

// The codec is deterministic: the same entry always encodes to the same
// bytes. Map keys are written in sorted order, which lets the encoding
// double as the input to content-addressed transaction identity.

// EncodeEntry serializes an entry to its wire form.
func EncodeEntry(e Entry) []byte {
	var buf bytes.Buffer
	w := &writer{buf: &buf}
	w.u64(e.Term)
	w.u16(uint16(e.Shard))
	w.u64(e.HLC.L)
	w.u32(e.HLC.C)
	w.command(e.Cmd)
	return buf.Bytes()
}

// DecodeEntry parses an entry from its wire form.
func DecodeEntry(data []byte) (Entry, error) {
	r := &reader{data: data}
	var e Entry
	e.Term = r.u64()
	e.Shard = ShardID(r.u16())
	e.HLC = hlc.Timestamp{L: r.u64(), C: r.u32()}
	e.Cmd = r.command()
	if r.err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", r.err)
	}
	if r.pos != len(r.data) {
		return Entry{}, fmt.Errorf("decode entry: %d trailing bytes", len(r.data)-r.pos)
	}
	return e, nil
}

// EncodeOps serializes an op sequence. Used by transaction identity hashing.
func EncodeOps(ops []Op) []byte {
	var buf bytes.Buffer
	w := &writer{buf: &buf}
	w.ops(ops)
	return buf.Bytes()
}

type writer struct {
	buf *bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) { _ = binary.Write(w.buf, binary.BigEndian, v) }
func (w *writer) u32(v uint32) { _ = binary.Write(w.buf, binary.BigEndian, v) }
func (w *writer) u64(v uint64) { _ = binary.Write(w.buf, binary.BigEndian, v) }
func (w *writer) i32(v int32)  { _ = binary.Write(w.buf, binary.BigEndian, v) }

func (w *writer) node(n NodeID) { w.u16(uint16(n)) }

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) props(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(m[k])
	}
}

func (w *writer) op(o Op) {
	w.u8(uint8(o.Kind))
	w.node(o.Target)
	w.node(o.NewNode)
	w.node(o.Node)
	w.node(o.Parent)
	w.node(o.Child)
	w.i32(o.ToIndex)
	w.node(o.NewParent)
	w.node(o.NewSibling)
	w.u16(uint16(o.NewShard))
	w.str(o.Key)
	w.str(o.Value)
	w.props(o.Properties)
	w.u32(uint32(len(o.Updates)))
	for _, u := range o.Updates {
		w.node(u.Node)
		w.str(u.Key)
		w.str(u.Value)
	}
	w.ops(o.StructureOps)
}

func (w *writer) ops(ops []Op) {
	w.u32(uint32(len(ops)))
	for _, o := range ops {
		w.op(o)
	}
}

func (w *writer) txn(t *TxnRecord) {
	w.u64(t.ID)
	w.u8(uint8(t.Status))
	w.u64(ShardBitset(t.Shards))
	w.u16(uint16(t.CoordShard))
	w.u64(t.HLC.L)
	w.u32(t.HLC.C)
	w.u16(uint16(len(t.Frontier)))
	for _, m := range t.Frontier {
		w.u16(uint16(m.Shard))
		w.u64(m.Index)
	}
	w.ops(t.Ops)
}

func (w *writer) command(c Command) {
	w.u8(uint8(c.Kind))
	switch c.Kind {
	case CmdSceneOp:
		w.op(*c.Op)
	case CmdTxnState:
		w.txn(c.Txn)
	case CmdTxnCommit, CmdTxnAbort:
		w.u64(c.TxnID)
	case CmdStateTransfer:
		w.u64(c.TxnID)
		w.node(c.Node)
		w.node(c.State.LeftChild)
		w.node(c.State.RightSibling)
		w.props(c.State.Properties)
	case CmdShardRemove:
		w.u64(c.TxnID)
		w.node(c.Node)
	case CmdDetachChild:
		w.u64(c.TxnID)
		w.node(c.Child)
	case CmdAttachChild:
		w.u64(c.TxnID)
		w.node(c.Parent)
		w.node(c.Child)
		w.i32(c.Position)
	}
}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) node() NodeID { return NodeID(r.u16()) }

func (r *reader) str() string {
	n := int(r.u32())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) props() map[string]string {
	n := int(r.u32())
	if r.err != nil || n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := r.str()
		m[k] = r.str()
	}
	return m
}

func (r *reader) op() Op {
	var o Op
	o.Kind = OpKind(r.u8())
	o.Target = r.node()
	o.NewNode = r.node()
	o.Node = r.node()
	o.Parent = r.node()
	o.Child = r.node()
	o.ToIndex = r.i32()
	o.NewParent = r.node()
	o.NewSibling = r.node()
	o.NewShard = ShardID(r.u16())
	o.Key = r.str()
	o.Value = r.str()
	o.Properties = r.props()
	nu := int(r.u32())
	if r.err == nil && nu > 0 {
		o.Updates = make([]PropertyUpdate, 0, nu)
		for i := 0; i < nu; i++ {
			o.Updates = append(o.Updates, PropertyUpdate{
				Node:  r.node(),
				Key:   r.str(),
				Value: r.str(),
			})
		}
	}
	o.StructureOps = r.ops()
	return o
}

func (r *reader) ops() []Op {
	n := int(r.u32())
	if r.err != nil || n == 0 {
		return nil
	}
	ops := make([]Op, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, r.op())
	}
	return ops
}

func (r *reader) txn() *TxnRecord {
	t := &TxnRecord{}
	t.ID = r.u64()
	t.Status = TxnStatus(r.u8())
	t.Shards = ShardsFromBitset(r.u64())
	t.CoordShard = ShardID(r.u16())
	t.HLC = hlc.Timestamp{L: r.u64(), C: r.u32()}
	nf := int(r.u16())
	if r.err == nil && nf > 0 {
		t.Frontier = make([]FrontierMark, 0, nf)
		for i := 0; i < nf; i++ {
			t.Frontier = append(t.Frontier, FrontierMark{
				Shard: ShardID(r.u16()),
				Index: r.u64(),
			})
		}
	}
	t.Ops = r.ops()
	return t
}

func (r *reader) command() Command {
	var c Command
	c.Kind = CmdKind(r.u8())
	switch c.Kind {
	case CmdSceneOp:
		o := r.op()
		c.Op = &o
	case CmdTxnState:
		c.Txn = r.txn()
		if r.err == nil {
			c.TxnID = c.Txn.ID
		}
	case CmdTxnCommit, CmdTxnAbort:
		c.TxnID = r.u64()
	case CmdStateTransfer:
		c.TxnID = r.u64()
		c.Node = r.node()
		c.State = &NodeState{
			LeftChild:    r.node(),
			RightSibling: r.node(),
			Properties:   r.props(),
		}
	case CmdShardRemove:
		c.TxnID = r.u64()
		c.Node = r.node()
	case CmdDetachChild:
		c.TxnID = r.u64()
		c.Child = r.node()
	case CmdAttachChild:
		c.TxnID = r.u64()
		c.Parent = r.node()
		c.Child = r.node()
		c.Position = r.i32()
	default:
		if r.err == nil {
			r.err = fmt.Errorf("unknown command tag %d", c.Kind)
		}
	}
	return c
}
