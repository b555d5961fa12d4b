package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenestore/internal/consensus"
	"github.com/roach88/scenestore/internal/hlc"
	"github.com/roach88/scenestore/internal/scene"
	"github.com/roach88/scenestore/internal/wire"
)

type managerFixture struct {
	groups  map[wire.ShardID]*consensus.Group
	logs    map[wire.ShardID]consensus.Service
	ticks   *hlc.CountingTicks
	clock   *hlc.Clock
	mgr     *Manager
	commits []*wire.TxnRecord
	defers  [][]DeferredCmd
}

func newManagerFixture(t *testing.T, shards ...wire.ShardID) *managerFixture {
	t.Helper()

	f := &managerFixture{
		groups: make(map[wire.ShardID]*consensus.Group),
		logs:   make(map[wire.ShardID]consensus.Service),
		ticks:  hlc.NewCountingTicks(1),
	}
	f.clock = hlc.NewClock(f.ticks)

	for _, s := range shards {
		g, err := consensus.NewGroup(s, "node-0", nil)
		require.NoError(t, err)
		f.groups[s] = g
		f.logs[s] = g.Handle("node-0")
	}

	f.mgr = NewManager(f.clock, DefaultMaxLatency, f.logs, scene.NewTree().Clone,
		func(rec *wire.TxnRecord, deferred []DeferredCmd) {
			f.commits = append(f.commits, rec)
			f.defers = append(f.defers, deferred)
		})
	return f
}

func (f *managerFixture) append(t *testing.T, shard wire.ShardID, cmd wire.Command, ts hlc.Timestamp) uint64 {
	t.Helper()
	idx, err := f.logs[shard].(*consensus.Handle).Append(context.Background(), wire.Entry{HLC: ts, Cmd: cmd})
	require.NoError(t, err)
	return idx
}

func testRecord(id uint64, ts hlc.Timestamp, shards ...wire.ShardID) *wire.TxnRecord {
	return &wire.TxnRecord{
		ID:         id,
		Status:     wire.TxnCommitting,
		Shards:     shards,
		CoordShard: shards[0],
		HLC:        ts,
		Ops:        []wire.Op{{Kind: wire.OpSetProperty, Node: 1, Key: "k", Value: "v"}},
	}
}

func TestManager_ResolvesWhenAllParticipantsCommit(t *testing.T) {
	f := newManagerFixture(t, 0, 1)
	ts := hlc.Timestamp{L: 1, C: 1}
	rec := testRecord(7, ts, 0, 1)

	done := f.mgr.Register(rec)

	f.append(t, 0, wire.Command{Kind: wire.CmdTxnState, Txn: rec, TxnID: rec.ID}, ts)
	f.mgr.ObserveIntent(rec)

	// One participant missing: still COMMITTING.
	status, _, ok := f.mgr.Status(rec.ID)
	require.True(t, ok)
	assert.Equal(t, wire.TxnCommitting, status)
	assert.Empty(t, f.commits)

	f.append(t, 1, wire.Command{Kind: wire.CmdTxnCommit, TxnID: rec.ID}, ts)
	f.mgr.ObserveStub(rec.ID)

	status, _, _ = f.mgr.Status(rec.ID)
	assert.Equal(t, wire.TxnCommitted, status)
	require.Len(t, f.commits, 1, "commit callback must run exactly once")
	assert.Equal(t, rec.ID, f.commits[0].ID)
	assert.Equal(t, wire.TxnCommitted, <-done)
}

func TestManager_StubBeforeIntentAdoptsRecord(t *testing.T) {
	f := newManagerFixture(t, 0, 1)
	ts := hlc.Timestamp{L: 1, C: 1}
	rec := testRecord(8, ts, 0, 1)

	f.append(t, 0, wire.Command{Kind: wire.CmdTxnState, Txn: rec, TxnID: rec.ID}, ts)
	f.append(t, 1, wire.Command{Kind: wire.CmdTxnCommit, TxnID: rec.ID}, ts)

	// The stub is dispatched first; the intent is recovered from the
	// coordinator shard's committed prefix.
	f.mgr.ObserveStub(rec.ID)

	status, _, _ := f.mgr.Status(rec.ID)
	assert.Equal(t, wire.TxnCommitted, status)
	require.Len(t, f.commits, 1)
}

func TestManager_MigrationFanOutCollectedOnCommit(t *testing.T) {
	f := newManagerFixture(t, 0, 1)
	ts := hlc.Timestamp{L: 1, C: 1}
	rec := testRecord(9, ts, 0, 1)

	// Fan-out entries precede the txn entries on their shards; attach is
	// appended before the transfer here to prove ordering comes from the
	// kind ranks, not the log.
	f.append(t, 1, wire.Command{Kind: wire.CmdAttachChild, TxnID: rec.ID, Parent: 1, Child: 5}, ts)
	f.append(t, 1, wire.Command{
		Kind: wire.CmdStateTransfer, TxnID: rec.ID, Node: 5, State: &wire.NodeState{},
	}, ts)

	f.append(t, 0, wire.Command{Kind: wire.CmdTxnState, Txn: rec, TxnID: rec.ID}, ts)
	f.mgr.ObserveIntent(rec)
	assert.Empty(t, f.defers, "migration commands must wait for the commit")

	f.append(t, 1, wire.Command{Kind: wire.CmdTxnCommit, TxnID: rec.ID}, ts)
	f.mgr.ObserveStub(rec.ID)

	require.Len(t, f.defers, 1)
	deferred := f.defers[0]
	require.Len(t, deferred, 2)
	assert.Equal(t, wire.CmdStateTransfer, deferred[0].Cmd.Kind)
	assert.Equal(t, wire.CmdAttachChild, deferred[1].Cmd.Kind)
}

func TestManager_AbortRecordWinsOverImplicitCommit(t *testing.T) {
	f := newManagerFixture(t, 0)
	ts := hlc.Timestamp{L: 1, C: 1}
	rec := testRecord(4, ts, 0)

	f.append(t, 0, wire.Command{Kind: wire.CmdTxnState, Txn: rec, TxnID: rec.ID}, ts)
	f.append(t, 0, wire.Command{Kind: wire.CmdTxnAbort, TxnID: rec.ID}, hlc.Timestamp{L: 1, C: 2})

	f.mgr.ObserveIntent(rec)

	status, _, _ := f.mgr.Status(rec.ID)
	assert.Equal(t, wire.TxnAborted, status)
	assert.Empty(t, f.commits)
}

func TestManager_CheckTimeouts(t *testing.T) {
	f := newManagerFixture(t, 0, 1)
	ts := hlc.Timestamp{L: 1, C: 0}
	rec := testRecord(3, ts, 0, 1)
	done := f.mgr.Register(rec)

	// Inside the window: nothing aborts.
	f.ticks.Step(DefaultMaxLatency - 1)
	assert.Empty(t, f.mgr.CheckTimeouts())

	// Past the window: the transaction aborts.
	f.ticks.Step(3)
	aborted := f.mgr.CheckTimeouts()
	assert.Equal(t, []uint64{rec.ID}, aborted)

	status, reason, _ := f.mgr.Status(rec.ID)
	assert.Equal(t, wire.TxnAborted, status)
	assert.Equal(t, ReasonHLCWindow, reason)
	assert.Equal(t, wire.TxnAborted, <-done)

	// A second sweep must not re-abort.
	assert.Empty(t, f.mgr.CheckTimeouts())
}

func TestManager_GCDropsOldTerminalRecords(t *testing.T) {
	f := newManagerFixture(t, 0)
	ts := hlc.Timestamp{L: 1, C: 0}
	rec := testRecord(5, ts, 0)
	f.mgr.Register(rec)

	f.ticks.Step(DefaultMaxLatency + 2)
	require.NotEmpty(t, f.mgr.CheckTimeouts())

	// Terminal but still within the retention horizon.
	assert.Equal(t, 0, f.mgr.GC())

	// Push the local clock far past the record.
	f.clock.Observe(hlc.Timestamp{L: 100})
	assert.Equal(t, 1, f.mgr.GC())

	_, _, ok := f.mgr.Status(rec.ID)
	assert.False(t, ok)
}
