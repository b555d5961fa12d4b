package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/scenestore/internal/consensus"
	"github.com/roach88/scenestore/internal/hlc"
	"github.com/roach88/scenestore/internal/scene"
	"github.com/roach88/scenestore/internal/shardmap"
	"github.com/roach88/scenestore/internal/wire"
)

// DefaultMaxLatency is the HLC drift window, in ticks, a COMMITTING
// transaction tolerates before aborting.
const DefaultMaxLatency = 16

const (
	defaultAppendRetries = 8
	defaultRetryDelay    = 10 * time.Millisecond
	defaultWaitTick      = 5 * time.Millisecond
)

// Result is the outcome of a submitted transaction, terminal either way.
type Result struct {
	TxnID  uint64
	Status wire.TxnStatus
	HLC    hlc.Timestamp
	Reason AbortReason // set when Status is ABORTED
}

// Coordinator drives parallel commit for transactions originated on this
// replica: stage intents on every participating shard log, watch for the
// committed entries, abort on conflict or when the HLC window expires.
type Coordinator struct {
	replica    string
	clock      *hlc.Clock
	logs       map[wire.ShardID]consensus.Service
	smap       *shardmap.Map
	mgr        *Manager
	snapshot   func() *scene.Tree
	maxLatency uint64

	appendRetries int
	retryDelay    time.Duration
	waitTick      time.Duration
}

// NewCoordinator wires a coordinator over this replica's shard handles.
func NewCoordinator(
	replica string,
	clock *hlc.Clock,
	logs map[wire.ShardID]consensus.Service,
	smap *shardmap.Map,
	mgr *Manager,
	snapshot func() *scene.Tree,
	maxLatency uint64,
) *Coordinator {
	if maxLatency == 0 {
		maxLatency = DefaultMaxLatency
	}
	return &Coordinator{
		replica:       replica,
		clock:         clock,
		logs:          logs,
		smap:          smap,
		mgr:           mgr,
		snapshot:      snapshot,
		maxLatency:    maxLatency,
		appendRetries: defaultAppendRetries,
		retryDelay:    defaultRetryDelay,
		waitTick:      defaultWaitTick,
	}
}

// Submit runs one transaction through parallel commit and returns its
// terminal status. Aborts are results, not errors; the error return is for
// infrastructure failures only.
func (c *Coordinator) Submit(ctx context.Context, ops []wire.Op) (Result, error) {
	ts := c.clock.Tick()
	tree := c.snapshot()

	// Upfront validation against the local applied state: a rejected op
	// aborts the transaction before anything is staged.
	if err := validateOps(tree, ops); err != nil {
		slog.Info("transaction rejected", "hlc", ts, "error", err)
		return Result{Status: wire.TxnAborted, HLC: ts, Reason: ReasonRejected}, nil
	}

	shards := RouteOps(tree, c.smap, ops)
	if len(shards) == 0 {
		return Result{}, fmt.Errorf("submit: ops route to no shard")
	}
	coordShard := shards[0] // deterministic tie-break: smallest shard id

	txnID := wire.TxnID(coordShard, ts, ops)
	rec := &wire.TxnRecord{
		ID:         txnID,
		Status:     wire.TxnCommitting,
		Shards:     shards,
		CoordShard: coordShard,
		HLC:        ts,
		Frontier:   c.frontier(),
		Ops:        ops,
	}

	done := c.mgr.Register(rec)

	slog.Debug("staging transaction",
		"txn_id", txnID, "hlc", ts, "shards", len(shards), "coord_shard", coordShard)

	// Migration fan-out rides the same transaction so a partially migrated
	// subtree can never become visible.
	fanout := synthesizeMigrations(tree, c.smap, txnID, ops)
	for _, fc := range fanout {
		if err := c.appendWithRetry(ctx, fc.Shard, wire.Entry{HLC: ts, Cmd: fc.Cmd}); err != nil {
			return c.abandon(ctx, rec, err)
		}
	}

	// Coordinator intent first, then the participant stubs.
	if err := c.appendWithRetry(ctx, coordShard, wire.Entry{
		HLC: ts,
		Cmd: wire.Command{Kind: wire.CmdTxnState, Txn: rec, TxnID: txnID},
	}); err != nil {
		return c.abandon(ctx, rec, err)
	}
	for _, s := range shards {
		if s == coordShard {
			continue
		}
		if err := c.appendWithRetry(ctx, s, wire.Entry{
			HLC: ts,
			Cmd: wire.Command{Kind: wire.CmdTxnCommit, TxnID: txnID},
		}); err != nil {
			return c.abandon(ctx, rec, err)
		}
	}

	return c.await(ctx, rec, done)
}

// await blocks until the transaction reaches a terminal status, driving the
// timeout check on a tick while it waits.
func (c *Coordinator) await(ctx context.Context, rec *wire.TxnRecord, done <-chan wire.TxnStatus) (Result, error) {
	ticker := time.NewTicker(c.waitTick)
	defer ticker.Stop()

	for {
		select {
		case status := <-done:
			_, reason, _ := c.mgr.Status(rec.ID)
			if status == wire.TxnAborted {
				c.writeAborts(ctx, rec)
				slog.Info("transaction aborted",
					"txn_id", rec.ID, "hlc", rec.HLC, "reason", string(reason))
			} else {
				slog.Info("transaction committed", "txn_id", rec.ID, "hlc", rec.HLC)
			}
			c.mgr.GC()
			return Result{TxnID: rec.ID, Status: status, HLC: rec.HLC, Reason: reason}, nil

		case <-ticker.C:
			c.mgr.ResolveAll()
			// A window expiry surfaces through the done channel.
			c.mgr.CheckTimeouts()

		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// abandon aborts a transaction that could not be fully staged.
func (c *Coordinator) abandon(ctx context.Context, rec *wire.TxnRecord, cause error) (Result, error) {
	slog.Warn("abandoning transaction", "txn_id", rec.ID, "error", cause)
	c.mgr.ObserveAbortReason(rec.ID, ReasonNoLeader)
	c.writeAborts(ctx, rec)
	return Result{TxnID: rec.ID, Status: wire.TxnAborted, HLC: rec.HLC, Reason: ReasonNoLeader}, nil
}

// writeAborts appends an ABORT record to every participating shard so later
// conflict checks see a terminal state. Best effort: a shard that cannot
// accept the record now will learn the abort from the HLC window instead.
func (c *Coordinator) writeAborts(ctx context.Context, rec *wire.TxnRecord) {
	for _, s := range rec.Shards {
		err := c.appendWithRetry(ctx, s, wire.Entry{
			HLC: c.clock.Tick(),
			Cmd: wire.Command{Kind: wire.CmdTxnAbort, TxnID: rec.ID},
		})
		if err != nil {
			slog.Warn("abort record not staged", "txn_id", rec.ID, "shard", s, "error", err)
		}
	}
}

// frontier records the commit index of every shard this replica replicates,
// pinning the conflict universe for a transaction staged now.
func (c *Coordinator) frontier() []wire.FrontierMark {
	shards := make([]wire.ShardID, 0, len(c.logs))
	for s := range c.logs {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	marks := make([]wire.FrontierMark, 0, len(shards))
	for _, s := range shards {
		marks = append(marks, wire.FrontierMark{Shard: s, Index: c.logs[s].CommitIndex()})
	}
	return marks
}

// appendWithRetry appends through this replica's handle, retrying across
// leader changes for a bounded interval.
func (c *Coordinator) appendWithRetry(ctx context.Context, shard wire.ShardID, e wire.Entry) error {
	log, ok := c.logs[shard]
	if !ok {
		return fmt.Errorf("no handle for shard %d", shard)
	}

	var lastErr error
	for attempt := 0; attempt < c.appendRetries; attempt++ {
		_, err := log.Append(ctx, e)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	return fmt.Errorf("append to shard %d: %w", shard, lastErr)
}

// validateOps applies the op sequence to a scratch copy of the applied
// state. Later ops observe earlier ones, matching apply-time semantics.
func validateOps(tree *scene.Tree, ops []wire.Op) error {
	scratch := tree.Clone()
	for i, op := range ops {
		if op.Kind == wire.OpMoveShard {
			if err := validateMoveShard(scratch, op); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			continue
		}
		if err := scratch.Apply(op); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
	}
	return nil
}

func validateMoveShard(tree *scene.Tree, op wire.Op) error {
	if !tree.Contains(op.Node) {
		return fmt.Errorf("move_shard %d: %w", op.Node, scene.ErrNoSuchNode)
	}
	return nil
}

// fanoutCmd is one synthesized migration entry bound for a specific shard.
type fanoutCmd struct {
	Shard wire.ShardID
	Cmd   wire.Command
}

// synthesizeMigrations expands every move_shard op into its fan-out:
// state_transfer entries on the destination shard, shard_remove entries on
// each source shard, a detach_child on the parent's shard, and an
// attach_child on the destination. A root migration needs no attach; the
// transferred state already stands alone.
func synthesizeMigrations(tree *scene.Tree, smap *shardmap.Map, txnID uint64, ops []wire.Op) []fanoutCmd {
	var out []fanoutCmd
	for _, op := range ops {
		if op.Kind != wire.OpMoveShard {
			continue
		}

		closure := tree.Descendants(op.Node)
		nodes := make([]wire.NodeID, 0, len(closure))
		for n := range closure {
			nodes = append(nodes, n)
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

		parent, position := tree.ParentOf(op.Node)

		for _, n := range nodes {
			state, ok := tree.State(n)
			if !ok {
				continue
			}
			if n == op.Node {
				// The subtree root's sibling link belongs to the old
				// parent's chain and does not migrate.
				state.RightSibling = wire.Null
			}
			out = append(out, fanoutCmd{Shard: op.NewShard, Cmd: wire.Command{
				Kind: wire.CmdStateTransfer, TxnID: txnID, Node: n, State: &state,
			}})
		}

		for _, n := range nodes {
			for _, s := range smap.Lookup(n) {
				if s == op.NewShard {
					continue
				}
				out = append(out, fanoutCmd{Shard: s, Cmd: wire.Command{
					Kind: wire.CmdShardRemove, TxnID: txnID, Node: n,
				}})
			}
		}

		if parent != wire.Null {
			for _, s := range smap.Lookup(parent) {
				out = append(out, fanoutCmd{Shard: s, Cmd: wire.Command{
					Kind: wire.CmdDetachChild, TxnID: txnID, Child: op.Node,
				}})
				break
			}
			out = append(out, fanoutCmd{Shard: op.NewShard, Cmd: wire.Command{
				Kind: wire.CmdAttachChild, TxnID: txnID,
				Parent: parent, Child: op.Node, Position: int32(position),
			}})
		}
	}
	return out
}
