// Package replica ties one node's pieces together: the scene tree and shard
// map it derives from the logs, the per-shard applier loops that advance
// appliedIndex, the pending-transaction table, and the recovery replay that
// runs when a crashed node rejoins.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/scenestore/internal/consensus"
	"github.com/roach88/scenestore/internal/hlc"
	"github.com/roach88/scenestore/internal/scene"
	"github.com/roach88/scenestore/internal/shardmap"
	"github.com/roach88/scenestore/internal/store"
	"github.com/roach88/scenestore/internal/txn"
	"github.com/roach88/scenestore/internal/wire"
)

// Replica is one node of the cluster. All scene and shard-map mutation on a
// replica funnels through the applier/commit paths under a single mutex; the
// per-shard logs themselves serialize what those paths see.
type Replica struct {
	id    string
	clock *hlc.Clock

	mu   sync.Mutex
	tree *scene.Tree
	smap *shardmap.Map

	logs    map[wire.ShardID]*consensus.Handle
	applied map[wire.ShardID]uint64

	// applyMu serializes CatchUp per shard: the applier loop and an
	// explicit recovery replay must not advance the same cursor at once.
	applyMu map[wire.ShardID]*sync.Mutex

	mgr   *txn.Manager
	coord *txn.Coordinator

	st *store.Store // optional; persists applied marks

	halted  atomic.Bool
	crashed atomic.Bool
}

// New builds a replica over the given shard groups. When st is non-nil the
// applied cursors persist across restarts; call Recover before Run to fold
// the durable log back into state.
func New(id string, groups []*consensus.Group, clock *hlc.Clock, maxLatency uint64, st *store.Store) *Replica {
	r := &Replica{
		id:      id,
		clock:   clock,
		tree:    scene.NewTree(),
		logs:    make(map[wire.ShardID]*consensus.Handle, len(groups)),
		applied: make(map[wire.ShardID]uint64, len(groups)),
		applyMu: make(map[wire.ShardID]*sync.Mutex, len(groups)),
		st:      st,
	}

	shards := make([]wire.ShardID, 0, len(groups))
	services := make(map[wire.ShardID]consensus.Service, len(groups))
	for _, g := range groups {
		h := g.Handle(id)
		r.logs[g.Shard()] = h
		services[g.Shard()] = h
		r.applyMu[g.Shard()] = &sync.Mutex{}
		shards = append(shards, g.Shard())
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	r.smap = shardmap.New(shards)

	r.mgr = txn.NewManager(clock, maxLatency, services, r.Snapshot, r.applyCommitted)
	r.coord = txn.NewCoordinator(id, clock, services, r.smap, r.mgr, r.Snapshot, maxLatency)
	return r
}

// ID returns the replica's id.
func (r *Replica) ID() string {
	return r.id
}

// ShardMap returns the replica's shard ownership table.
func (r *Replica) ShardMap() *shardmap.Map {
	return r.smap
}

// Manager returns the replica's pending-transaction table.
func (r *Replica) Manager() *txn.Manager {
	return r.mgr
}

// Log returns the replica's handle for a shard.
func (r *Replica) Log(shard wire.ShardID) *consensus.Handle {
	return r.logs[shard]
}

// Halted reports whether the replica stopped on an invariant violation.
func (r *Replica) Halted() bool {
	return r.halted.Load()
}

// Submit originates a transaction on this replica.
func (r *Replica) Submit(ctx context.Context, ops []wire.Op) (txn.Result, error) {
	if r.halted.Load() {
		return txn.Result{}, fmt.Errorf("replica %s halted", r.id)
	}
	return r.coord.Submit(ctx, ops)
}

// Snapshot returns a copy of the applied scene.
func (r *Replica) Snapshot() *scene.Tree {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Clone()
}

// Get returns node n from the applied scene.
func (r *Replica) Get(n wire.NodeID) (scene.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Get(n)
}

// OrderedChildren returns the ordered children of n.
func (r *Replica) OrderedChildren(n wire.NodeID) []wire.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.OrderedChildren(n)
}

// AppliedIndex returns the replica's applied cursor for a shard.
func (r *Replica) AppliedIndex(shard wire.ShardID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[shard]
}

// applyCommitted is the manager's commit callback: make a resolved
// transaction's ops visible, then fold in its migration commands. Runs
// exactly once per transaction.
func (r *Replica) applyCommitted(rec *wire.TxnRecord, deferred []txn.DeferredCmd) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec != nil {
		for _, op := range rec.Ops {
			if op.Kind == wire.OpMoveShard {
				// Realized by the migration fan-out below.
				continue
			}
			if !r.inScopeLocked(op) {
				continue
			}
			r.applySceneOpLocked(op)
		}
	}

	for _, d := range deferred {
		r.applyDeferredLocked(d)
	}

	r.checkInvariantsLocked()
}

// inScopeLocked reports whether any shard this replica replicates
// participates in the op.
func (r *Replica) inScopeLocked(op wire.Op) bool {
	for _, s := range txn.RouteOp(r.tree, r.smap, op) {
		if _, ok := r.logs[s]; ok {
			return true
		}
	}
	return false
}

// applySceneOpLocked applies one op and maintains the shard map: created
// nodes inherit their target's home shard, removed subtrees drop out of the
// map, and the bootstrap root lands on every shard.
func (r *Replica) applySceneOpLocked(op wire.Op) {
	switch op.Kind {
	case wire.OpAddChild, wire.OpAddSibling:
		bootstrap := op.Kind == wire.OpAddChild && op.Target == wire.Null && len(r.smap.Nodes()) == 0
		owners := r.smap.Lookup(op.Target)
		if err := r.tree.Apply(op); err != nil {
			slog.Debug("committed op skipped", "op", op.Kind.String(), "error", err)
			return
		}
		switch {
		case bootstrap:
			r.smap.AssignAll(op.NewNode)
		case len(owners) > 0:
			r.smap.Assign(op.NewNode, owners[0])
		default:
			r.smap.Assign(op.NewNode, r.smap.Shards()[0])
		}

	case wire.OpRemoveNode:
		closure := r.tree.Descendants(op.Node)
		if err := r.tree.Apply(op); err != nil {
			slog.Debug("committed op skipped", "op", op.Kind.String(), "error", err)
			return
		}
		for n := range closure {
			r.smap.Remove(n)
		}

	case wire.OpBatchStructure:
		for _, nested := range op.StructureOps {
			r.applySceneOpLocked(nested)
		}

	default:
		if err := r.tree.Apply(op); err != nil {
			slog.Debug("committed op skipped", "op", op.Kind.String(), "error", err)
		}
	}
}

// applyDeferredLocked applies one gated migration command.
func (r *Replica) applyDeferredLocked(d txn.DeferredCmd) {
	switch d.Cmd.Kind {
	case wire.CmdStateTransfer:
		if err := r.tree.InstallState(d.Cmd.Node, *d.Cmd.State); err != nil {
			slog.Warn("state transfer skipped", "node", d.Cmd.Node, "error", err)
			return
		}
		r.smap.Assign(d.Cmd.Node, d.Shard)

	case wire.CmdDetachChild:
		r.tree.DetachChild(d.Cmd.Child)

	case wire.CmdShardRemove:
		// The node stays if this replica still replicates it through its
		// new shard; only a replica that lost all ownership drops the copy.
		for _, s := range r.smap.Lookup(d.Cmd.Node) {
			if _, ok := r.logs[s]; ok {
				return
			}
		}
		r.tree.RemoveLocal(d.Cmd.Node)

	case wire.CmdAttachChild:
		if err := r.tree.AttachChild(d.Cmd.Parent, d.Cmd.Child, int(d.Cmd.Position)); err != nil {
			slog.Warn("attach skipped", "child", d.Cmd.Child, "error", err)
		}
	}
}

// checkInvariantsLocked validates the LCRS invariants when this replica
// holds a full view. A violation halts the replica rather than letting it
// diverge.
func (r *Replica) checkInvariantsLocked() {
	for _, s := range r.smap.Shards() {
		if _, ok := r.logs[s]; !ok {
			return // partial view; full validation is not meaningful
		}
	}
	if err := r.tree.Validate(); err != nil {
		slog.Error("scene invariant violated, halting replica",
			"replica", r.id, "error", err)
		r.halted.Store(true)
	}
}
