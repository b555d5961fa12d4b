package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/scenestore/internal/consensus"
	"github.com/roach88/scenestore/internal/wire"
)

// Run starts one applier loop per shard this replica replicates and blocks
// until the context is cancelled. Each loop is the single writer for the
// entries of its shard; cross-shard effects (transaction commits) funnel
// through the replica mutex.
func (r *Replica) Run(ctx context.Context) error {
	slog.Info("replica starting", "replica", r.id, "shards", len(r.logs))

	var wg sync.WaitGroup
	for shard, h := range r.logs {
		wg.Add(1)
		go func(shard wire.ShardID, h *consensus.Handle) {
			defer wg.Done()
			r.applyLoop(ctx, shard, h)
		}(shard, h)
	}
	wg.Wait()

	slog.Info("replica stopping", "replica", r.id)
	return ctx.Err()
}

// applyLoop advances the applied cursor whenever the commit index moves.
// Edge-triggered: the commit signal channel coalesces bursts; every wakeup
// re-checks the cursor against the commit index.
func (r *Replica) applyLoop(ctx context.Context, shard wire.ShardID, h *consensus.Handle) {
	for {
		if err := r.CatchUp(ctx, shard); err != nil {
			slog.Error("applier error", "replica", r.id, "shard", shard, "error", err)
			return
		}
		if r.halted.Load() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-h.Commits():
		}
	}
}

// CatchUp applies every committed-but-unapplied entry of one shard, in log
// order, exactly once. Also the recovery replay: a rejoining replica calls
// it for each shard to fold (appliedIndex, commitIndex] back into state.
func (r *Replica) CatchUp(ctx context.Context, shard wire.ShardID) error {
	h, ok := r.logs[shard]
	if !ok {
		return fmt.Errorf("replica %s does not replicate shard %d", r.id, shard)
	}

	r.applyMu[shard].Lock()
	defer r.applyMu[shard].Unlock()

	for {
		if r.halted.Load() || r.crashed.Load() {
			return nil
		}

		r.mu.Lock()
		next := r.applied[shard] + 1
		r.mu.Unlock()

		if next > h.CommitIndex() {
			return nil
		}

		e, err := h.Entry(next)
		if err != nil {
			return fmt.Errorf("shard %d idx %d: %w", shard, next, err)
		}

		if !r.dispatch(ctx, shard, next, e) {
			// Interrupted mid-entry (crash, halt, cancellation): leave the
			// cursor so recovery re-dispatches this entry.
			return nil
		}

		r.mu.Lock()
		r.applied[shard] = next
		r.mu.Unlock()

		if r.st != nil {
			if err := r.st.SetAppliedIndex(ctx, r.id, shard, next); err != nil {
				return err
			}
		}

		// Each advance may make a pending transaction resolvable.
		r.mgr.ResolveAll()
	}
}

// dispatch routes one committed entry. Receiving any entry is an HLC
// message event, so the remote timestamp merges in first.
//
// A txn entry is a suspension point: the applier does not advance past it
// until the transaction reaches a terminal status. This keeps a shard's
// transactions applying in its log order — a later single-shard write can
// never overtake the cross-shard transaction it depends on.
//
// Returns false if the entry was interrupted before completing and must be
// re-dispatched.
func (r *Replica) dispatch(ctx context.Context, shard wire.ShardID, idx uint64, e wire.Entry) bool {
	r.clock.Observe(e.HLC)

	switch e.Cmd.Kind {
	case wire.CmdSceneOp:
		r.mu.Lock()
		if r.inScopeLocked(*e.Cmd.Op) {
			r.applySceneOpLocked(*e.Cmd.Op)
			r.checkInvariantsLocked()
		}
		r.mu.Unlock()
		return true

	case wire.CmdTxnState:
		r.mgr.ObserveIntent(e.Cmd.Txn)
		return r.waitTerminal(ctx, e.Cmd.TxnID)

	case wire.CmdTxnCommit:
		r.mgr.ObserveStub(e.Cmd.TxnID)
		return r.waitTerminal(ctx, e.Cmd.TxnID)

	case wire.CmdTxnAbort:
		r.mgr.ObserveAbort(e.Cmd.TxnID)
		return true

	case wire.CmdStateTransfer, wire.CmdShardRemove, wire.CmdDetachChild, wire.CmdAttachChild:
		// Migration commands apply through their transaction's commit; the
		// committed prefix is their source of truth.
		return true

	default:
		slog.Warn("unknown command kind skipped",
			"shard", shard, "index", idx, "kind", uint8(e.Cmd.Kind))
		return true
	}
}

// waitTerminal blocks until a transaction leaves COMMITTING, re-running
// CheckParallelCommit and the HLC window check while it waits. Resolution
// depends only on commit indexes, never on this applier advancing, so the
// wait cannot deadlock. A crash, halt, or cancellation abandons the wait and
// returns false; the entry is re-dispatched on recovery.
func (r *Replica) waitTerminal(ctx context.Context, txnID uint64) bool {
	for {
		status, _, ok := r.mgr.Status(txnID)
		if !ok || status != wire.TxnCommitting {
			return true
		}
		if r.halted.Load() || r.crashed.Load() {
			return false
		}

		r.mgr.Resolve(txnID)
		r.mgr.CheckTimeouts()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Millisecond):
		}
	}
}
