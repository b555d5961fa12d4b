package txn

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/scenestore/internal/consensus"
	"github.com/roach88/scenestore/internal/hlc"
	"github.com/roach88/scenestore/internal/scene"
	"github.com/roach88/scenestore/internal/wire"
)

// DeferredCmd is one migration command of a transaction's fan-out, read out
// of a committed prefix. Application is gated on the commit transition.
type DeferredCmd struct {
	Shard wire.ShardID
	Index uint64
	Cmd   wire.Command
}

// pendingTxn is one in-flight transaction on this replica.
type pendingTxn struct {
	rec    *wire.TxnRecord
	status wire.TxnStatus
	reason AbortReason
	done   chan wire.TxnStatus // non-nil only for coordinator-originated txns
}

// Manager is a replica's pending-transaction table and the parallel-commit
// decision procedure. Appliers feed it observed log entries; the coordinator
// registers transactions it originates and waits for a terminal status.
//
// The table is owned by the replica but touched from every shard applier,
// so all access funnels through one mutex.
type Manager struct {
	mu      sync.Mutex
	pending map[uint64]*pendingTxn

	clock      *hlc.Clock
	maxLatency uint64
	logs       map[wire.ShardID]consensus.Service

	// snapshot returns a consistent copy of the replica's applied scene,
	// used as the conflict detector's tree input.
	snapshot func() *scene.Tree

	// commit applies a resolved transaction: its ops plus any deferred
	// migration commands, in deterministic order. Invoked exactly once per
	// transaction, under the manager lock.
	commit func(rec *wire.TxnRecord, deferred []DeferredCmd)
}

// NewManager creates the pending table for one replica.
func NewManager(
	clock *hlc.Clock,
	maxLatency uint64,
	logs map[wire.ShardID]consensus.Service,
	snapshot func() *scene.Tree,
	commit func(rec *wire.TxnRecord, deferred []DeferredCmd),
) *Manager {
	return &Manager{
		pending:    make(map[uint64]*pendingTxn),
		clock:      clock,
		maxLatency: maxLatency,
		logs:       logs,
		snapshot:   snapshot,
		commit:     commit,
	}
}

// Register records a coordinator-originated transaction and returns the
// channel its terminal status will be delivered on.
func (m *Manager) Register(rec *wire.TxnRecord) <-chan wire.TxnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.entry(rec.ID)
	p.rec = rec
	p.done = make(chan wire.TxnStatus, 1)
	return p.done
}

// ObserveIntent folds a committed coordinator intent into the table and
// attempts resolution.
func (m *Manager) ObserveIntent(rec *wire.TxnRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.entry(rec.ID)
	if p.rec == nil {
		p.rec = rec
	}
	m.tryResolve(p)
}

// ObserveStub attempts resolution on a committed participant stub. The
// intent itself is recovered from the coordinator shard's committed prefix
// if this replica has not dispatched it yet.
func (m *Manager) ObserveStub(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tryResolve(m.entry(txnID))
}

// ObserveAbort transitions a transaction to ABORTED on an abort record.
func (m *Manager) ObserveAbort(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.entry(txnID)
	m.finish(p, wire.TxnAborted, p.reason)
}

// ObserveAbortReason transitions a transaction to ABORTED with an explicit
// reason. Used by the coordinator when staging fails.
func (m *Manager) ObserveAbortReason(txnID uint64, reason AbortReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.entry(txnID)
	m.finish(p, wire.TxnAborted, reason)
}

// Resolve re-runs the parallel-commit check for a transaction. Called by
// appliers after each commit-index advance.
func (m *Manager) Resolve(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[txnID]; ok {
		m.tryResolve(p)
	}
}

// ResolveAll re-checks every COMMITTING transaction. Driven by commit
// signals and the coordinator's tick loop.
func (m *Manager) ResolveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pending {
		if p.status == wire.TxnCommitting {
			m.tryResolve(p)
		}
	}
}

// CheckTimeouts aborts every COMMITTING transaction whose HLC has drifted
// more than MaxLatency ticks behind the local clock. The implicit-commit
// check runs first — a transaction whose entries are all committed resolves
// rather than timing out. Returns the ids it aborted; the coordinator writes
// the ABORT records once the terminal status reaches its done channel.
func (m *Manager) CheckTimeouts() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var aborted []uint64
	for id, p := range m.pending {
		if p.status != wire.TxnCommitting || p.rec == nil {
			continue
		}
		m.tryResolve(p)
		if p.status != wire.TxnCommitting {
			continue
		}
		if m.clock.Drift(p.rec.HLC) > m.maxLatency {
			m.finish(p, wire.TxnAborted, ReasonHLCWindow)
			aborted = append(aborted, id)
		}
	}
	return aborted
}

// Status returns a transaction's current status and abort reason.
func (m *Manager) Status(txnID uint64) (wire.TxnStatus, AbortReason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[txnID]
	if !ok {
		return 0, "", false
	}
	return p.status, p.reason, true
}

// GC drops terminal records older than the oldest in-flight transaction
// plus MaxLatency. A terminal record must stay addressable until nothing
// running could still conflict-check against it.
func (m *Manager) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := m.clock.Now().L
	for _, p := range m.pending {
		if p.status == wire.TxnCommitting && p.rec != nil && p.rec.HLC.L < horizon {
			horizon = p.rec.HLC.L
		}
	}

	removed := 0
	for id, p := range m.pending {
		if p.status == wire.TxnCommitting || p.rec == nil {
			continue
		}
		if p.rec.HLC.L+m.maxLatency < horizon {
			delete(m.pending, id)
			removed++
		}
	}
	return removed
}

// deferredRank orders migration command kinds for application.
func deferredRank(k wire.CmdKind) int {
	switch k {
	case wire.CmdDetachChild:
		return 0
	case wire.CmdStateTransfer:
		return 1
	case wire.CmdShardRemove:
		return 2
	case wire.CmdAttachChild:
		return 3
	default:
		return 4
	}
}

// entry returns the pending record for txnID, creating a shell if the first
// observation arrives before the intent. Caller holds the lock.
func (m *Manager) entry(txnID uint64) *pendingTxn {
	p, ok := m.pending[txnID]
	if !ok {
		p = &pendingTxn{status: wire.TxnCommitting}
		m.pending[txnID] = p
	}
	return p
}

// tryResolve runs CheckParallelCommit against the committed prefixes: the
// transaction is committed as soon as every participant's txn entry sits at
// or below that shard's commit index. Everything the decision needs — the
// intent, the participant entries, abort records, and the migration fan-out —
// is read out of the prefixes, so every replica reaches the same verdict
// regardless of how far its own appliers have dispatched. Caller holds the
// lock.
func (m *Manager) tryResolve(p *pendingTxn) {
	if p.status != wire.TxnCommitting {
		return
	}

	prefix := m.committedPrefix()

	id, ok := m.pendingID(p)
	if !ok {
		return
	}
	if p.rec == nil {
		// Stub dispatched before the intent: adopt the intent from the
		// coordinator shard's committed prefix.
		for _, pe := range prefix {
			if pe.E.Cmd.Kind == wire.CmdTxnState && pe.E.Cmd.TxnID == id {
				p.rec = pe.E.Cmd.Txn
				break
			}
		}
		if p.rec == nil {
			return
		}
	}

	// A committed ABORT record is terminal and wins over the implicit
	// commit: the coordinator stages it before any stalled participant can
	// commit its stub, so every replica reads the same verdict out of the
	// log.
	for _, pe := range prefix {
		if pe.E.Cmd.Kind == wire.CmdTxnAbort && pe.E.Cmd.TxnID == p.rec.ID {
			m.finish(p, wire.TxnAborted, p.reason)
			return
		}
	}

	// Implicit-commit check: one committed txn entry per participant.
	staged := make(map[wire.ShardID]bool)
	for _, pe := range prefix {
		if (pe.E.Cmd.Kind == wire.CmdTxnState || pe.E.Cmd.Kind == wire.CmdTxnCommit) &&
			pe.E.Cmd.TxnID == p.rec.ID {
			staged[pe.Shard] = true
		}
	}
	for _, shard := range p.rec.Shards {
		if !staged[shard] {
			return
		}
	}

	// Run the conflict check against the committed prefixes before making
	// the transaction visible.
	if abort, committed, mine := MustAbort(m.snapshot(), p.rec, prefix); abort {
		slog.Info("transaction aborted on conflict",
			"txn_id", p.rec.ID,
			"committed_op", committed.Kind.String(),
			"candidate_op", mine.Kind.String(),
		)
		m.finish(p, wire.TxnAborted, ReasonConflict)
		return
	}

	// Collect the transaction's migration fan-out from the prefixes. The
	// coordinator appends fan-out entries before the txn entries on the
	// same shards, so the set is complete once the transaction is
	// implicitly committed.
	var deferred []DeferredCmd
	for _, pe := range prefix {
		switch pe.E.Cmd.Kind {
		case wire.CmdStateTransfer, wire.CmdShardRemove, wire.CmdDetachChild, wire.CmdAttachChild:
			if pe.E.Cmd.TxnID == p.rec.ID {
				deferred = append(deferred, DeferredCmd{Shard: pe.Shard, Index: pe.Index, Cmd: pe.E.Cmd})
			}
		}
	}

	// Deterministic application order for migration commands. Detach runs
	// first: it bridges the old sibling chain while the live pointers are
	// still intact (the transferred root carries a cleared sibling link).
	// Transfers install state and reassign the shard map before removes
	// consult it; attach rewires the parent last.
	sort.Slice(deferred, func(i, j int) bool {
		ri, rj := deferredRank(deferred[i].Cmd.Kind), deferredRank(deferred[j].Cmd.Kind)
		if ri != rj {
			return ri < rj
		}
		if deferred[i].Shard != deferred[j].Shard {
			return deferred[i].Shard < deferred[j].Shard
		}
		return deferred[i].Index < deferred[j].Index
	})

	rec := p.rec
	m.finish(p, wire.TxnCommitted, "")

	m.commit(rec, deferred)
}

// pendingID recovers the id a shell entry is stored under. Caller holds the
// lock.
func (m *Manager) pendingID(p *pendingTxn) (uint64, bool) {
	if p.rec != nil {
		return p.rec.ID, true
	}
	for id, cand := range m.pending {
		if cand == p {
			return id, true
		}
	}
	return 0, false
}

// committedPrefix collects every committed entry across all shard logs,
// with positions. Caller holds the lock.
func (m *Manager) committedPrefix() []PrefixEntry {
	var prefix []PrefixEntry
	shards := make([]wire.ShardID, 0, len(m.logs))
	for s := range m.logs {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	for _, s := range shards {
		log := m.logs[s]
		limit := log.CommitIndex()
		for i := uint64(1); i <= limit; i++ {
			e, err := log.Entry(i)
			if err != nil {
				break
			}
			prefix = append(prefix, PrefixEntry{Shard: s, Index: i, E: e})
		}
	}
	return prefix
}

// finish transitions a transaction to a terminal status exactly once.
// The table's status field is the authority; the record itself is shared
// with the log and never mutated. Caller holds the lock.
func (m *Manager) finish(p *pendingTxn, status wire.TxnStatus, reason AbortReason) {
	if p.status != wire.TxnCommitting {
		return
	}
	p.status = status
	p.reason = reason
	if p.done != nil {
		p.done <- status
	}
}
