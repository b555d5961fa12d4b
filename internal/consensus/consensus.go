// Package consensus exposes the per-shard replicated log contract the core
// consumes, together with an in-process implementation backing the
// single-binary cluster and the test suite.
//
// The contract is the Raft surface and nothing more: leader-only append,
// a monotone commit index, immutable committed entries, the current leader,
// and edge-triggered commit/leader-change notification. Election, heartbeats
// and snapshotting live behind it and are out of scope here.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/scenestore/internal/store"
	"github.com/roach88/scenestore/internal/wire"
)

// ErrNotLeader is returned by Append when the handle's replica is not the
// shard leader. The caller retries against the current leader.
var ErrNotLeader = errors.New("not the shard leader")

// Service is the per-shard log surface consumed by the coordinator and the
// applier loops. One Service handle is bound to one (replica, shard) pair.
type Service interface {
	// Append appends an entry. Leader-only; returns the assigned index.
	Append(ctx context.Context, e wire.Entry) (uint64, error)

	// CommitIndex returns the highest replicated-stable index. Monotone.
	CommitIndex() uint64

	// Entry returns the committed entry at index i (1-based).
	Entry(i uint64) (wire.Entry, error)

	// Leader returns the id of the current shard leader.
	Leader() string

	// Commits returns an edge-triggered signal channel: a receive means the
	// commit index may have advanced since the last check.
	Commits() <-chan struct{}

	// LeaderChanges returns an edge-triggered signal channel fired on
	// leadership transfer.
	LeaderChanges() <-chan struct{}
}

// Group is one shard's replicated log. Replica handles share the group; the
// committed prefix is identical across them by construction.
type Group struct {
	shard wire.ShardID

	mu          sync.Mutex
	term        uint64
	leader      string
	entries     []wire.Entry // entries[0] holds index 1
	commitIndex uint64
	stalled     bool

	st *store.Store // optional durability; nil in pure in-memory tests

	commitWatch []chan struct{}
	leaderWatch []chan struct{}
}

// NewGroup creates the log for one shard with the given initial leader.
// When st is non-nil, previously persisted entries and the commit cursor are
// recovered from it.
func NewGroup(shard wire.ShardID, leader string, st *store.Store) (*Group, error) {
	g := &Group{shard: shard, term: 1, leader: leader, st: st}
	if st == nil {
		return g, nil
	}

	ctx := context.Background()
	last, err := st.LastIndex(ctx, shard)
	if err != nil {
		return nil, fmt.Errorf("recover shard %d: %w", shard, err)
	}
	if last > 0 {
		entries, err := st.Range(ctx, shard, 0, last)
		if err != nil {
			return nil, fmt.Errorf("recover shard %d: %w", shard, err)
		}
		g.entries = entries
	}
	commit, err := st.CommitIndex(ctx, shard)
	if err != nil {
		return nil, fmt.Errorf("recover shard %d: %w", shard, err)
	}
	g.commitIndex = commit
	if g.commitIndex > 0 || len(g.entries) > 0 {
		slog.Info("recovered shard log",
			"shard", shard, "entries", len(g.entries), "commit_index", commit)
	}
	return g, nil
}

// Shard returns the shard this group replicates.
func (g *Group) Shard() wire.ShardID {
	return g.shard
}

// Leader returns the current leader's replica id.
func (g *Group) Leader() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader
}

// Handle binds a replica id to the group, yielding its Service view.
func (g *Group) Handle(replica string) *Handle {
	h := &Handle{group: g, replica: replica,
		commits: make(chan struct{}, 1),
		leaders: make(chan struct{}, 1),
	}
	g.mu.Lock()
	g.commitWatch = append(g.commitWatch, h.commits)
	g.leaderWatch = append(g.leaderWatch, h.leaders)
	g.mu.Unlock()
	return h
}

// SetLeader transfers leadership and bumps the term.
func (g *Group) SetLeader(replica string) {
	g.mu.Lock()
	g.term++
	g.leader = replica
	watchers := append([]chan struct{}(nil), g.leaderWatch...)
	g.mu.Unlock()

	slog.Info("shard leader changed", "shard", g.shard, "leader", replica)
	notifyAll(watchers)
}

// Stall suspends commit advancement, simulating a partition between the
// leader and its quorum. Appends still land in the leader's log.
func (g *Group) Stall() {
	g.mu.Lock()
	g.stalled = true
	g.mu.Unlock()
}

// Resume lifts a Stall and commits everything appended in the meantime.
func (g *Group) Resume() error {
	g.mu.Lock()
	g.stalled = false
	g.mu.Unlock()
	return g.advanceCommit()
}

func (g *Group) append(ctx context.Context, replica string, e wire.Entry) (uint64, error) {
	g.mu.Lock()
	if g.leader != replica {
		leader := g.leader
		g.mu.Unlock()
		return 0, fmt.Errorf("shard %d led by %q: %w", g.shard, leader, ErrNotLeader)
	}
	e.Term = g.term
	e.Shard = g.shard
	g.entries = append(g.entries, e)
	idx := uint64(len(g.entries))
	g.mu.Unlock()

	if g.st != nil {
		if err := g.st.AppendEntry(ctx, g.shard, idx, e); err != nil {
			return 0, err
		}
	}

	if err := g.advanceCommit(); err != nil {
		return 0, err
	}
	return idx, nil
}

// advanceCommit moves the commit index to the end of the log unless the
// group is stalled, persists the cursor, and signals watchers.
func (g *Group) advanceCommit() error {
	g.mu.Lock()
	if g.stalled || g.commitIndex >= uint64(len(g.entries)) {
		g.mu.Unlock()
		return nil
	}
	g.commitIndex = uint64(len(g.entries))
	idx := g.commitIndex
	watchers := append([]chan struct{}(nil), g.commitWatch...)
	g.mu.Unlock()

	if g.st != nil {
		if err := g.st.SetCommitIndex(context.Background(), g.shard, idx); err != nil {
			return err
		}
	}

	notifyAll(watchers)
	return nil
}

// notifyAll performs a coalescing non-blocking send on every watcher: a full
// buffer already carries the edge.
func notifyAll(watchers []chan struct{}) {
	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Handle is one replica's view of a shard group. Implements Service.
type Handle struct {
	group   *Group
	replica string
	commits chan struct{}
	leaders chan struct{}
}

var _ Service = (*Handle)(nil)

// Append appends an entry through this replica. Fails with ErrNotLeader
// unless the replica currently leads the shard.
func (h *Handle) Append(ctx context.Context, e wire.Entry) (uint64, error) {
	return h.group.append(ctx, h.replica, e)
}

// CommitIndex returns the shard's commit cursor.
func (h *Handle) CommitIndex() uint64 {
	h.group.mu.Lock()
	defer h.group.mu.Unlock()
	return h.group.commitIndex
}

// Entry returns the entry at index i (1-based).
func (h *Handle) Entry(i uint64) (wire.Entry, error) {
	h.group.mu.Lock()
	defer h.group.mu.Unlock()
	if i == 0 || i > uint64(len(h.group.entries)) {
		return wire.Entry{}, fmt.Errorf("shard %d: no entry at index %d", h.group.shard, i)
	}
	return h.group.entries[i-1], nil
}

// Leader returns the current leader's replica id.
func (h *Handle) Leader() string {
	h.group.mu.Lock()
	defer h.group.mu.Unlock()
	return h.group.leader
}

// IsLeader reports whether this handle's replica leads the shard.
func (h *Handle) IsLeader() bool {
	return h.Leader() == h.replica
}

// Commits returns this handle's commit signal channel.
func (h *Handle) Commits() <-chan struct{} {
	return h.commits
}

// LeaderChanges returns this handle's leader-change signal channel.
func (h *Handle) LeaderChanges() <-chan struct{} {
	return h.leaders
}
