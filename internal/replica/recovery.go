package replica

import (
	"context"
	"log/slog"
	"sort"

	"github.com/roach88/scenestore/internal/wire"
)

// Crash marks the replica crashed: its appliers stop advancing and reads of
// its state reflect the moment of the crash. The durable log and the
// replica's applied cursors survive.
func (r *Replica) Crash() {
	r.crashed.Store(true)
	slog.Warn("replica crashed", "replica", r.id)
}

// Crashed reports whether the replica is currently marked crashed.
func (r *Replica) Crashed() bool {
	return r.crashed.Load()
}

// Recover rejoins a crashed replica: for every shard it replicates, replay
// (appliedIndex, commitIndex] in log order through the applier. State
// transfers encountered during replay replace local node records wholesale,
// exactly as they do in live application. The crashed mark is cleared before
// the replay starts, not after it, since CatchUp does not advance a crashed
// replica; Crashed reports false while the replay runs.
func (r *Replica) Recover(ctx context.Context) error {
	r.crashed.Store(false)

	shards := make([]wire.ShardID, 0, len(r.logs))
	for s := range r.logs {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	for _, s := range shards {
		from := r.AppliedIndex(s)
		if err := r.CatchUp(ctx, s); err != nil {
			return err
		}
		slog.Info("shard replayed",
			"replica", r.id, "shard", s,
			"from", from, "to", r.AppliedIndex(s))
	}

	slog.Info("recovery complete", "replica", r.id)
	return nil
}
