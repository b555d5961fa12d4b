package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/scenestore/internal/consensus"
	"github.com/roach88/scenestore/internal/hlc"
	"github.com/roach88/scenestore/internal/replica"
	"github.com/roach88/scenestore/internal/store"
	"github.com/roach88/scenestore/internal/wire"
)

// Cluster is a running set of shard groups and replicas in one process.
type Cluster struct {
	cfg      Config
	groups   map[wire.ShardID]*consensus.Group
	replicas map[string]*replica.Replica
	order    []string
}

// New builds a cluster. Shard leadership starts on the first replica. When
// st is non-nil, shard logs recover from and persist to it. Each replica
// gets its own HLC over the shared tick source.
func New(cfg Config, st *store.Store, ticks hlc.TickSource) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ticks == nil {
		ticks = hlc.NewWallTicks(time.Duration(cfg.TickIntervalMS) * time.Millisecond)
	}

	c := &Cluster{
		cfg:      cfg,
		groups:   make(map[wire.ShardID]*consensus.Group, cfg.Shards),
		replicas: make(map[string]*replica.Replica, cfg.Replicas),
	}

	leader := replicaName(0)
	groups := make([]*consensus.Group, 0, cfg.Shards)
	for s := 0; s < cfg.Shards; s++ {
		g, err := consensus.NewGroup(wire.ShardID(s), leader, st)
		if err != nil {
			return nil, err
		}
		c.groups[wire.ShardID(s)] = g
		groups = append(groups, g)
	}

	for i := 0; i < cfg.Replicas; i++ {
		name := replicaName(i)
		r := replica.New(name, groups, hlc.NewClock(ticks), cfg.MaxLatency, st)
		c.replicas[name] = r
		c.order = append(c.order, name)
	}

	return c, nil
}

func replicaName(i int) string {
	return fmt.Sprintf("node-%d", i)
}

// Run starts every replica's applier loops and blocks until the context is
// cancelled.
func (c *Cluster) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, name := range c.order {
		r := c.replicas[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Config returns the cluster's configuration.
func (c *Cluster) Config() Config {
	return c.cfg
}

// Group returns the consensus group for a shard.
func (c *Cluster) Group(s wire.ShardID) *consensus.Group {
	return c.groups[s]
}

// Replica returns a replica by name.
func (c *Cluster) Replica(name string) *replica.Replica {
	return c.replicas[name]
}

// Replicas returns the replicas in creation order.
func (c *Cluster) Replicas() []*replica.Replica {
	out := make([]*replica.Replica, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.replicas[name])
	}
	return out
}

// LeaderReplica returns the replica leading a shard.
func (c *Cluster) LeaderReplica(s wire.ShardID) (*replica.Replica, error) {
	g, ok := c.groups[s]
	if !ok {
		return nil, fmt.Errorf("no shard %d", s)
	}
	r := c.replicas[g.Leader()]
	if r == nil {
		return nil, fmt.Errorf("shard %d led by unknown replica", s)
	}
	return r, nil
}
