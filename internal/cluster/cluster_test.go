package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenestore/internal/hlc"
	"github.com/roach88/scenestore/internal/wire"
)

func TestNew_WiresGroupsAndReplicas(t *testing.T) {
	cfg := DefaultConfig()
	c, err := New(cfg, nil, hlc.NewCountingTicks(1))
	require.NoError(t, err)

	replicas := c.Replicas()
	require.Len(t, replicas, 3)
	assert.Equal(t, "node-0", replicas[0].ID())
	assert.Equal(t, "node-2", replicas[2].ID())

	for s := 0; s < cfg.Shards; s++ {
		g := c.Group(wire.ShardID(s))
		require.NotNil(t, g)
		assert.Equal(t, "node-0", g.Leader())
	}

	leader, err := c.LeaderReplica(0)
	require.NoError(t, err)
	assert.Equal(t, "node-0", leader.ID())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 0
	_, err := New(cfg, nil, hlc.NewCountingTicks(1))
	require.Error(t, err)
}

func TestLeaderReplica_UnknownShard(t *testing.T) {
	c, err := New(DefaultConfig(), nil, hlc.NewCountingTicks(1))
	require.NoError(t, err)
	_, err = c.LeaderReplica(42)
	require.Error(t, err)
}
