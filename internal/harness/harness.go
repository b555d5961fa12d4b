package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/scenestore/internal/cluster"
	"github.com/roach88/scenestore/internal/hlc"
	"github.com/roach88/scenestore/internal/server"
	"github.com/roach88/scenestore/internal/wire"
)

// Reference cluster shape for scenarios: two shards, three replicas.
const (
	scenarioShards   = 2
	scenarioReplicas = 3
)

// Run executes a scenario against a fresh in-process cluster and returns
// its result. The tick source steps in the background so the HLC drift
// window stays live while a submit waits out a stalled shard.
func Run(s *Scenario) (*Result, error) {
	cfg := cluster.DefaultConfig()
	cfg.Shards = scenarioShards
	cfg.Replicas = scenarioReplicas

	ticks := hlc.NewCountingTicks(1)
	c, err := cluster.New(cfg, nil, ticks)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	stopTicks := make(chan struct{})
	defer close(stopTicks)
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopTicks:
				return
			case <-ticker.C:
				ticks.Step(1)
			}
		}
	}()

	result := &Result{ScenarioName: s.Name, Statuses: []string{}}

	for i, step := range s.Steps {
		switch {
		case step.Submit != nil:
			ops, err := decodeOps(step.Submit)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			leader, err := c.LeaderReplica(0)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			res, err := leader.Submit(ctx, ops)
			if err != nil {
				return nil, fmt.Errorf("step %d: submit: %w", i, err)
			}
			result.Statuses = append(result.Statuses, res.Status.String())

		case step.Stall != nil:
			c.Group(wire.ShardID(*step.Stall)).Stall()

		case step.Resume != nil:
			if err := c.Group(wire.ShardID(*step.Resume)).Resume(); err != nil {
				return nil, fmt.Errorf("step %d: resume: %w", i, err)
			}

		case step.Crash != "":
			c.Replica(step.Crash).Crash()

		case step.Recover != "":
			if err := c.Replica(step.Recover).Recover(ctx); err != nil {
				return nil, fmt.Errorf("step %d: recover: %w", i, err)
			}

		default:
			return nil, fmt.Errorf("step %d: empty step", i)
		}
	}

	// Let the non-submitting replicas drain before the final snapshot.
	time.Sleep(50 * time.Millisecond)

	leader, err := c.LeaderReplica(0)
	if err != nil {
		return nil, err
	}
	tree := leader.Snapshot()
	if err := tree.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: final tree invalid: %w", s.Name, err)
	}
	result.Tree = tree.Dump()
	return result, nil
}

// decodeOps converts scenario op maps (YAML) through the RPC surface's JSON
// schema, so scenarios and clients share one op vocabulary.
func decodeOps(raw []map[string]any) ([]wire.Op, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var js []server.OpJSON
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, err
	}
	return server.ToOps(js)
}
