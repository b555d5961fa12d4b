// Package testutil provides deterministic fixtures shared across test
// packages: a stepped tick source and a ready-to-use in-process cluster.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/scenestore/internal/cluster"
	"github.com/roach88/scenestore/internal/hlc"
)

// Fixture is a running test cluster with a controllable tick source.
type Fixture struct {
	Cluster *cluster.Cluster
	Ticks   *hlc.CountingTicks
	cancel  context.CancelFunc
}

// StartCluster builds and runs an in-memory cluster with the given shape.
// The tick source starts at 1 and advances only when stepped (or via
// AutoTick). Appliers stop at test cleanup.
func StartCluster(t *testing.T, shards, replicas int) *Fixture {
	t.Helper()

	cfg := cluster.DefaultConfig()
	cfg.Shards = shards
	cfg.Replicas = replicas

	ticks := hlc.NewCountingTicks(1)
	c, err := cluster.New(cfg, nil, ticks)
	if err != nil {
		t.Fatalf("build cluster: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()

	f := &Fixture{Cluster: c, Ticks: ticks, cancel: cancel}
	t.Cleanup(f.Stop)
	return f
}

// AutoTick steps the tick source on a short interval for the rest of the
// test, keeping the HLC drift window live while a submit blocks.
func (f *Fixture) AutoTick(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f.Ticks.Step(1)
			}
		}
	}()
	t.Cleanup(func() { close(done) })
}

// Stop shuts the cluster's appliers down.
func (f *Fixture) Stop() {
	f.cancel()
}

// Settle gives cross-replica appliers a moment to drain. State on the
// submitting replica is already applied when Submit returns; this is only
// for assertions against the other replicas.
func (f *Fixture) Settle() {
	time.Sleep(50 * time.Millisecond)
}
