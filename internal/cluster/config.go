// Package cluster assembles a single-process scenestore cluster: one
// consensus group per shard, a set of replicas each replicating every shard,
// and the shared tick source their clocks draw from.
package cluster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the cluster configuration, loadable from YAML.
type Config struct {
	// Shards is the number of replication groups. Reference config: 2.
	Shards int `yaml:"shards"`

	// Replicas is the number of nodes; each replicates every shard.
	// Reference config: 3 or more.
	Replicas int `yaml:"replicas"`

	// MaxLatency is the HLC drift window in ticks before a COMMITTING
	// transaction aborts.
	MaxLatency uint64 `yaml:"max_latency"`

	// TickIntervalMS is the physical duration of one HLC tick, in
	// milliseconds.
	TickIntervalMS int `yaml:"tick_interval_ms"`

	// Listen is the HTTP listen address for the client RPC surface.
	Listen string `yaml:"listen"`

	// Database is the SQLite path for durable log segments. Empty keeps
	// the logs in memory only.
	Database string `yaml:"database"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Shards:         2,
		Replicas:       3,
		MaxLatency:     16,
		TickIntervalMS: 10,
		Listen:         "127.0.0.1:7411",
	}
}

// LoadConfig reads a YAML config file, filling unset fields from the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the cluster cannot run.
func (c Config) Validate() error {
	if c.Shards < 1 {
		return fmt.Errorf("config: shards must be >= 1, got %d", c.Shards)
	}
	if c.Shards > 64 {
		return fmt.Errorf("config: shards must fit the wire bitset (<= 64), got %d", c.Shards)
	}
	if c.Replicas < 1 {
		return fmt.Errorf("config: replicas must be >= 1, got %d", c.Replicas)
	}
	if c.MaxLatency == 0 {
		return fmt.Errorf("config: max_latency must be > 0")
	}
	return nil
}
