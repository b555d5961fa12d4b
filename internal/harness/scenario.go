// Package harness executes scripted end-to-end scenarios against an
// in-process cluster and snapshots the outcome for golden comparison.
package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenestore/internal/scene"
)

// Scenario is one scripted run: a name and an ordered list of steps.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is a single scripted action. Exactly one field should be set.
type Step struct {
	// Submit sends the listed ops as one transaction. Ops use the same
	// field names as the HTTP surface (kind, target, new_node, ...).
	Submit []map[string]any `yaml:"submit,omitempty"`

	// Stall suspends commit advancement on a shard (partition injection).
	Stall *int `yaml:"stall,omitempty"`

	// Resume lifts a stall.
	Resume *int `yaml:"resume,omitempty"`

	// Crash marks a replica crashed by name.
	Crash string `yaml:"crash,omitempty"`

	// Recover replays a crashed replica back to the commit frontier.
	Recover string `yaml:"recover,omitempty"`
}

// Result captures a scenario's observable outcome: the terminal status of
// every submitted transaction in order, and the leader's final tree.
// Timestamps and transaction ids are deliberately excluded so the snapshot
// is stable across runs.
type Result struct {
	ScenarioName string           `json:"scenario_name"`
	Statuses     []string         `json:"statuses"`
	Tree         []scene.NodeDump `json:"tree"`
}

// Load reads a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("scenario %s: missing name", path)
	}
	return &s, nil
}
