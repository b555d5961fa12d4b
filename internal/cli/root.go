// Package cli implements the scenestore command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the root command for the scenestore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scenestore",
		Short: "Replicated, sharded scene-graph store",
		Long: "scenestore replicates a scene tree across shards through per-shard\n" +
			"consensus logs and commits cross-shard transactions with parallel commit.",
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))

	return cmd
}
