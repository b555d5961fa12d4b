package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/scenestore/internal/server"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Addr     string
	Children bool
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <node-id>",
		Short: "Read one scene node from the shard leader",
		Long: `Read a node's pointers and properties, or its ordered children.

Example:
  scenestore get 1
  scenestore get 1 --children`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getNode(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "http://127.0.0.1:7411", "server address")
	cmd.Flags().BoolVar(&opts.Children, "children", false, "list the node's ordered children")

	return cmd
}

func getNode(opts *GetOptions, cmd *cobra.Command, id string) error {
	configureLogging(opts.Verbose)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Children {
		var children []uint16
		if err := server.GetJSON(ctx, fmt.Sprintf("%s/nodes/%s/children", opts.Addr, id), &children); err != nil {
			return WrapExitError(ExitCommandError, "read failed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "children(%s) = %v\n", id, children)
		return nil
	}

	var node server.NodeResponse
	if err := server.GetJSON(ctx, fmt.Sprintf("%s/nodes/%s", opts.Addr, id), &node); err != nil {
		return WrapExitError(ExitCommandError, "read failed", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "node %d: left_child=%d right_sibling=%d\n",
		node.ID, node.LeftChild, node.RightSibling)

	keys := make([]string, 0, len(node.Properties))
	for k := range node.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", k, node.Properties[k])
	}
	return nil
}
