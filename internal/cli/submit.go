package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/scenestore/internal/server"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Addr string
	File string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit [ops-json]",
		Short: "Submit a transaction of scene ops",
		Long: `Submit scene ops as one transaction and print the terminal status.

Ops are a JSON array, inline or from --file:
  scenestore submit '[{"kind":"add_child","target":0,"new_node":1}]'
  scenestore submit --file ops.json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitOps(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "http://127.0.0.1:7411", "server address")
	cmd.Flags().StringVar(&opts.File, "file", "", "read the op list from a JSON file")

	return cmd
}

func submitOps(opts *SubmitOptions, cmd *cobra.Command, args []string) error {
	configureLogging(opts.Verbose)

	var raw []byte
	switch {
	case opts.File != "":
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read ops file", err)
		}
		raw = data
	case len(args) == 1:
		raw = []byte(args[0])
	default:
		return WrapExitError(ExitCommandError, "no ops given", fmt.Errorf("pass an ops JSON array or --file"))
	}

	var ops []server.OpJSON
	if err := json.Unmarshal(raw, &ops); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse ops", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var resp server.SubmitResponse
	if err := server.PostJSON(ctx, opts.Addr+"/submit", server.SubmitRequest{Ops: ops}, &resp); err != nil {
		return WrapExitError(ExitCommandError, "submit failed", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s txn=%s hlc=%s", resp.Status, resp.TxnID, resp.HLC)
	if resp.Reason != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " reason=%s", resp.Reason)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	if resp.Status != "COMMITTED" {
		return WrapExitError(ExitFailure, "transaction did not commit", nil)
	}
	return nil
}
