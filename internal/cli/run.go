package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/scenestore/internal/cluster"
	"github.com/roach88/scenestore/internal/server"
	"github.com/roach88/scenestore/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config   string
	Database string
	Listen   string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an in-process cluster and serve the client RPC surface",
		Long: `Start a scenestore cluster in one process.

Shard groups, replicas and the HTTP surface come up together. With --db the
shard logs persist to SQLite and a restart replays them back into the scene.

Example:
  scenestore run --config cluster.yaml
  scenestore run --db ./scenestore.db --listen 127.0.0.1:7411`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCluster(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML cluster config")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite log database (in-memory logs if unset)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")

	return cmd
}

func runCluster(opts *RunOptions, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)

	cfg := cluster.DefaultConfig()
	if opts.Config != "" {
		loaded, err := cluster.LoadConfig(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	var st *store.Store
	if cfg.Database != "" {
		slog.Info("opening log database", "path", cfg.Database)
		opened, err := store.Open(cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		st = opened
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
	}

	c, err := cluster.New(cfg, st, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build cluster", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Fold any recovered durable log back into scene state before serving.
	for _, r := range c.Replicas() {
		if err := r.Recover(ctx); err != nil {
			return WrapExitError(ExitCommandError, "recovery failed", err)
		}
	}

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.New(c).Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()
	go func() {
		slog.Info("serving client RPC", "listen", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("cluster starting",
		"shards", cfg.Shards, "replicas", cfg.Replicas, "max_latency", cfg.MaxLatency)
	fmt.Fprintln(cmd.OutOrStdout(), "Cluster started. Press Ctrl-C to stop.")

	if err := c.Run(ctx); err != nil && err != context.Canceled {
		return WrapExitError(ExitFailure, "cluster error", err)
	}

	slog.Info("cluster stopped gracefully")
	return nil
}
