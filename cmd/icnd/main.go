// Command icnd is the ICN node's process entrypoint: a bare cobra root
// command with only the subcommands needed to bring a node up and
// report its version. Operator tooling lives elsewhere.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/nodeconfig"
	"github.com/icn-network/icn-node/internal/node"
	"github.com/icn-network/icn-node/internal/storage"
)

// version is the node's reported build version. Overridden at release
// build time via -ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{Use: "icnd"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(icnerr.ExitCode(err))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the icnd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func startCmd() *cobra.Command {
	var backendPath string
	var memOnly bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "start an ICN node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := nodeconfig.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if backendPath != "" {
				cfg.Storage.BackendPath = backendPath
			}

			var store storage.Store
			if memOnly {
				store = storage.NewMemoryStore()
			} else {
				bolt, err := storage.OpenBoltStore(cfg.Storage.BackendPath)
				if err != nil {
					return fmt.Errorf("open storage backend %s: %w", cfg.Storage.BackendPath, err)
				}
				store = bolt
			}

			zlog, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer zlog.Sync() //nolint:errcheck

			n, err := node.New(cfg, store, node.Options{Logger: zlog})
			if err != nil {
				return fmt.Errorf("construct node: %w", err)
			}
			defer n.Close() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n.Start(ctx)
			if err := n.StartNetworking(ctx); err != nil {
				zlog.Sugar().Errorw("networking did not start, continuing in local-only mode", "error", err)
			}

			zlog.Sugar().Infow("icnd started", "federation", cfg.Node.Federation, "listen_addr", cfg.Node.ListenAddr)
			<-ctx.Done()
			zlog.Sugar().Info("icnd shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&backendPath, "data", "", "path to the bbolt storage file (overrides config)")
	cmd.Flags().BoolVar(&memOnly, "mem", false, "run with an in-memory store instead of bbolt (testing only)")
	return cmd
}
