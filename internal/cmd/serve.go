package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gopds/internal/node"
	"github.com/3leaps/gopds/internal/observability"
	"github.com/3leaps/gopds/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a cluster node",
	Long: `Run a node: execute READY_TO_START jobs of the configured server id,
publish heartbeats, run auto cleanup and serve the HTTP API.

SIGINT/SIGTERM stop the node. Jobs still running are handed back to
READY_TO_START so another node can pick them up.

Examples:
  gopds serve
  gopds serve --config /etc/gopds.yaml --server-id CLUSTER_A
  GOPDS_STORE_URL=libsql://pds.turso.io GOPDS_STORE_AUTH_TOKEN=... gopds serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "Override server.port")
	serveCmd.Flags().String("host", "", "Override server.host")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := observability.ConfigureLogger(binaryName, level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.CLILogger

	n, err := node.New(ctx, cfg, node.Options{
		Logger: logger,
		Version: server.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		},
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start node", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}()

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Node failed", err)
	}
	if ctx.Err() != nil {
		logger.Info(fmt.Sprintf("%s stopped by signal", binaryName))
	}
	return nil
}
