// Package cmd implements the gopds command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gopds/internal/config"
	"github.com/3leaps/gopds/internal/node"
	"github.com/3leaps/gopds/internal/observability"
)

const binaryName = "gopds"

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo is called from main with values injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile    string
	verbose    bool
	serverID   string
	storePath  string
	storeDrive string
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Product delegation server node and admin tools",
	Long: `gopds runs a product delegation server node: it executes delegated jobs,
publishes cluster heartbeats, cleans up old data and serves the job and
admin API.

The remaining commands operate on the shared store directly and are meant
for operators.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.InitCLILogger(binaryName, verbose)
		config.SetConfigFile(cfgFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&serverID, "server-id", "", "Override pds.server_id")
	rootCmd.PersistentFlags().StringVar(&storeDrive, "store-driver", "", "Override store.driver (sqlite or memory)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store-path", "", "Override store.path")
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)

	var coded *exitCodeError
	if errors.As(err, &coded) {
		return coded.code
	}
	return foundry.ExitInvalidArgument
}

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, err: fmt.Errorf("%s: %w (exit code %d)", message, err, code)}
}

// loadConfig loads the configuration with the persistent flag overrides
// applied on top.
func loadConfig(ctx context.Context) (*config.Config, error) {
	overrides := map[string]any{}
	if serverID != "" {
		overrides["pds"] = map[string]any{"server_id": serverID}
	}
	store := map[string]any{}
	if storeDrive != "" {
		store["driver"] = storeDrive
	}
	if storePath != "" {
		store["path"] = storePath
	}
	if len(store) > 0 {
		overrides["store"] = store
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// openStores loads the configuration and opens the shared store. The caller
// closes the returned stores.
func openStores(ctx context.Context) (*config.Config, *node.Stores, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	stores, err := node.OpenStores(ctx, cfg.Store)
	if err != nil {
		return nil, nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open store", err)
	}
	return cfg, stores, nil
}
