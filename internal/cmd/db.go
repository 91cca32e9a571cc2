package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gopds/pkg/pdsstore"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the shared store",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the store schema",
	Long: `Create the store schema, or migrate an existing store to the current
schema version. Opening a store migrates it as well, so this is only needed
to prepare a database before the first node starts.`,
	RunE: runDBInit,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)
}

func runDBInit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "sqlite" {
		return exitError(foundry.ExitInvalidArgument, "db init requires the sqlite driver", fmt.Errorf("driver is %s", cfg.Store.Driver))
	}

	store, err := pdsstore.Open(cmd.Context(), pdsstore.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize store", err)
	}
	defer func() { _ = store.Close() }()

	target := cfg.Store.URL
	if target == "" {
		target = cfg.Store.Path
	}
	_, _ = fmt.Fprintf(os.Stdout, "store=%s\nschema_version=%d\n", target, pdsstore.SchemaVersion)
	return nil
}
