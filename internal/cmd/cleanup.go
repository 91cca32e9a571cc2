package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gopds/internal/config"
	"github.com/3leaps/gopds/internal/node"
	"github.com/3leaps/gopds/internal/observability"
	"github.com/3leaps/gopds/pkg/autocleanup"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run or configure auto cleanup",
	Long: `Auto cleanup removes finished jobs older than the configured retention
and heartbeats older than heartbeat.staleness.

The retention is stored in the shared store. Running nodes re-read it
before each pass, so a change applies cluster-wide from the next pass.
An amount of 0 keeps jobs forever.`,
}

var cleanupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one cleanup pass now",
	RunE:  runCleanupRun,
}

var cleanupConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the retention",
}

var cleanupConfigGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the active retention",
	RunE:  runCleanupConfigGet,
}

var cleanupConfigSetCmd = &cobra.Command{
	Use:   "set <amount> <unit>",
	Short: "Store a new retention",
	Long: `Store a new retention. Units: HOUR, DAY, WEEK, MONTH (30 days), YEAR (365 days).

Examples:
  gopds cleanup config set 30 day
  gopds cleanup config set 0 day    # disable job cleanup`,
	Args: cobra.ExactArgs(2),
	RunE: runCleanupConfigSet,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.AddCommand(cleanupRunCmd)
	cleanupCmd.AddCommand(cleanupConfigCmd)
	cleanupConfigCmd.AddCommand(cleanupConfigGetCmd)
	cleanupConfigCmd.AddCommand(cleanupConfigSetCmd)

	cleanupRunCmd.Flags().Bool("json", false, "Output as JSON")
	cleanupConfigGetCmd.Flags().Bool("json", false, "Output as JSON")
}

// newCleanupScheduler builds a scheduler over the shared store with the
// persisted retention loaded.
func newCleanupScheduler(cmd *cobra.Command) (*autocleanup.Scheduler, *node.Stores, error) {
	cfg, stores, err := openStores(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	sched, err := buildScheduler(cfg, stores)
	if err != nil {
		_ = stores.Close()
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid cleanup configuration", err)
	}
	if err := sched.LoadConfig(cmd.Context()); err != nil {
		_ = stores.Close()
		return nil, nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to load cleanup configuration", err)
	}
	return sched, stores, nil
}

func buildScheduler(cfg *config.Config, stores *node.Stores) (*autocleanup.Scheduler, error) {
	unit, err := autocleanup.ParseUnit(cfg.Cleanup.Unit)
	if err != nil {
		return nil, err
	}
	return autocleanup.NewScheduler(stores.Jobs, stores.Heartbeats, autocleanup.Options{
		Config:    autocleanup.Config{Amount: cfg.Cleanup.Amount, Unit: unit},
		Staleness: cfg.Heartbeat.Staleness,
		Store:     stores.Config,
		Logger:    observability.CLILogger,
	})
}

func runCleanupRun(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	sched, stores, err := newCleanupScheduler(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	res := sched.RunOnce(cmd.Context())
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "retention=%s\n", res.Config)
		if res.JobCleanupDisabled {
			_, _ = fmt.Fprintln(os.Stdout, "jobs_deleted=disabled")
		} else {
			_, _ = fmt.Fprintf(os.Stdout, "job_cutoff=%s\n", formatOptionalTime(res.JobCutoff))
			_, _ = fmt.Fprintf(os.Stdout, "jobs_deleted=%d\n", res.JobsDeleted)
		}
		_, _ = fmt.Fprintf(os.Stdout, "heartbeat_cutoff=%s\n", res.HeartbeatCutoff.UTC().Format(time.RFC3339))
		_, _ = fmt.Fprintf(os.Stdout, "heartbeats_deleted=%d\n", res.HeartbeatsDeleted)
	}

	if err := res.Err(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cleanup pass failed", err)
	}
	return nil
}

func runCleanupConfigGet(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	sched, stores, err := newCleanupScheduler(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	current := sched.Config()
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(current)
	}
	_, _ = fmt.Fprintf(os.Stdout, "amount=%d\nunit=%s\n", current.Amount, current.Unit)
	return nil
}

func runCleanupConfigSet(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid amount", err)
	}
	unit, err := autocleanup.ParseUnit(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid unit", err)
	}
	next := autocleanup.Config{Amount: amount, Unit: unit}
	if err := next.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid retention", err)
	}

	sched, stores, err := newCleanupScheduler(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	if err := sched.UpdateConfig(cmd.Context(), next); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to store retention", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "amount=%d\nunit=%s\n", next.Amount, next.Unit)
	return nil
}
