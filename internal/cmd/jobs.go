package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/gopds/internal/node"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel jobs",
	Long: `Inspect and cancel jobs in the shared store.

Job ids may be shortened to any unique prefix, as printed by 'jobs list'.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs of the server id",
	Long: `List jobs of the configured server id, oldest first.

--owner takes a glob with doublestar semantics, e.g. 'team-*' or '**@example.com'.`,
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Request cancellation of a job",
	Long: `Flag a job as CANCEL_REQUESTED. The node running the job stops it and
marks it CANCELED.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("owner", "", "Only jobs whose owner matches this glob")
	jobsListCmd.Flags().String("state", "", "Only jobs in this state")
	jobsListCmd.Flags().Bool("all-servers", false, "Include jobs of every server id")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

type jobFilter struct {
	owner string
	state pdsjob.State
}

func (f jobFilter) validate() error {
	if f.owner != "" && !doublestar.ValidatePattern(f.owner) {
		return fmt.Errorf("invalid owner pattern %q", f.owner)
	}
	if f.state != "" && !f.state.IsValid() {
		return fmt.Errorf("unknown state %q", f.state)
	}
	return nil
}

func (f jobFilter) match(job pdsjob.Job) bool {
	if f.state != "" && job.State != f.state {
		return false
	}
	if f.owner != "" {
		ok, err := doublestar.Match(f.owner, job.Owner)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	owner, _ := cmd.Flags().GetString("owner")
	state, _ := cmd.Flags().GetString("state")
	allServers, _ := cmd.Flags().GetBool("all-servers")

	filter := jobFilter{owner: strings.TrimSpace(owner), state: pdsjob.State(strings.ToUpper(strings.TrimSpace(state)))}
	if err := filter.validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid filter", err)
	}

	cfg, stores, err := openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	scope := cfg.PDS.ServerID
	if allServers {
		scope = ""
	}
	all, err := stores.Jobs.List(cmd.Context(), scope)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
	}
	jobs := make([]pdsjob.Job, 0, len(all))
	for _, j := range all {
		if filter.match(j) {
			jobs = append(jobs, j)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}
	return writeJobTable(os.Stdout, jobs)
}

func writeJobTable(out io.Writer, jobs []pdsjob.Job) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tSERVER\tOWNER\tSTATE\tCREATED\tSTARTED\tENDED\tRESULT")
	for _, j := range jobs {
		result := string(j.Result)
		if result == "" {
			result = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.UUID.String()),
			j.ServerID,
			j.Owner,
			j.State,
			j.Created.UTC().Format(time.RFC3339),
			formatOptionalTime(j.Started),
			formatOptionalTime(j.Ended),
			result,
		)
	}
	return w.Flush()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, stores, err := openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	id, err := resolveJobID(cmd.Context(), stores, cfg.PDS.ServerID, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	lifecycle := pdsjob.NewLifecycle(stores.Jobs, cfg.PDS.ServerID)
	job, err := lifecycle.Get(cmd.Context(), id)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read job", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_uuid=%s\n", job.UUID)
	_, _ = fmt.Fprintf(os.Stdout, "server_id=%s\n", job.ServerID)
	_, _ = fmt.Fprintf(os.Stdout, "owner=%s\n", job.Owner)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", job.State)
	_, _ = fmt.Fprintf(os.Stdout, "created=%s\n", job.Created.UTC().Format(time.RFC3339))
	if job.Started != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started=%s\n", formatOptionalTime(job.Started))
	}
	if job.Ended != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended=%s\n", formatOptionalTime(job.Ended))
	}
	if job.Result != "" {
		_, _ = fmt.Fprintf(os.Stdout, "result=%s\n", job.Result)
	}
	if job.TrafficLight != "" {
		_, _ = fmt.Fprintf(os.Stdout, "traffic_light=%s\n", job.TrafficLight)
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	cfg, stores, err := openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	id, err := resolveJobID(cmd.Context(), stores, cfg.PDS.ServerID, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	lifecycle := pdsjob.NewLifecycle(stores.Jobs, cfg.PDS.ServerID)
	if err := lifecycle.RequestCancel(cmd.Context(), id); err != nil {
		if pdsjob.IsInvalidState(err) {
			return exitError(foundry.ExitInvalidArgument, "Job cannot be canceled", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to cancel job", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_uuid=%s\nstate=%s\n", id, pdsjob.StateCancelRequested)
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 8 {
		return jobID
	}
	return jobID[:8]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts a full job uuid or a unique prefix within the server id.
func resolveJobID(ctx context.Context, stores *node.Stores, serverID, input string) (uuid.UUID, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return uuid.Nil, fmt.Errorf("job_id is required")
	}
	if id, err := uuid.Parse(input); err == nil {
		return id, nil
	}

	jobs, err := stores.Jobs.List(ctx, serverID)
	if err != nil {
		return uuid.Nil, err
	}
	matches := make([]uuid.UUID, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.UUID.String(), input) {
			matches = append(matches, j.UUID)
		}
	}
	if len(matches) == 0 {
		return uuid.Nil, fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return uuid.Nil, fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job uuid", len(matches))
	}
	return matches[0], nil
}
