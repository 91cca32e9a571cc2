package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gopds/internal/observability"
	"github.com/3leaps/gopds/pkg/cluster"
)

var monitoringCmd = &cobra.Command{
	Use:   "monitoring",
	Short: "Inspect the cluster",
}

var monitoringStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts and cluster members of the server id",
	Long: `Show the monitoring snapshot of the configured server id: the number of
jobs per state and one entry per heartbeat, with the execution queue the
member reported.

Examples:
  gopds monitoring status
  gopds monitoring status --server-id CLUSTER_A --output yaml`,
	RunE: runMonitoringStatus,
}

func init() {
	rootCmd.AddCommand(monitoringCmd)
	monitoringCmd.AddCommand(monitoringStatusCmd)
	monitoringStatusCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")
}

func runMonitoringStatus(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")
	output = strings.ToLower(strings.TrimSpace(output))
	switch output {
	case "table", "json", "yaml":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("output must be one of: table, json, yaml"))
	}

	cfg, stores, err := openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	monitor := cluster.NewMonitor(cfg.PDS.ServerID, stores.Jobs, stores.Heartbeats, observability.CLILogger)
	snap, err := monitor.Snapshot(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read cluster state", err)
	}

	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		return writeYAML(os.Stdout, snap)
	default:
		return writeSnapshotTable(os.Stdout, snap)
	}
}

// writeYAML renders v through its JSON form so field names and the order of
// job states match the API output.
func writeYAML(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	blockStyle(&doc)

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow style the JSON input left on every node.
func blockStyle(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		n.Style = 0
	case yaml.ScalarNode:
		if n.Style == yaml.DoubleQuotedStyle {
			n.Style = 0
		}
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func writeSnapshotTable(out io.Writer, snap *cluster.MonitoringSnapshot) error {
	_, _ = fmt.Fprintf(out, "server_id=%s\n\n", snap.ServerID)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tJOBS")
	for _, c := range snap.Jobs {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", c.State, c.Count)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(out)
	if len(snap.Members) == 0 {
		_, _ = fmt.Fprintln(out, "No cluster members found")
		return nil
	}
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "HOSTNAME\tIP\tHEARTBEAT\tIN QUEUE\tQUEUE MAX")
	for _, m := range snap.Members {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			m.Hostname,
			m.IP,
			m.HeartBeatTimestamp.UTC().Format(time.RFC3339),
			m.ExecutionState.JobsInQueue,
			m.ExecutionState.QueueMax,
		)
	}
	return w.Flush()
}
