package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gopds/internal/config"
	"github.com/3leaps/gopds/internal/node"
	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/cluster"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{"set all values", "1.0.0", "abc123", "2024-01-15"},
		{"set dev version", "dev", "HEAD", "unknown"},
		{"set empty values", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitExternalServiceUnavailable, "Failed to open store", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Failed to open store: boom (exit code")

	var coded *exitCodeError
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, coded.code)
}

// runCLI executes the root command with a clean flag state against the
// given sqlite file.
func runCLI(t *testing.T, dbPath string, args ...string) error {
	t.Helper()
	config.SetConfigFile("")
	cfgFile, verbose, serverID, storeDrive, storePath = "", false, "", "", ""

	full := append([]string{"--store-driver", "sqlite", "--store-path", dbPath, "--server-id", "CLI_TEST"}, args...)
	rootCmd.SetArgs(full)
	rootCmd.SetContext(context.Background())
	defer rootCmd.SetArgs(nil)
	return rootCmd.Execute()
}

func openTestStores(t *testing.T, dbPath string) *node.Stores {
	t.Helper()
	stores, err := node.OpenStores(context.Background(), config.StoreConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })
	return stores
}

func TestCLI_DBInit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gopds.db")
	require.NoError(t, runCLI(t, dbPath, "db", "init"))
	assert.FileExists(t, dbPath)
}

func TestCLI_CleanupConfigSet(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gopds.db")

	require.NoError(t, runCLI(t, dbPath, "cleanup", "config", "set", "3", "week"))

	stores := openTestStores(t, dbPath)
	stored, err := stores.Config.LoadAutoCleanupConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, autocleanup.Config{Amount: 3, Unit: autocleanup.UnitWeek}, *stored)
}

func TestCLI_CleanupConfigSetRejectsInvalid(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gopds.db")

	err := runCLI(t, dbPath, "cleanup", "config", "set", "-1", "day")
	require.Error(t, err)
	var coded *exitCodeError
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, foundry.ExitInvalidArgument, coded.code)

	err = runCLI(t, dbPath, "cleanup", "config", "set", "1", "fortnight")
	require.Error(t, err)
}

func TestCLI_CleanupRunRemovesOldJobs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gopds.db")
	stores := openTestStores(t, dbPath)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, stores.Jobs.Save(ctx, &pdsjob.Job{
		UUID:     mustUUID(t),
		ServerID: "CLI_TEST",
		Owner:    "alice",
		State:    pdsjob.StateDone,
		Created:  old,
		Ended:    &old,
	}))
	require.NoError(t, stores.Config.SaveAutoCleanupConfig(ctx, autocleanup.Config{Amount: 1, Unit: autocleanup.UnitDay}))
	require.NoError(t, stores.Close())

	require.NoError(t, runCLI(t, dbPath, "cleanup", "run"))

	stores = openTestStores(t, dbPath)
	jobs, err := stores.Jobs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCLI_JobsCancelByPrefix(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gopds.db")
	stores := openTestStores(t, dbPath)
	ctx := context.Background()

	lifecycle := pdsjob.NewLifecycle(stores.Jobs, "CLI_TEST")
	job, err := lifecycle.Create(ctx, "alice", "")
	require.NoError(t, err)
	require.NoError(t, stores.Close())

	require.NoError(t, runCLI(t, dbPath, "jobs", "cancel", job.UUID.String()[:8]))

	stores = openTestStores(t, dbPath)
	got, err := stores.Jobs.FindByID(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, pdsjob.StateCancelRequested, got.State)
}

func TestCLI_JobsCancelUnknown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gopds.db")

	err := runCLI(t, dbPath, "jobs", "cancel", "deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestCLI_MonitoringRejectsUnknownOutput(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gopds.db")

	err := runCLI(t, dbPath, "monitoring", "status", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid --output value")

	require.NoError(t, runCLI(t, dbPath, "monitoring", "status", "--output", "table"))
}

func TestJobFilter(t *testing.T) {
	job := pdsjob.Job{Owner: "team-a@example.com", State: pdsjob.StateRunning}

	tests := []struct {
		name   string
		filter jobFilter
		want   bool
	}{
		{"empty matches all", jobFilter{}, true},
		{"owner glob", jobFilter{owner: "team-*"}, true},
		{"owner glob miss", jobFilter{owner: "ops-*"}, false},
		{"state match", jobFilter{state: pdsjob.StateRunning}, true},
		{"state miss", jobFilter{state: pdsjob.StateDone}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.filter.validate())
			assert.Equal(t, tt.want, tt.filter.match(job))
		})
	}

	assert.Error(t, jobFilter{owner: "team-["}.validate())
	assert.Error(t, jobFilter{state: "SLEEPING"}.validate())
}

func TestResolveJobID(t *testing.T) {
	ctx := context.Background()
	stores, err := node.OpenStores(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)

	lifecycle := pdsjob.NewLifecycle(stores.Jobs, "CLI_TEST")
	job, err := lifecycle.Create(ctx, "alice", "")
	require.NoError(t, err)

	id, err := resolveJobID(ctx, stores, "CLI_TEST", job.UUID.String())
	require.NoError(t, err)
	assert.Equal(t, job.UUID, id)

	id, err = resolveJobID(ctx, stores, "CLI_TEST", strings.ToUpper(job.UUID.String()[:6]))
	require.NoError(t, err)
	assert.Equal(t, job.UUID, id)

	_, err = resolveJobID(ctx, stores, "OTHER", job.UUID.String()[:6])
	require.Error(t, err)

	_, err = resolveJobID(ctx, stores, "CLI_TEST", "  ")
	require.Error(t, err)
}

func TestWriteYAML_KeepsStateOrder(t *testing.T) {
	snap := &cluster.MonitoringSnapshot{
		ServerID: "CLUSTER_A",
		Jobs: cluster.JobCounts{
			{State: pdsjob.StateCreated, Count: 2},
			{State: pdsjob.StateQueued, Count: 0},
			{State: pdsjob.StateCanceled, Count: 1},
		},
		Members: []cluster.ClusterMember{},
	}

	var buf bytes.Buffer
	require.NoError(t, writeYAML(&buf, snap))
	out := buf.String()

	assert.Contains(t, out, "serverId: CLUSTER_A")
	assert.Less(t, strings.Index(out, "CREATED: 2"), strings.Index(out, "QUEUED: 0"))
	assert.Less(t, strings.Index(out, "QUEUED: 0"), strings.Index(out, "CANCELED: 1"))
	assert.NotContains(t, out, "{")
}
