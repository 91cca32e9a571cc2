package pdsstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/cluster"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

var base = time.Date(2026, 7, 1, 8, 30, 0, 123456789, time.UTC)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_FileStoreIsMigratedOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "pds.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var version int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}

func TestMigrate_RejectsNewerSchema(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	_, err := s.DB.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion+1)
	require.NoError(t, err)
	assert.Error(t, Migrate(ctx, s.DB))
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(Config{Path: filepath.Join(dir, "a.db")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "a.db"), dsn)

	dsn, err = buildDSN(Config{URL: "libsql://pds.example.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://pds.example.io?authToken=tok", dsn)

	dsn, err = buildDSN(Config{URL: "libsql://pds.example.io?authToken=keep", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://pds.example.io?authToken=keep", dsn)

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestJobStore_SaveAndFind(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	started := base.Add(time.Minute)

	job := &pdsjob.Job{
		UUID:          uuid.New(),
		ServerID:      "CLUSTER_A",
		Owner:         "alice",
		State:         pdsjob.StateRunning,
		Created:       base,
		Started:       &started,
		Configuration: `{"productId":"PDS_CODESCAN"}`,
	}
	require.NoError(t, s.Jobs.Save(ctx, job))

	got, err := s.Jobs.FindByID(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, job, got, "timestamps survive with nanosecond precision")

	_, err = s.Jobs.FindByID(ctx, uuid.New())
	assert.True(t, pdsjob.IsNotFound(err))
}

func TestJobStore_ApplyTransitionIsCompareAndSet(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, s.Jobs.Save(ctx, &pdsjob.Job{UUID: id, ServerID: "A", Owner: "o", State: pdsjob.StateReadyToStart, Created: base}))

	claim := pdsjob.Transition{
		ID:         id,
		From:       []pdsjob.State{pdsjob.StateReadyToStart},
		To:         pdsjob.StateRunning,
		SetStarted: true,
		Started:    &base,
	}
	ok, err := s.Jobs.ApplyTransition(ctx, claim)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Jobs.ApplyTransition(ctx, claim)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses")

	ended := base.Add(time.Hour)
	ok, err = s.Jobs.ApplyTransition(ctx, pdsjob.Transition{
		ID:           id,
		From:         []pdsjob.State{pdsjob.StateRunning, pdsjob.StateReadyToStart},
		To:           pdsjob.StateDone,
		SetEnded:     true,
		Ended:        &ended,
		SetOutcome:   true,
		Result:       pdsjob.ResultOK,
		TrafficLight: pdsjob.TrafficLightRed,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Jobs.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pdsjob.StateDone, got.State)
	assert.Equal(t, pdsjob.TrafficLightRed, got.TrafficLight)
	require.NotNil(t, got.Started)
	assert.Equal(t, base, *got.Started)
	require.NotNil(t, got.Ended)
	assert.Equal(t, ended, *got.Ended)

	_, err = s.Jobs.ApplyTransition(ctx, pdsjob.Transition{ID: id, To: pdsjob.StateFailed})
	assert.Error(t, err, "transition without source states")
}

func TestJobStore_QueriesAreScopedAndOrdered(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	var ready []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ready = append(ready, id)
		require.NoError(t, s.Jobs.Save(ctx, &pdsjob.Job{UUID: id, ServerID: "A", Owner: "o", State: pdsjob.StateReadyToStart, Created: base.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, s.Jobs.Save(ctx, &pdsjob.Job{UUID: uuid.New(), ServerID: "B", Owner: "o", State: pdsjob.StateReadyToStart, Created: base.Add(-time.Hour)}))

	n, err := s.Jobs.CountByServerAndState(ctx, "A", pdsjob.StateReadyToStart)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	jobs, err := s.Jobs.FindByServerAndState(ctx, "A", pdsjob.StateReadyToStart, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ready[0], jobs[0].UUID)
	assert.Equal(t, ready[1], jobs[1].UUID)

	all, err := s.Jobs.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	onlyA, err := s.Jobs.List(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, onlyA, 3)
}

func TestJobStore_DeleteOlderThanOnlyTerminal(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	longAgo := base.Add(-30 * 24 * time.Hour)

	done := uuid.New()
	require.NoError(t, s.Jobs.Save(ctx, &pdsjob.Job{UUID: done, ServerID: "A", Owner: "o", State: pdsjob.StateDone, Created: longAgo, Ended: &longAgo}))
	running := uuid.New()
	require.NoError(t, s.Jobs.Save(ctx, &pdsjob.Job{UUID: running, ServerID: "A", Owner: "o", State: pdsjob.StateRunning, Created: longAgo, Ended: &longAgo}))
	recent := uuid.New()
	require.NoError(t, s.Jobs.Save(ctx, &pdsjob.Job{UUID: recent, ServerID: "A", Owner: "o", State: pdsjob.StateCanceled, Created: base, Ended: &base}))

	n, err := s.Jobs.DeleteOlderThan(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Jobs.FindByID(ctx, done)
	assert.True(t, pdsjob.IsNotFound(err))
	_, err = s.Jobs.FindByID(ctx, running)
	assert.NoError(t, err)
	_, err = s.Jobs.FindByID(ctx, recent)
	assert.NoError(t, err)
}

func TestHeartbeatStore(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Heartbeats.Save(ctx, &cluster.Heartbeat{UUID: id, ServerID: "A", Updated: base, ClusterMemberData: `{"hostname":"h1"}`}))
	require.NoError(t, s.Heartbeats.Save(ctx, &cluster.Heartbeat{UUID: id, ServerID: "A", Updated: base.Add(time.Minute), ClusterMemberData: `{"hostname":"h1b"}`}))
	other := uuid.New()
	require.NoError(t, s.Heartbeats.Save(ctx, &cluster.Heartbeat{UUID: other, ServerID: "A", Updated: base.Add(-time.Hour), ClusterMemberData: `{}`}))
	require.NoError(t, s.Heartbeats.Save(ctx, &cluster.Heartbeat{UUID: uuid.New(), ServerID: "B", Updated: base, ClusterMemberData: `{}`}))

	hbs, err := s.Heartbeats.FindAllByServerID(ctx, "A")
	require.NoError(t, err)
	require.Len(t, hbs, 2, "save upserts by uuid")
	assert.Equal(t, other, hbs[0].UUID)
	assert.Equal(t, id, hbs[1].UUID)
	assert.Equal(t, `{"hostname":"h1b"}`, hbs[1].ClusterMemberData)
	assert.Equal(t, base.Add(time.Minute), hbs[1].Updated)

	n, err := s.Heartbeats.DeleteOlderThan(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConfigStore(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	cfg, err := s.Config.LoadAutoCleanupConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, s.Config.SaveAutoCleanupConfig(ctx, autocleanup.Config{Amount: 3, Unit: autocleanup.UnitMonth}))
	require.NoError(t, s.Config.SaveAutoCleanupConfig(ctx, autocleanup.Config{Amount: 6, Unit: autocleanup.UnitWeek}))

	cfg, err = s.Config.LoadAutoCleanupConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, autocleanup.Config{Amount: 6, Unit: autocleanup.UnitWeek}, *cfg)
}
