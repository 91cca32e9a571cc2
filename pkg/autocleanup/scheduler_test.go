package autocleanup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/cluster"
	"github.com/3leaps/gopds/pkg/memstore"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func endedJob(t *testing.T, store *memstore.JobStore, state pdsjob.State, endedAgo time.Duration) uuid.UUID {
	t.Helper()
	id := uuid.New()
	ended := now.Add(-endedAgo)
	require.NoError(t, store.Save(context.Background(), &pdsjob.Job{
		UUID:     id,
		ServerID: "CLUSTER_A",
		State:    state,
		Created:  ended.Add(-time.Hour),
		Ended:    &ended,
	}))
	return id
}

func heartbeat(t *testing.T, store *memstore.HeartbeatStore, age time.Duration) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, store.Save(context.Background(), &cluster.Heartbeat{
		UUID:              id,
		ServerID:          "CLUSTER_A",
		Updated:           now.Add(-age),
		ClusterMemberData: "{}",
	}))
	return id
}

func TestRunOnce_DeletesExpiredJobsAndStaleHeartbeats(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	old := endedJob(t, store.Jobs, pdsjob.StateDone, 10*24*time.Hour)
	recent := endedJob(t, store.Jobs, pdsjob.StateFailed, time.Hour)
	staleHB := heartbeat(t, store.Heartbeats, time.Hour)
	freshHB := heartbeat(t, store.Heartbeats, time.Minute)

	s, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{
		Config:    autocleanup.Config{Amount: 7, Unit: autocleanup.UnitDay},
		Staleness: 10 * time.Minute,
		Now:       clock,
	})
	require.NoError(t, err)

	res := s.RunOnce(ctx)
	require.NoError(t, res.Err())
	assert.Equal(t, int64(1), res.JobsDeleted)
	assert.Equal(t, int64(1), res.HeartbeatsDeleted)
	require.NotNil(t, res.JobCutoff)
	assert.Equal(t, now.Add(-7*24*time.Hour), *res.JobCutoff)
	assert.Equal(t, now.Add(-10*time.Minute), res.HeartbeatCutoff)

	_, err = store.Jobs.FindByID(ctx, old)
	assert.True(t, pdsjob.IsNotFound(err))
	_, err = store.Jobs.FindByID(ctx, recent)
	assert.NoError(t, err)

	hbs, err := store.Heartbeats.FindAllByServerID(ctx, "CLUSTER_A")
	require.NoError(t, err)
	require.Len(t, hbs, 1)
	assert.Equal(t, freshHB, hbs[0].UUID)
	assert.NotEqual(t, staleHB, hbs[0].UUID)
}

func TestRunOnce_KeepsNonTerminalJobs(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	running := endedJob(t, store.Jobs, pdsjob.StateRunning, 100*24*time.Hour)

	s, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{
		Config: autocleanup.Config{Amount: 1, Unit: autocleanup.UnitHour},
		Now:    clock,
	})
	require.NoError(t, err)

	res := s.RunOnce(ctx)
	assert.Zero(t, res.JobsDeleted)
	_, err = store.Jobs.FindByID(ctx, running)
	assert.NoError(t, err)
}

func TestRunOnce_DisabledStillCleansHeartbeats(t *testing.T) {
	store := memstore.New()
	endedJob(t, store.Jobs, pdsjob.StateDone, 1000*24*time.Hour)
	heartbeat(t, store.Heartbeats, 24*time.Hour)

	s, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{Now: clock})
	require.NoError(t, err)

	res := s.RunOnce(context.Background())
	assert.True(t, res.JobCleanupDisabled)
	assert.Nil(t, res.JobCutoff)
	assert.Zero(t, res.JobsDeleted)
	assert.Equal(t, int64(1), res.HeartbeatsDeleted)
}

type failingDeleter struct{ err error }

func (f failingDeleter) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, f.err
}

func TestRunOnce_FailuresAreIndependent(t *testing.T) {
	store := memstore.New()
	heartbeat(t, store.Heartbeats, time.Hour)

	s, err := autocleanup.NewScheduler(failingDeleter{errors.New("jobs down")}, store.Heartbeats, autocleanup.Options{
		Config: autocleanup.Config{Amount: 1, Unit: autocleanup.UnitDay},
		Now:    clock,
	})
	require.NoError(t, err)

	res := s.RunOnce(context.Background())
	require.Error(t, res.JobErr())
	assert.NoError(t, res.HeartbeatErr())
	assert.Contains(t, res.JobError, "jobs down")
	assert.Equal(t, int64(1), res.HeartbeatsDeleted)

	endedJob(t, store.Jobs, pdsjob.StateDone, 48*time.Hour)
	s, err = autocleanup.NewScheduler(store.Jobs, failingDeleter{errors.New("heartbeats down")}, autocleanup.Options{
		Config: autocleanup.Config{Amount: 1, Unit: autocleanup.UnitDay},
		Now:    clock,
	})
	require.NoError(t, err)

	res = s.RunOnce(context.Background())
	assert.NoError(t, res.JobErr())
	require.Error(t, res.HeartbeatErr())
	assert.Equal(t, int64(1), res.JobsDeleted)
	assert.Error(t, res.Err())
}

func TestHistoryAndInspector(t *testing.T) {
	store := memstore.New()
	var seen []autocleanup.Result

	s, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{
		History:   2,
		Now:       clock,
		Inspector: autocleanup.InspectorFunc(func(r autocleanup.Result) { seen = append(seen, r) }),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.RunOnce(context.Background())
	}
	assert.Len(t, seen, 3)
	assert.Len(t, s.LastResults(), 2)
}

func TestNewScheduler_RejectsInvalidConfig(t *testing.T) {
	store := memstore.New()
	_, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{
		Config: autocleanup.Config{Amount: -3, Unit: autocleanup.UnitDay},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, autocleanup.ErrNotAcceptable))
}

func TestUpdateConfig_PersistsAndReloads(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	s, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{Store: store.Config})
	require.NoError(t, err)

	want := autocleanup.Config{Amount: 2, Unit: autocleanup.UnitMonth}
	require.NoError(t, s.UpdateConfig(ctx, want))
	assert.Equal(t, want, s.Config())

	err = s.UpdateConfig(ctx, autocleanup.Config{Amount: -1, Unit: autocleanup.UnitDay})
	require.Error(t, err)
	assert.Equal(t, want, s.Config(), "rejected config is not applied")

	restarted, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{Store: store.Config})
	require.NoError(t, err)
	assert.True(t, restarted.Config().Disabled())
	require.NoError(t, restarted.LoadConfig(ctx))
	assert.Equal(t, want, restarted.Config())
}

func TestRunOnce_PicksUpConfigSavedByAnotherNode(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	expired := endedJob(t, store.Jobs, pdsjob.StateDone, 2*time.Hour)

	nodeA, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{Store: store.Config, Now: clock})
	require.NoError(t, err)
	nodeB, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{Store: store.Config, Now: clock})
	require.NoError(t, err)

	want := autocleanup.Config{Amount: 1, Unit: autocleanup.UnitHour}
	require.NoError(t, nodeA.UpdateConfig(ctx, want))
	require.True(t, nodeB.Config().Disabled())

	res := nodeB.RunOnce(ctx)
	require.NoError(t, res.Err())
	assert.False(t, res.JobCleanupDisabled)
	assert.Equal(t, want, res.Config)
	assert.Equal(t, want, nodeB.Config())
	assert.Equal(t, int64(1), res.JobsDeleted)

	_, err = store.Jobs.FindByID(ctx, expired)
	assert.True(t, pdsjob.IsNotFound(err))
}

type unreadableConfig struct{}

func (unreadableConfig) LoadAutoCleanupConfig(context.Context) (*autocleanup.Config, error) {
	return nil, errors.New("config table locked")
}

func (unreadableConfig) SaveAutoCleanupConfig(context.Context, autocleanup.Config) error {
	return nil
}

func TestRunOnce_KeepsConfigWhenReloadFails(t *testing.T) {
	store := memstore.New()
	active := autocleanup.Config{Amount: 3, Unit: autocleanup.UnitDay}

	s, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{
		Config: active,
		Store:  unreadableConfig{},
		Now:    clock,
	})
	require.NoError(t, err)

	res := s.RunOnce(context.Background())
	require.NoError(t, res.Err())
	assert.Equal(t, active, res.Config)
	assert.Equal(t, active, s.Config())
}

func TestLoadConfig_NothingStored(t *testing.T) {
	store := memstore.New()
	s, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{
		Config: autocleanup.Config{Amount: 5, Unit: autocleanup.UnitDay},
		Store:  store.Config,
	})
	require.NoError(t, err)
	require.NoError(t, s.LoadConfig(context.Background()))
	assert.Equal(t, int64(5), s.Config().Amount)
}

func TestStart_RunsPassesUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := memstore.New()
	passes := make(chan autocleanup.Result, 16)
	s, err := autocleanup.NewScheduler(store.Jobs, store.Heartbeats, autocleanup.Options{
		Interval: 5 * time.Millisecond,
		Inspector: autocleanup.InspectorFunc(func(r autocleanup.Result) {
			select {
			case passes <- r:
			default:
			}
		}),
	})
	require.NoError(t, err)

	stop := s.Start(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-passes:
		case <-time.After(2 * time.Second):
			t.Fatal("no cleanup pass")
		}
	}
	stop()
}
