package pdsexec_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/gopds/pkg/pdsexec"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCancelWatcher_StopsRunningJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, lc := newLifecycle()
	runner := newBlockingRunner()
	exec := pdsexec.NewExecutor(lc, runner, pdsexec.Config{})
	ctx := context.Background()

	id := claimedJob(t, lc)
	require.NoError(t, exec.Add(ctx, id))
	runner.waitStarted(t)
	require.NoError(t, lc.RequestCancel(ctx, id))

	w := pdsexec.NewCancelWatcher(exec, lc, pdsexec.CancelWatcherConfig{})
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	eventuallyState(t, lc, id, pdsjob.StateCanceled)

	require.NoError(t, exec.Shutdown(ctx))
}

func TestCancelWatcher_NeverStartedJobIsCanceledAtOnce(t *testing.T) {
	_, lc := newLifecycle()
	exec := pdsexec.NewExecutor(lc, newBlockingRunner(), pdsexec.Config{})
	ctx := context.Background()

	job, err := lc.Create(ctx, "bob", "")
	require.NoError(t, err)
	require.NoError(t, lc.RequestCancel(ctx, job.UUID))

	n, err := pdsexec.NewCancelWatcher(exec, lc, pdsexec.CancelWatcherConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := lc.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, pdsjob.StateCanceled, got.State)
}

func TestCancelWatcher_OrphanedStartedJob(t *testing.T) {
	_, lc := newLifecycle()
	exec := pdsexec.NewExecutor(lc, newBlockingRunner(), pdsexec.Config{})
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}

	id := claimedJob(t, lc)
	require.NoError(t, lc.RequestCancel(ctx, id))

	w := pdsexec.NewCancelWatcher(exec, lc, pdsexec.CancelWatcherConfig{
		OrphanAfter: time.Minute,
		Now:         clock.Now,
	})

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "another node may still hold the job")

	clock.Advance(30 * time.Second)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := lc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pdsjob.StateCanceled, job.State)
}
