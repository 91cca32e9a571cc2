package cluster_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gopds/pkg/cluster"
)

type countingSource struct {
	calls atomic.Int64
}

func (s *countingSource) Snapshot(context.Context) (*cluster.MonitoringSnapshot, error) {
	s.calls.Add(1)
	return &cluster.MonitoringSnapshot{ServerID: "CLUSTER_A"}, nil
}

func TestCachedMonitor(t *testing.T) {
	src := &countingSource{}
	c := cluster.NewCachedMonitor(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap, err := c.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, "CLUSTER_A", snap.ServerID)
	}
	assert.Equal(t, int64(1), src.calls.Load())

	c.Invalidate()
	_, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestCachedMonitor_ZeroTTLDisablesCache(t *testing.T) {
	src := &countingSource{}
	c := cluster.NewCachedMonitor(src, 0)

	for i := 0; i < 3; i++ {
		_, err := c.Snapshot(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), src.calls.Load())
}
