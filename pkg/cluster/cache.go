package cluster

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const snapshotCacheKey = "snapshot"

// SnapshotSource produces monitoring snapshots.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*MonitoringSnapshot, error)
}

// CachedMonitor serves snapshots from a short-lived cache so repeated admin
// queries do not hit the stores on every call. A zero TTL disables caching.
type CachedMonitor struct {
	source SnapshotSource
	ttl    time.Duration
	data   *gocache.Cache
}

func NewCachedMonitor(source SnapshotSource, ttl time.Duration) *CachedMonitor {
	c := &CachedMonitor{source: source, ttl: ttl}
	if ttl > 0 {
		c.data = gocache.New(ttl, 0)
	}
	return c
}

func (c *CachedMonitor) Snapshot(ctx context.Context) (*MonitoringSnapshot, error) {
	if c.data == nil {
		return c.source.Snapshot(ctx)
	}
	if v, ok := c.data.Get(snapshotCacheKey); ok {
		if snap, ok := v.(*MonitoringSnapshot); ok {
			return snap, nil
		}
	}
	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.data.Set(snapshotCacheKey, snap, c.ttl)
	return snap, nil
}

// Invalidate drops the cached snapshot.
func (c *CachedMonitor) Invalidate() {
	if c.data != nil {
		c.data.Delete(snapshotCacheKey)
	}
}
