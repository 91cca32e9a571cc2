package cluster

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gopds/pkg/pdsjob"
)

// Heartbeat is the liveness record one node instance publishes. The member
// data is kept opaque here and only decoded by the monitor.
type Heartbeat struct {
	UUID              uuid.UUID `json:"uuid"`
	ServerID          string    `json:"serverId"`
	Updated           time.Time `json:"updated"`
	ClusterMemberData string    `json:"clusterMemberData"`
}

// HeartbeatStore persists heartbeats. It is shared by all nodes.
type HeartbeatStore interface {
	// FindAllByServerID returns heartbeats ordered by updated, then uuid.
	FindAllByServerID(ctx context.Context, serverID string) ([]Heartbeat, error)
	// Save inserts or overwrites the heartbeat with the same UUID.
	Save(ctx context.Context, hb *Heartbeat) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobCounter is the part of the job store the monitor needs.
type JobCounter interface {
	CountByServerAndState(ctx context.Context, serverID string, state pdsjob.State) (int64, error)
}

// ExecutionEntry describes one job held by a node's execution queue.
type ExecutionEntry struct {
	JobUUID  uuid.UUID    `json:"jobUUID"`
	Done     bool         `json:"done"`
	Canceled bool         `json:"canceled"`
	State    pdsjob.State `json:"state"`
	Created  *time.Time   `json:"created"`
	Started  *time.Time   `json:"started"`
}

// ExecutionState is the node-local view of the execution queue.
type ExecutionState struct {
	QueueMax    int              `json:"queueMax"`
	JobsInQueue int              `json:"jobsInQueue"`
	Entries     []ExecutionEntry `json:"entries"`
}

// ExecutionStateProvider is implemented by the execution queue.
type ExecutionStateProvider interface {
	ExecutionState(ctx context.Context) ExecutionState
}

// ClusterMember is one node as reconstructed from its latest heartbeat.
type ClusterMember struct {
	Hostname           string         `json:"hostname"`
	IP                 string         `json:"ip"`
	HeartBeatTimestamp time.Time      `json:"heartBeatTimestamp"`
	ExecutionState     ExecutionState `json:"executionState"`
}

// MonitoringSnapshot is a point-in-time view of one server id.
type MonitoringSnapshot struct {
	ServerID string          `json:"serverId"`
	Jobs     JobCounts       `json:"jobs"`
	Members  []ClusterMember `json:"members"`
}
