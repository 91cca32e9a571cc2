package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gopds/pkg/pdsjob"
)

// UnknownHostPrefix prefixes the hostname of members whose heartbeat data
// could not be decoded.
const UnknownHostPrefix = "unknown:"

// Monitor builds monitoring snapshots for one server id from the shared job
// and heartbeat stores.
type Monitor struct {
	serverID   string
	jobs       JobCounter
	heartbeats HeartbeatStore
	logger     *zap.Logger
}

func NewMonitor(serverID string, jobs JobCounter, heartbeats HeartbeatStore, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		serverID:   strings.TrimSpace(serverID),
		jobs:       jobs,
		heartbeats: heartbeats,
		logger:     logger,
	}
}

// Snapshot returns job counts and cluster members of this server id.
//
// Job counts only include jobs owned by this server id even when other
// server ids share the store. Members follow heartbeat retrieval order. A
// heartbeat with undecodable member data yields a degraded member instead of
// an error.
func (m *Monitor) Snapshot(ctx context.Context) (*MonitoringSnapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	counts := make(JobCounts, 0, len(pdsjob.AllStates))
	for _, state := range pdsjob.AllStates {
		n, err := m.jobs.CountByServerAndState(ctx, m.serverID, state)
		if err != nil {
			return nil, &pdsjob.PersistenceError{Op: fmt.Sprintf("count jobs in state %s", state), Err: err}
		}
		counts = append(counts, StateCount{State: state, Count: n})
	}

	heartbeats, err := m.heartbeats.FindAllByServerID(ctx, m.serverID)
	if err != nil {
		return nil, &pdsjob.PersistenceError{Op: "find heartbeats", Err: err}
	}

	members := make([]ClusterMember, 0, len(heartbeats))
	for _, hb := range heartbeats {
		member, err := DecodeMember(hb)
		if err != nil {
			m.logger.Warn("Heartbeat member data not readable, using fallback member",
				zap.String("heartbeat_uuid", hb.UUID.String()),
				zap.Error(err))
			member = DegradedMember(hb)
		}
		members = append(members, member)
	}

	return &MonitoringSnapshot{
		ServerID: m.serverID,
		Jobs:     counts,
		Members:  members,
	}, nil
}

// DecodeMember reads the cluster member stored in a heartbeat. The data must
// be a JSON object naming a hostname.
func DecodeMember(hb Heartbeat) (ClusterMember, error) {
	var member ClusterMember
	data := strings.TrimSpace(hb.ClusterMemberData)
	if data == "" {
		return member, fmt.Errorf("cluster member data is empty")
	}
	if data[0] != '{' {
		return member, fmt.Errorf("cluster member data is not a JSON object")
	}
	if err := json.Unmarshal([]byte(data), &member); err != nil {
		return member, fmt.Errorf("parse cluster member data: %w", err)
	}
	if strings.TrimSpace(member.Hostname) == "" {
		return ClusterMember{}, fmt.Errorf("cluster member data has no hostname")
	}
	if member.HeartBeatTimestamp.IsZero() {
		member.HeartBeatTimestamp = hb.Updated
	}
	return member, nil
}

// DegradedMember is the placeholder for a heartbeat that cannot be decoded.
func DegradedMember(hb Heartbeat) ClusterMember {
	return ClusterMember{
		Hostname:           UnknownHostPrefix + hb.UUID.String(),
		HeartBeatTimestamp: hb.Updated,
	}
}
