package pdsstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gopds/pkg/cluster"
)

// HeartbeatStore implements cluster.HeartbeatStore.
type HeartbeatStore struct {
	db *sql.DB
}

func (s *HeartbeatStore) FindAllByServerID(ctx context.Context, serverID string) ([]cluster.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid, server_id, updated, cluster_member_data
		FROM pds_heartbeat
		WHERE server_id = ?
		ORDER BY updated ASC, uuid ASC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]cluster.Heartbeat, 0)
	for rows.Next() {
		var (
			id, server, data string
			updated          int64
		)
		if err := rows.Scan(&id, &server, &updated, &data); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse heartbeat uuid %q: %w", id, err)
		}
		out = append(out, cluster.Heartbeat{
			UUID:              parsed,
			ServerID:          server,
			Updated:           fromNanos(updated),
			ClusterMemberData: data,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heartbeats: %w", err)
	}
	return out, nil
}

func (s *HeartbeatStore) Save(ctx context.Context, hb *cluster.Heartbeat) error {
	if hb == nil {
		return fmt.Errorf("heartbeat is nil")
	}
	if hb.UUID == uuid.Nil {
		return fmt.Errorf("heartbeat uuid is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO pds_heartbeat (uuid, server_id, updated, cluster_member_data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			server_id=excluded.server_id,
			updated=excluded.updated,
			cluster_member_data=excluded.cluster_member_data`,
		hb.UUID.String(), hb.ServerID, nanos(hb.Updated), hb.ClusterMemberData)
	if err != nil {
		return fmt.Errorf("save heartbeat: %w", err)
	}
	return nil
}

func (s *HeartbeatStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pds_heartbeat WHERE updated < ?`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete heartbeats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
