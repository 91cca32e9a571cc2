package pdsstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates the schema in place. It is safe to run on every start and
// from several nodes.
//
// Timestamps are stored as unix nanoseconds (UTC) so range comparisons work
// on the integer column.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS pds_job (
			uuid TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			state TEXT NOT NULL,
			created INTEGER NOT NULL,
			started INTEGER,
			ended INTEGER,
			result TEXT NOT NULL DEFAULT '',
			traffic_light TEXT NOT NULL DEFAULT '',
			configuration TEXT NOT NULL DEFAULT '',
			messages TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pds_job_server_state ON pds_job(server_id, state, created);`,
		`CREATE INDEX IF NOT EXISTS idx_pds_job_ended ON pds_job(ended);`,

		`CREATE TABLE IF NOT EXISTS pds_heartbeat (
			uuid TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			updated INTEGER NOT NULL,
			cluster_member_data TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pds_heartbeat_server ON pds_heartbeat(server_id, updated);`,

		// Key/value settings shared by all nodes.
		`CREATE TABLE IF NOT EXISTS pds_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
