package pdsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gopds/pkg/autocleanup"
)

const autoCleanupKey = "autoclean"

// ConfigStore implements autocleanup.ConfigStore on the pds_config table.
type ConfigStore struct {
	db *sql.DB
}

func (s *ConfigStore) LoadAutoCleanupConfig(ctx context.Context) (*autocleanup.Config, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pds_config WHERE key = ?`, autoCleanupKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auto cleanup config: %w", err)
	}

	var cfg autocleanup.Config
	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		return nil, fmt.Errorf("parse auto cleanup config: %w", err)
	}
	return &cfg, nil
}

func (s *ConfigStore) SaveAutoCleanupConfig(ctx context.Context, cfg autocleanup.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal auto cleanup config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO pds_config (key, value, updated)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated=excluded.updated`,
		autoCleanupKey, string(data), nanos(time.Now()))
	if err != nil {
		return fmt.Errorf("save auto cleanup config: %w", err)
	}
	return nil
}
