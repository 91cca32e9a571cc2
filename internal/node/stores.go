package node

import (
	"context"
	"fmt"

	"github.com/3leaps/gopds/internal/config"
	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/cluster"
	"github.com/3leaps/gopds/pkg/memstore"
	"github.com/3leaps/gopds/pkg/pdsjob"
	"github.com/3leaps/gopds/pkg/pdsstore"
)

// JobStore is a pdsjob.Store that can also list jobs for the CLI.
type JobStore interface {
	pdsjob.Store
	List(ctx context.Context, serverID string) ([]pdsjob.Job, error)
}

// Stores is the persistence a node runs on, independent of the driver.
type Stores struct {
	Driver     string
	Jobs       JobStore
	Heartbeats cluster.HeartbeatStore
	Config     autocleanup.ConfigStore

	ping  func(ctx context.Context) error
	close func() error
}

// OpenStores opens the configured driver. The sqlite driver migrates the
// schema on open.
func OpenStores(ctx context.Context, cfg config.StoreConfig) (*Stores, error) {
	switch cfg.Driver {
	case "memory":
		mem := memstore.New()
		return &Stores{
			Driver:     cfg.Driver,
			Jobs:       mem.Jobs,
			Heartbeats: mem.Heartbeats,
			Config:     mem.Config,
			ping:       func(context.Context) error { return nil },
			close:      func() error { return nil },
		}, nil
	case "sqlite", "":
		db, err := pdsstore.Open(ctx, pdsstore.Config{
			Path:      cfg.Path,
			URL:       cfg.URL,
			AuthToken: cfg.AuthToken,
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return &Stores{
			Driver:     "sqlite",
			Jobs:       db.Jobs,
			Heartbeats: db.Heartbeats,
			Config:     db.Config,
			ping:       db.Ping,
			close:      db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// CheckHealth pings the backing database.
func (s *Stores) CheckHealth(ctx context.Context) error {
	return s.ping(ctx)
}

func (s *Stores) Close() error {
	return s.close()
}
