package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
)

// NewRequestStore opens the backend named by cfg.Driver and wraps it with
// aggregate counters seeded from the stored records.
func NewRequestStore(ctx context.Context, cfg config.DatabaseConfig) (*CountingStore, error) {
	var (
		store RequestStore
		err   error
	)
	switch cfg.Driver {
	case "memory":
		store = NewMemoryStore()
	case "leveldb", "":
		store, err = OpenLevelDB(cfg.Path)
	case "postgres":
		client, cerr := NewPostgresClient(cfg.URL)
		if cerr != nil {
			return nil, cerr
		}
		store, err = NewPostgresStore(client)
	case "mongo":
		client, database, cerr := NewMongoClient(ctx, cfg.URL, cfg.Name)
		if cerr != nil {
			return nil, cerr
		}
		store, err = NewMongoStore(ctx, client, database)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	counting, err := NewCountingStore(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Driver).
		Uint64("requests", counting.Counters().Total()).
		Msg("[DatabaseAdapter] request store ready")
	return counting, nil
}
