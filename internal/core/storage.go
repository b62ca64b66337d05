package core

import (
	"context"
	"fmt"

	"sleecore/internal/blob"
	"sleecore/internal/infra/persistence/blobsnap"
	"sleecore/internal/infra/persistence/boltstore"
	"sleecore/internal/infra/persistence/memory"
	"sleecore/internal/infra/persistence/postgres"
	"sleecore/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBolt     StorageDriver = "bolt"     // embedded bbolt file
	StorageBlob     StorageDriver = "blob"     // snapshot objects in a blob store
)

// StorageConfig selects and configures a backend. The zero value opens the
// default sqlite file.
type StorageConfig struct {
	Driver         StorageDriver
	SQLitePath     string
	PostgresDSN    string
	BoltPath       string
	Blob           blob.Config
	SnapshotPrefix string
}

// OpenPersistentStore opens the transactional store for cfg, loading any
// previously persisted state.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, engine *RulesEngine, opts ...memory.Option) (*memory.Store, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(engine, opts...), nil
	case "", StorageSQLite:
		return sqlite.NewStore(ctx, cfg.SQLitePath, engine, opts...)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine, opts...)
	case StorageBolt:
		return boltstore.NewStore(ctx, cfg.BoltPath, engine, opts...)
	case StorageBlob:
		bs, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		return blobsnap.NewStore(ctx, bs, cfg.SnapshotPrefix, engine, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// OpenContainer opens the store for cfg and builds a container over it.
// After-commit failures inside the store are reported through the container.
func OpenContainer(ctx context.Context, cfg StorageConfig, engine *RulesEngine, opts ...Option) (*Container, error) {
	var c *Container
	store, err := OpenPersistentStore(ctx, cfg, engine, memory.WithActionErrorHandler(func(ctx context.Context, err error) {
		if c != nil {
			c.obs.reportAction(ctx, "store", err)
		}
	}))
	if err != nil {
		return nil, err
	}
	c, err = NewContainer(store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}
