// Package persistence selects a storage adapter from configuration.
package persistence

import (
	"context"
	"fmt"

	"uowcore/internal/config"
	"uowcore/internal/infra/persistence/memory"
	"uowcore/internal/infra/persistence/postgres"
	"uowcore/internal/infra/persistence/sqlite"
	"uowcore/pkg/domain"
)

// Open builds the adapter named by cfg.StorageDriver. SQL backends create
// missing tables for schema.
func Open(ctx context.Context, cfg config.Config, schema domain.Schema) (domain.StorageAdapter, error) {
	driver := cfg.StorageDriver
	if driver == "" {
		driver = config.StorageMemory
	}
	switch driver {
	case config.StorageMemory:
		return memory.NewStore(schema), nil
	case config.StorageSQLite:
		s, err := sqlite.NewStore(ctx, cfg.SQLitePath, schema)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN, schema)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
