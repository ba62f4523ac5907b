package uow

import (
	"context"
	"fmt"
	"io"

	"uowcore/internal/blob"
	"uowcore/internal/config"
	"uowcore/internal/journal"
	"uowcore/internal/logging"
	"uowcore/internal/persistence"
	"uowcore/pkg/domain"
)

// Open builds a unit of work from cfg: the storage adapter, a stderr logger,
// the query cache, the checkpoint limit and, when enabled, the save journal.
// opts are applied last and override the configured values.
func Open(ctx context.Context, schema domain.Schema, cfg config.Config, opts ...Option) (*UnitOfWork, error) {
	logger, err := logging.FromLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	adapter, err := persistence.Open(ctx, cfg, schema)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	closeAdapter := func() {
		if c, ok := adapter.(io.Closer); ok {
			_ = c.Close()
		}
	}
	base := []Option{
		WithLogger(logger.With("storage", string(cfg.StorageDriver))),
		WithCheckpointLimit(cfg.CheckpointLimit),
	}
	if cfg.QueryCacheTTL > 0 {
		base = append(base, WithQueryCache(cfg.QueryCacheSize, cfg.QueryCacheTTL))
	}
	if cfg.Journal.Enabled() {
		store, err := blob.Open(ctx, cfg.Journal)
		if err != nil {
			closeAdapter()
			return nil, fmt.Errorf("open journal store: %w", err)
		}
		j, err := journal.New(store)
		if err != nil {
			closeAdapter()
			return nil, err
		}
		logger.Info("journal enabled", "driver", string(store.Driver()), "session", j.Session())
		base = append(base, WithJournal(j))
	}
	u, err := New(schema, adapter, append(base, opts...)...)
	if err != nil {
		closeAdapter()
		return nil, err
	}
	return u, nil
}
