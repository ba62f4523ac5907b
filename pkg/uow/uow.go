// Package uow coordinates the identity map, change tracker, mutation
// interceptor and checkpoint manager of a single session over a storage
// adapter.
package uow

import (
	"context"
	"errors"
	"fmt"
	"io"

	"uowcore/internal/checkpoint"
	"uowcore/internal/identity"
	"uowcore/internal/proxy"
	"uowcore/internal/tracker"
	"uowcore/pkg/domain"
)

// UnitOfWork is one session of tracked work. It is not safe for concurrent
// use; callers serialize access.
type UnitOfWork struct {
	schema      domain.Schema
	adapter     domain.StorageAdapter
	identities  *identity.Map
	tracker     *tracker.Tracker
	proxies     *proxy.Manager
	checkpoints *checkpoint.Manager
	repos       map[string]*Repository
	opts        options
}

// RollbackResult reports the outcome of Rollback. Error is empty on success.
type RollbackResult struct {
	Error string `json:"error,omitempty"`
}

// OK reports whether the rollback was applied.
func (r RollbackResult) OK() bool { return r.Error == "" }

// New constructs a unit of work over adapter with one repository per table
// of schema.
func New(schema domain.Schema, adapter domain.StorageAdapter, opts ...Option) (*UnitOfWork, error) {
	if adapter == nil {
		return nil, errors.New("uow: storage adapter is required")
	}
	if len(schema.Tables()) == 0 {
		return nil, errors.New("uow: schema has no tables")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	u := &UnitOfWork{
		schema:     schema,
		adapter:    adapter,
		identities: identity.New(),
		tracker:    tracker.New(adapter),
		opts:       o,
	}
	u.proxies = proxy.New(u.tracker, u.identities, adapter)
	u.checkpoints = checkpoint.New(
		checkpoint.WithLimit(o.checkpointLimit),
		checkpoint.WithClock(o.clock.Now),
	)
	u.repos = make(map[string]*Repository, len(schema.Tables()))
	for _, table := range schema.Tables() {
		u.repos[table.Name] = &Repository{uow: u, table: table}
	}
	return u, nil
}

// Repository returns the repository of table.
func (u *UnitOfWork) Repository(table string) (*Repository, error) {
	r, ok := u.repos[table]
	if !ok {
		return nil, fmt.Errorf("repository %q: %w", table, domain.ErrUnknownTable)
	}
	return r, nil
}

// MustRepository is like Repository but panics on an unknown table.
func (u *UnitOfWork) MustRepository(table string) *Repository {
	r, err := u.Repository(table)
	if err != nil {
		panic(err)
	}
	return r
}

// Schema returns the schema the unit of work was built for.
func (u *UnitOfWork) Schema() domain.Schema { return u.schema }

// Save persists every pending change in one transaction. On success the
// session is reset; on failure nothing in memory changes.
func (u *UnitOfWork) Save(ctx context.Context) error {
	return u.run(ctx, "save", func(ctx context.Context) error {
		changes := u.tracker.ComputeChangeSets()
		if len(changes) == 0 {
			u.opts.logger.Debug("save skipped, no pending changes")
			return nil
		}
		if err := u.execute(ctx, changes); err != nil {
			return err
		}
		u.record(ctx, 0, changes)
		u.opts.logger.Info("saved changes", "changes", len(changes))
		u.reset()
		return nil
	})
}

// SaveCheckpoint persists the changes pending at checkpoint id, as captured
// when it was set. Later work stays pending and is diffed against what was
// persisted.
func (u *UnitOfWork) SaveCheckpoint(ctx context.Context, id int) error {
	return u.run(ctx, "save_checkpoint", func(ctx context.Context) error {
		if err := u.checkpoints.ValidatePersist(id); err != nil {
			return err
		}
		cp, err := u.checkpoints.Get(id)
		if err != nil {
			return err
		}
		changes := cp.Tracker.ChangeSets()
		if len(changes) > 0 {
			if err := u.execute(ctx, changes); err != nil {
				return err
			}
			u.tracker.Rebase(changes)
			u.checkpoints.Rebase(id, changes)
			u.opts.cache.Purge()
			u.record(ctx, id, changes)
		}
		u.checkpoints.MarkPersisted(id)
		u.opts.logger.Info("saved checkpoint", "checkpoint", id, "changes", len(changes))
		return nil
	})
}

func (u *UnitOfWork) execute(ctx context.Context, changes []domain.ChangeSet) error {
	if err := u.adapter.ExecuteChangeSets(ctx, changes); err != nil {
		u.opts.logger.Error("save failed", "changes", len(changes), "error", err)
		return domain.StorageError{Op: "save changes", Err: err}
	}
	return nil
}

func (u *UnitOfWork) record(ctx context.Context, id int, changes []domain.ChangeSet) {
	if u.opts.journal == nil {
		return
	}
	if err := u.opts.journal.Record(ctx, id, changes); err != nil {
		u.opts.logger.Warn("journal write failed", "checkpoint", id, "error", err)
	}
}

// SetCheckpoint captures the current session and returns its id.
func (u *UnitOfWork) SetCheckpoint() int {
	id := u.checkpoints.Create(u.tracker.Snapshot(), u.identities.Snapshot())
	u.opts.logger.Debug("checkpoint set", "checkpoint", id, "tracked", u.tracker.Len())
	return id
}

// Rollback rewinds the session to checkpoint id in memory. It never fails
// loudly: a refused rollback is reported through the result.
func (u *UnitOfWork) Rollback(id int) RollbackResult {
	var res RollbackResult
	_ = u.run(context.Background(), "rollback", func(context.Context) error {
		if err := u.checkpoints.ValidateRevert(id); err != nil {
			res.Error = err.Error()
			return err
		}
		cp, err := u.checkpoints.Get(id)
		if err != nil {
			res.Error = err.Error()
			return err
		}
		u.tracker.Restore(cp.Tracker)
		u.identities.Restore(cp.Identity)
		u.opts.cache.Purge()
		u.checkpoints.MarkReverted(id)
		u.opts.logger.Info("rolled back", "checkpoint", id)
		return nil
	})
	if res.Error != "" {
		u.opts.logger.Warn("rollback refused", "checkpoint", id, "error", res.Error)
	}
	return res
}

// Stats reports the current session sizes.
func (u *UnitOfWork) Stats() domain.Stats {
	return domain.Stats{
		TrackedEntities: u.tracker.Len(),
		IdentityMapSize: u.identities.Len(),
		CheckpointCount: u.checkpoints.Len(),
		PendingChanges:  len(u.tracker.ComputeChangeSets()),
	}
}

// PendingChanges returns the changesets a Save would persist.
func (u *UnitOfWork) PendingChanges() []domain.ChangeSet {
	return u.tracker.ComputeChangeSets()
}

// State returns the tracked state of e.
func (u *UnitOfWork) State(e *domain.Entity) (domain.EntityState, bool) {
	return u.tracker.State(e)
}

// Clear resets the session without touching storage.
func (u *UnitOfWork) Clear() {
	u.reset()
	u.opts.logger.Debug("session cleared")
}

func (u *UnitOfWork) reset() {
	u.tracker.Clear()
	u.identities.Clear()
	u.proxies.Clear()
	u.checkpoints.Clear()
	u.opts.cache.Purge()
}

// Close releases the storage adapter when it holds resources.
func (u *UnitOfWork) Close() error {
	if c, ok := u.adapter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (u *UnitOfWork) run(ctx context.Context, op string, fn func(context.Context) error) error {
	start := u.opts.clock.Now()
	ctx, span := u.opts.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	u.opts.metrics.Observe(ctx, op, err == nil, u.opts.clock.Now().Sub(start))
	return err
}
