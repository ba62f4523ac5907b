package uow

import (
	"context"
	"fmt"

	"uowcore/pkg/domain"
)

// Params names the primary-key field and the value(s) to look up. Exactly
// one field is allowed.
type Params map[string]domain.Value

// Repository exposes lookup and lifecycle operations for one table.
type Repository struct {
	uow   *UnitOfWork
	table domain.TableSchema
}

// Table returns the schema of the repository's table.
func (r *Repository) Table() domain.TableSchema { return r.table }

// Find resolves a single entity by its primary key. A missing row yields
// nil without error.
func (r *Repository) Find(ctx context.Context, params Params) (*domain.Entity, error) {
	v, err := r.keyParam(params)
	if err != nil {
		return nil, err
	}
	if v.Kind() == domain.KindList {
		return nil, fmt.Errorf("find %s: %w: use FindMany for a list of keys", r.table.Name, domain.ErrMalformedQuery)
	}
	return r.findKey(ctx, domain.ScalarKey(v))
}

// FindByKey resolves a single entity by a scalar or composite key.
func (r *Repository) FindByKey(ctx context.Context, key domain.PrimaryKey) (*domain.Entity, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("find %s: %w", r.table.Name, err)
	}
	if len(key.Parts()) != len(r.table.PrimaryKey) {
		return nil, fmt.Errorf("find %s: %w: key has %d parts, want %d", r.table.Name, domain.ErrInvalidKey, len(key.Parts()), len(r.table.PrimaryKey))
	}
	return r.findKey(ctx, key)
}

// FindMany resolves a list of keys. Identity-mapped entities are reused and
// the rest are fetched in one batch. Results follow the order of the
// requested keys; missing and deleted rows are omitted.
func (r *Repository) FindMany(ctx context.Context, params Params) ([]*domain.Entity, error) {
	v, err := r.keyParam(params)
	if err != nil {
		return nil, err
	}
	if v.Kind() != domain.KindList {
		return nil, fmt.Errorf("find %s: %w: FindMany expects a list of keys", r.table.Name, domain.ErrMalformedQuery)
	}
	keys := make([]domain.PrimaryKey, 0, v.Len())
	seen := make(map[string]struct{}, v.Len())
	for _, item := range v.Items() {
		key := domain.ScalarKey(item)
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("find %s: %w: %v", r.table.Name, domain.ErrMalformedQuery, err)
		}
		if _, dup := seen[key.String()]; dup {
			continue
		}
		seen[key.String()] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return []*domain.Entity{}, nil
	}

	u := r.uow
	byKey := make(map[string]*domain.Entity, len(keys))
	found, missing, seenTable := u.identities.GetMany(r.table.Name, keys)
	if !seenTable {
		missing = keys
	}
	// found follows the order of keys with the missing ones skipped.
	absent := make(map[string]struct{}, len(missing))
	for _, key := range missing {
		absent[key.String()] = struct{}{}
	}
	for _, key := range keys {
		if _, miss := absent[key.String()]; miss || len(found) == 0 {
			continue
		}
		byKey[key.String()] = found[0]
		found = found[1:]
	}
	var fetch []domain.PrimaryKey
	for _, key := range missing {
		if _, state, ok := u.tracker.Lookup(r.table.Name, key); ok && state == domain.StateDeleted {
			continue
		}
		fetch = append(fetch, key)
	}
	if len(fetch) > 0 {
		rows, err := r.load(ctx, fetch)
		if err != nil {
			return nil, err
		}
		wrapped, err := u.proxies.WrapResults(r.table, rows)
		if err != nil {
			return nil, err
		}
		for _, e := range wrapped {
			key, err := u.adapter.ExtractPrimaryKey(r.table, e.Fields())
			if err != nil {
				return nil, err
			}
			byKey[key.String()] = e
		}
	}
	out := make([]*domain.Entity, 0, len(byKey))
	for _, key := range keys {
		if e, ok := byKey[key.String()]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Create registers a new entity built from fields. The primary key must be
// present. A live entity with the same identity is a conflict; a deleted
// one is replaced.
func (r *Repository) Create(fields domain.Record) (*domain.Entity, error) {
	u := r.uow
	key, err := u.adapter.ExtractPrimaryKey(r.table, fields)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", r.table.Name, err)
	}
	if _, ok := u.identities.Get(r.table.Name, key); ok {
		return nil, fmt.Errorf("create %s %s: %w", r.table.Name, key, domain.ErrDuplicateIdentity)
	}
	var e *domain.Entity
	if prev, state, ok := u.tracker.Lookup(r.table.Name, key); ok {
		if state != domain.StateDeleted {
			return nil, fmt.Errorf("create %s %s: %w", r.table.Name, key, domain.ErrDuplicateIdentity)
		}
		e = u.proxies.Intercept(domain.NewEntity(r.table.Name, fields))
		if err := u.tracker.Resurrect(prev, e, r.table); err != nil {
			return nil, fmt.Errorf("create %s: %w", r.table.Name, err)
		}
		u.opts.logger.Debug("identity resurrected", "table", r.table.Name, "key", key.String())
	} else {
		e, err = u.proxies.InterceptNew(r.table, fields)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", r.table.Name, err)
		}
	}
	if err := u.identities.Register(r.table.Name, key, e); err != nil {
		u.tracker.Untrack(e)
		return nil, fmt.Errorf("create %s: %w", r.table.Name, err)
	}
	return e, nil
}

// Delete schedules e for removal. Only entities loaded or created through
// this unit of work can be deleted.
func (r *Repository) Delete(e *domain.Entity) error {
	u := r.uow
	if e == nil || !u.tracker.IsTracked(e) {
		return fmt.Errorf("delete %s: %w", r.table.Name, domain.ErrUntrackedEntity)
	}
	if e.Table() != r.table.Name {
		return fmt.Errorf("delete %s: entity belongs to %s: %w", r.table.Name, e.Table(), domain.ErrUntrackedEntity)
	}
	if err := u.tracker.MarkDeleted(e); err != nil {
		return fmt.Errorf("delete %s: %w", r.table.Name, err)
	}
	u.identities.RemoveEntity(r.table.Name, e)
	return nil
}

func (r *Repository) keyParam(params Params) (domain.Value, error) {
	if len(params) != 1 {
		return domain.Value{}, fmt.Errorf("find %s: %w: want exactly one key field, got %d", r.table.Name, domain.ErrMalformedQuery, len(params))
	}
	if r.table.HasCompositeKey() {
		return domain.Value{}, fmt.Errorf("find %s: %w: composite key, use FindByKey", r.table.Name, domain.ErrMalformedQuery)
	}
	pk := r.table.PrimaryKey[0]
	for field, v := range params {
		if field != pk {
			return domain.Value{}, fmt.Errorf("find %s: %w: %q is not the primary key %q", r.table.Name, domain.ErrMalformedQuery, field, pk)
		}
		if v.IsNull() {
			return domain.Value{}, fmt.Errorf("find %s: %w: null key", r.table.Name, domain.ErrMalformedQuery)
		}
		return v, nil
	}
	panic("unreachable")
}

func (r *Repository) findKey(ctx context.Context, key domain.PrimaryKey) (*domain.Entity, error) {
	u := r.uow
	if e, ok := u.identities.Get(r.table.Name, key); ok {
		return e, nil
	}
	if _, state, ok := u.tracker.Lookup(r.table.Name, key); ok && state == domain.StateDeleted {
		return nil, nil
	}
	rows, err := r.load(ctx, []domain.PrimaryKey{key})
	if err != nil {
		return nil, err
	}
	entities, err := u.proxies.WrapResults(r.table, rows)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return entities[0], nil
}

func (r *Repository) load(ctx context.Context, keys []domain.PrimaryKey) ([]domain.Record, error) {
	u := r.uow
	if rows, ok := u.opts.cache.Get(r.table.Name, keys); ok {
		u.opts.logger.Debug("query cache hit", "table", r.table.Name, "keys", len(keys))
		return rows, nil
	}
	var rows []domain.Record
	err := u.run(ctx, "load", func(ctx context.Context) error {
		var err error
		rows, err = u.adapter.Load(ctx, r.table, keys)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", r.table.Name, err)
	}
	u.opts.cache.Put(r.table.Name, keys, rows)
	return rows, nil
}
