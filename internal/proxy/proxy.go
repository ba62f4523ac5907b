// Package proxy attaches write observers to entities so that mutations made
// through the entity API reach the change tracker, and reconciles query
// results with the identity map.
package proxy

import (
	"fmt"

	"uowcore/internal/identity"
	"uowcore/internal/tracker"
	"uowcore/pkg/domain"
)

// Manager owns the interception cache of one unit of work.
type Manager struct {
	tracker     *tracker.Tracker
	identities  *identity.Map
	keys        tracker.KeyExtractor
	intercepted map[*domain.Entity]struct{}
	observer    *observer
}

// New wires a manager to the tracker and identity map it feeds.
func New(tr *tracker.Tracker, ids *identity.Map, keys tracker.KeyExtractor) *Manager {
	m := &Manager{
		tracker:     tr,
		identities:  ids,
		keys:        keys,
		intercepted: make(map[*domain.Entity]struct{}),
	}
	m.observer = &observer{tracker: tr}
	return m
}

// Intercept attaches the write observer to e. Intercepting the same entity
// twice returns it unchanged.
func (m *Manager) Intercept(e *domain.Entity) *domain.Entity {
	if _, ok := m.intercepted[e]; ok {
		return e
	}
	e.Attach(m.observer)
	m.intercepted[e] = struct{}{}
	return e
}

// IsIntercepted reports whether e carries this manager's observer.
func (m *Manager) IsIntercepted(e *domain.Entity) bool {
	_, ok := m.intercepted[e]
	return ok
}

// InterceptNew builds an intercepted entity from fields and tracks it as Added.
func (m *Manager) InterceptNew(table domain.TableSchema, fields domain.Record) (*domain.Entity, error) {
	e := m.Intercept(domain.NewEntity(table.Name, fields))
	if err := m.tracker.MarkAdded(e, table); err != nil {
		delete(m.intercepted, e)
		e.Attach(nil)
		return nil, err
	}
	return e, nil
}

// WrapResults turns storage rows into live entities. Rows whose identity is
// already mapped resolve to the existing instance; rows whose tracked
// instance is Deleted are dropped. New instances are tracked Unchanged and
// registered.
func (m *Manager) WrapResults(table domain.TableSchema, rows []domain.Record) ([]*domain.Entity, error) {
	out := make([]*domain.Entity, 0, len(rows))
	for _, row := range rows {
		key, err := m.keys.ExtractPrimaryKey(table, row)
		if err != nil {
			return nil, fmt.Errorf("wrap %s row: %w", table.Name, err)
		}
		if _, state, ok := m.tracker.Lookup(table.Name, key); ok && state == domain.StateDeleted {
			continue
		}
		if existing, ok := m.identities.Get(table.Name, key); ok {
			out = append(out, existing)
			continue
		}
		e := m.Intercept(domain.NewEntity(table.Name, row))
		if err := m.tracker.Track(e, table, domain.StateUnchanged); err != nil {
			return nil, err
		}
		if err := m.identities.Register(table.Name, key, e); err != nil {
			m.tracker.Untrack(e)
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Clear forgets every intercepted entity. Observers already attached stay in
// place; writes through them no longer reach a tracking record.
func (m *Manager) Clear() {
	m.intercepted = make(map[*domain.Entity]struct{})
}

// Len returns the number of intercepted entities.
func (m *Manager) Len() int { return len(m.intercepted) }

type observer struct {
	tracker *tracker.Tracker
}

func (o *observer) BeforeWrite(e *domain.Entity, field string) error {
	if state, ok := o.tracker.State(e); ok && state == domain.StateDeleted {
		return fmt.Errorf("write %s.%s: %w", e.Table(), field, domain.ErrEntityDeleted)
	}
	return nil
}

func (o *observer) AfterWrite(e *domain.Entity, field string, old, current domain.Value) error {
	if !o.tracker.IsTracked(e) || old.Equal(current) {
		return nil
	}
	return o.tracker.MarkModified(e, field, old)
}
