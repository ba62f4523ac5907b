// Package identity implements the identity map: one live entity per
// (table, primary key) within a unit of work.
package identity

import (
	"fmt"
	"sort"

	"uowcore/pkg/domain"
)

// Map resolves (table, serialized key) pairs to live entities. It is owned by
// a single unit of work and is not safe for concurrent use.
type Map struct {
	tables map[string]map[string]*domain.Entity
}

// New returns an empty identity map.
func New() *Map {
	return &Map{tables: make(map[string]map[string]*domain.Entity)}
}

// Get returns the entity registered under table and key.
func (m *Map) Get(table string, key domain.PrimaryKey) (*domain.Entity, bool) {
	bucket, ok := m.tables[table]
	if !ok {
		return nil, false
	}
	e, ok := bucket[key.String()]
	return e, ok
}

// GetMany partitions keys into registered entities and missing keys. ok is
// false when the table has never been seen so callers can tell an unknown
// table apart from an empty one.
func (m *Map) GetMany(table string, keys []domain.PrimaryKey) (found []*domain.Entity, missing []domain.PrimaryKey, ok bool) {
	bucket, ok := m.tables[table]
	if !ok {
		return nil, nil, false
	}
	for _, key := range keys {
		if e, hit := bucket[key.String()]; hit {
			found = append(found, e)
			continue
		}
		missing = append(missing, key)
	}
	return found, missing, true
}

// Register binds e to table and key, replacing any previous binding.
func (m *Map) Register(table string, key domain.PrimaryKey, e *domain.Entity) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", table, err)
	}
	if e == nil {
		return fmt.Errorf("register %s %s: nil entity", table, key)
	}
	bucket, ok := m.tables[table]
	if !ok {
		bucket = make(map[string]*domain.Entity)
		m.tables[table] = bucket
	}
	bucket[key.String()] = e
	return nil
}

// Remove drops the binding for key, reporting whether one existed.
func (m *Map) Remove(table string, key domain.PrimaryKey) bool {
	bucket, ok := m.tables[table]
	if !ok {
		return false
	}
	k := key.String()
	if _, ok := bucket[k]; !ok {
		return false
	}
	delete(bucket, k)
	return true
}

// RemoveEntity drops every binding of e within table.
func (m *Map) RemoveEntity(table string, e *domain.Entity) bool {
	bucket, ok := m.tables[table]
	if !ok {
		return false
	}
	removed := false
	for k, candidate := range bucket {
		if candidate == e {
			delete(bucket, k)
			removed = true
		}
	}
	return removed
}

// Has reports whether key is registered in table.
func (m *Map) Has(table string, key domain.PrimaryKey) bool {
	_, ok := m.Get(table, key)
	return ok
}

// ClearTable drops every binding of table. The table stays known.
func (m *Map) ClearTable(table string) {
	if _, ok := m.tables[table]; ok {
		m.tables[table] = make(map[string]*domain.Entity)
	}
}

// Clear forgets every table.
func (m *Map) Clear() {
	m.tables = make(map[string]map[string]*domain.Entity)
}

// AllForTable returns the entities of table ordered by serialized key.
func (m *Map) AllForTable(table string) []*domain.Entity {
	bucket := m.tables[table]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*domain.Entity, 0, len(keys))
	for _, k := range keys {
		out = append(out, bucket[k])
	}
	return out
}

// Len returns the number of bindings across all tables.
func (m *Map) Len() int {
	n := 0
	for _, bucket := range m.tables {
		n += len(bucket)
	}
	return n
}

type snapshotEntry struct {
	entity *domain.Entity
	fields domain.Record
}

// Snapshot is a point-in-time copy of the identity map. Field values are
// deep copied; entity pointers are kept so identity survives a restore.
type Snapshot struct {
	tables map[string]map[string]snapshotEntry
}

// Len returns the number of bindings captured.
func (s Snapshot) Len() int {
	n := 0
	for _, bucket := range s.tables {
		n += len(bucket)
	}
	return n
}

// Snapshot captures the current bindings and field values.
func (m *Map) Snapshot() Snapshot {
	s := Snapshot{tables: make(map[string]map[string]snapshotEntry, len(m.tables))}
	for table, bucket := range m.tables {
		cp := make(map[string]snapshotEntry, len(bucket))
		for k, e := range bucket {
			cp[k] = snapshotEntry{entity: e, fields: e.Fields()}
		}
		s.tables[table] = cp
	}
	return s
}

// Restore replaces the bindings with those captured in s and rewinds each
// entity's fields to the captured values.
func (m *Map) Restore(s Snapshot) {
	m.tables = make(map[string]map[string]*domain.Entity, len(s.tables))
	for table, bucket := range s.tables {
		cp := make(map[string]*domain.Entity, len(bucket))
		for k, entry := range bucket {
			entry.entity.Restore(entry.fields)
			cp[k] = entry.entity
		}
		m.tables[table] = cp
	}
}
