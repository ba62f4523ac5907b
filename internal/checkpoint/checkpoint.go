// Package checkpoint keeps a bounded history of in-memory snapshots and
// enforces the order in which they may be persisted or reverted to.
package checkpoint

import (
	"fmt"
	"time"

	"uowcore/internal/identity"
	"uowcore/internal/tracker"
	"uowcore/pkg/domain"
)

// DefaultLimit is the number of checkpoints retained when no limit is given.
const DefaultLimit = 50

// Checkpoint is a captured session state.
type Checkpoint struct {
	ID        int
	CreatedAt time.Time
	Tracker   tracker.Snapshot
	Identity  identity.Snapshot
	Persisted bool
}

// Manager stores checkpoints in a ring buffer, evicting the oldest once the
// limit is reached. Ids increase strictly from 1 until Clear.
type Manager struct {
	limit         int
	items         []*Checkpoint
	nextID        int
	lastPersisted int
	lastReverted  int
	now           func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithLimit bounds the number of retained checkpoints. Non-positive values
// keep DefaultLimit.
func WithLimit(limit int) Option {
	return func(m *Manager) {
		if limit > 0 {
			m.limit = limit
		}
	}
}

// WithClock overrides the clock used to stamp checkpoints.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{limit: DefaultLimit, nextID: 1, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a checkpoint for the given snapshots and returns its id.
func (m *Manager) Create(tr tracker.Snapshot, ids identity.Snapshot) int {
	cp := &Checkpoint{
		ID:        m.nextID,
		CreatedAt: m.now().UTC(),
		Tracker:   tr,
		Identity:  ids,
	}
	m.nextID++
	m.items = append(m.items, cp)
	if len(m.items) > m.limit {
		// Evicted entries are released for the collector.
		m.items[0] = nil
		m.items = m.items[1:]
	}
	return cp.ID
}

// Get returns the checkpoint with id.
func (m *Manager) Get(id int) (*Checkpoint, error) {
	for _, cp := range m.items {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("checkpoint %d: %w", id, domain.ErrCheckpointNotFound)
}

// ValidatePersist reports whether id may be saved: it must not precede the
// last persisted checkpoint nor follow the last reverted one.
func (m *Manager) ValidatePersist(id int) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	if m.lastPersisted != 0 && id < m.lastPersisted {
		return domain.CheckpointOrderError{Op: "persist", ID: id, Bound: domain.BoundLastPersisted, Limit: m.lastPersisted}
	}
	if m.lastReverted != 0 && id > m.lastReverted {
		return domain.CheckpointOrderError{Op: "persist", ID: id, Bound: domain.BoundLastReverted, Limit: m.lastReverted}
	}
	return nil
}

// ValidateRevert reports whether the session may be rolled back to id: it
// must not precede the last persisted checkpoint.
func (m *Manager) ValidateRevert(id int) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	if m.lastPersisted != 0 && id < m.lastPersisted {
		return domain.CheckpointOrderError{Op: "revert to", ID: id, Bound: domain.BoundLastPersisted, Limit: m.lastPersisted}
	}
	return nil
}

// MarkPersisted records a successful save of id.
func (m *Manager) MarkPersisted(id int) {
	if cp, err := m.Get(id); err == nil {
		cp.Persisted = true
	}
	m.lastPersisted = id
}

// MarkReverted records a rollback to id.
func (m *Manager) MarkReverted(id int) {
	m.lastReverted = id
}

// Rebase reconciles the tracker snapshot of id and of every later checkpoint
// with changesets persisted from id.
func (m *Manager) Rebase(id int, saved []domain.ChangeSet) {
	for _, cp := range m.items {
		if cp.ID >= id {
			cp.Tracker = cp.Tracker.Rebase(saved)
		}
	}
}

// After returns the checkpoints created after id, oldest first.
func (m *Manager) After(id int) []*Checkpoint {
	var out []*Checkpoint
	for _, cp := range m.items {
		if cp.ID > id {
			out = append(out, cp)
		}
	}
	return out
}

// LastPersisted returns the last persisted id, if any.
func (m *Manager) LastPersisted() (int, bool) { return m.lastPersisted, m.lastPersisted != 0 }

// LastReverted returns the last reverted id, if any.
func (m *Manager) LastReverted() (int, bool) { return m.lastReverted, m.lastReverted != 0 }

// Len returns the number of retained checkpoints.
func (m *Manager) Len() int { return len(m.items) }

// Limit returns the retention bound.
func (m *Manager) Limit() int { return m.limit }

// Clear drops every checkpoint, resets both bounds and restarts ids at 1.
func (m *Manager) Clear() {
	m.items = nil
	m.nextID = 1
	m.lastPersisted = 0
	m.lastReverted = 0
}
