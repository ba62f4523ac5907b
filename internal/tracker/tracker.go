// Package tracker records per-entity state transitions and computes the
// changesets a unit of work persists.
package tracker

import (
	"fmt"
	"sort"

	"uowcore/pkg/domain"
)

// KeyExtractor resolves the primary key of a row. Storage adapters satisfy it.
type KeyExtractor interface {
	ExtractPrimaryKey(table domain.TableSchema, fields domain.Record) (domain.PrimaryKey, error)
}

// TrackedEntity is a read-only view of a tracking record.
type TrackedEntity struct {
	Entity    *domain.Entity
	State     domain.EntityState
	Original  domain.Record
	Table     string
	Key       domain.PrimaryKey
	Persisted bool
}

type entry struct {
	entity    *domain.Entity
	state     domain.EntityState
	original  domain.Record
	table     string
	key       domain.PrimaryKey
	persisted bool
	seq       uint64
	// values holds the captured fields of snapshot entries; live entries read the entity.
	values domain.Record
}

func (en *entry) view() TrackedEntity {
	return TrackedEntity{
		Entity:    en.entity,
		State:     en.state,
		Original:  en.original.Clone(),
		Table:     en.table,
		Key:       en.key,
		Persisted: en.persisted,
	}
}

func identityKey(table string, key domain.PrimaryKey) string {
	return table + "\x00" + key.String()
}

// Tracker maps live entities to their tracking records. It is owned by a
// single unit of work and is not safe for concurrent use.
type Tracker struct {
	keys KeyExtractor
	st   *state
}

// New returns an empty tracker that resolves keys through keys.
func New(keys KeyExtractor) *Tracker {
	return &Tracker{keys: keys, st: newState(true)}
}

// Track starts tracking e in the given state. Tracking an already tracked
// entity is a no-op. Unchanged and Modified entities get a deep copy of
// every field as their baseline.
func (t *Tracker) Track(e *domain.Entity, table domain.TableSchema, state domain.EntityState) error {
	if e == nil {
		return fmt.Errorf("track %s: nil entity", table.Name)
	}
	if _, ok := t.st.entries[e]; ok {
		return nil
	}
	key, err := t.keys.ExtractPrimaryKey(table, e.Fields())
	if err != nil {
		return fmt.Errorf("track %s: %w", table.Name, err)
	}
	en := &entry{
		entity:    e,
		state:     state,
		original:  domain.Record{},
		table:     table.Name,
		key:       key,
		persisted: state == domain.StateUnchanged || state == domain.StateModified,
	}
	if en.persisted {
		en.original = e.Fields()
	}
	t.st.add(en)
	return nil
}

// MarkAdded tracks e as a new entity pending insertion.
func (t *Tracker) MarkAdded(e *domain.Entity, table domain.TableSchema) error {
	return t.Track(e, table, domain.StateAdded)
}

// MarkModified records that field of e changed from old. The first
// divergence of a field fixes its baseline; later writes keep it.
func (t *Tracker) MarkModified(e *domain.Entity, field string, old domain.Value) error {
	en, ok := t.st.entries[e]
	if !ok {
		return fmt.Errorf("mark %q modified: %w", field, domain.ErrUntrackedEntity)
	}
	if en.state == domain.StateDeleted {
		return fmt.Errorf("mark %s %s field %q modified: %w", en.table, en.key, field, domain.ErrEntityDeleted)
	}
	if en.state == domain.StateUnchanged {
		en.state = domain.StateModified
	}
	if en.state == domain.StateAdded {
		return nil
	}
	if _, seen := en.original[field]; !seen {
		en.original[field] = old.Clone()
	}
	return nil
}

// MarkDeleted schedules e for removal regardless of its prior state.
func (t *Tracker) MarkDeleted(e *domain.Entity) error {
	en, ok := t.st.entries[e]
	if !ok {
		return fmt.Errorf("mark deleted: %w", domain.ErrUntrackedEntity)
	}
	en.state = domain.StateDeleted
	return nil
}

// Resurrect replaces the Deleted record of old with a record for e under the
// same identity. A persisted row turns into an update against the old
// baseline; a row that never reached storage is simply added again.
func (t *Tracker) Resurrect(old, e *domain.Entity, table domain.TableSchema) error {
	prev, ok := t.st.entries[old]
	if !ok {
		return fmt.Errorf("resurrect %s: %w", table.Name, domain.ErrUntrackedEntity)
	}
	if prev.state != domain.StateDeleted {
		return fmt.Errorf("resurrect %s %s: %w", table.Name, prev.key, domain.ErrDuplicateIdentity)
	}
	t.st.remove(old)
	if !prev.persisted {
		return t.MarkAdded(e, table)
	}
	if err := t.Track(e, table, domain.StateModified); err != nil {
		return err
	}
	en := t.st.entries[e]
	en.original = prev.original.Clone()
	settle(en, e.Fields())
	return nil
}

// Untrack forgets e.
func (t *Tracker) Untrack(e *domain.Entity) {
	t.st.remove(e)
}

// IsTracked reports whether e has a tracking record.
func (t *Tracker) IsTracked(e *domain.Entity) bool {
	_, ok := t.st.entries[e]
	return ok
}

// State returns the state of e.
func (t *Tracker) State(e *domain.Entity) (domain.EntityState, bool) {
	en, ok := t.st.entries[e]
	if !ok {
		return 0, false
	}
	return en.state, true
}

// Get returns a copy of the tracking record of e.
func (t *Tracker) Get(e *domain.Entity) (TrackedEntity, bool) {
	en, ok := t.st.entries[e]
	if !ok {
		return TrackedEntity{}, false
	}
	return en.view(), true
}

// Lookup returns the entity most recently tracked under table and key.
func (t *Tracker) Lookup(table string, key domain.PrimaryKey) (*domain.Entity, domain.EntityState, bool) {
	e, ok := t.st.byKey[identityKey(table, key)]
	if !ok {
		return nil, 0, false
	}
	return e, t.st.entries[e].state, true
}

// Len returns the number of tracked entities, Deleted ones included.
func (t *Tracker) Len() int { return len(t.st.entries) }

// Clear forgets every tracked entity.
func (t *Tracker) Clear() { t.st = newState(true) }

// ComputeChangeSets returns one changeset per entity with pending work, in
// tracking order. Modified entities whose fields all match their baseline
// produce nothing.
func (t *Tracker) ComputeChangeSets() []domain.ChangeSet {
	return t.st.changeSets()
}

// Rebase reconciles live tracking records with changesets that were just
// persisted from a checkpoint, so later diffs start from what storage holds.
func (t *Tracker) Rebase(saved []domain.ChangeSet) {
	t.st.rebase(saved)
}

// Snapshot is an independent deep copy of the tracker state.
type Snapshot struct {
	st *state
}

// Len returns the number of entities captured.
func (s Snapshot) Len() int {
	if s.st == nil {
		return 0
	}
	return len(s.st.entries)
}

// ChangeSets returns the changesets pending at the moment s was taken.
func (s Snapshot) ChangeSets() []domain.ChangeSet {
	if s.st == nil {
		return nil
	}
	return s.st.changeSets()
}

// Rebase returns a copy of s reconciled with persisted changesets.
func (s Snapshot) Rebase(saved []domain.ChangeSet) Snapshot {
	if s.st == nil {
		return s
	}
	cp := s.st.clone(false)
	cp.rebase(saved)
	return Snapshot{st: cp}
}

// Entries returns the captured records in tracking order.
func (s Snapshot) Entries() []TrackedEntity {
	if s.st == nil {
		return nil
	}
	out := make([]TrackedEntity, 0, len(s.st.entries))
	for _, en := range s.st.ordered() {
		out = append(out, en.view())
	}
	return out
}

// Snapshot captures the current records and field values.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{st: t.st.clone(false)}
}

// Restore replaces the tracker state with a copy of s and rewinds every
// captured entity to its captured field values.
func (t *Tracker) Restore(s Snapshot) {
	if s.st == nil {
		t.Clear()
		return
	}
	st := s.st.clone(true)
	for _, en := range s.st.entries {
		en.entity.Restore(en.values)
	}
	t.st = st
}

type state struct {
	live    bool
	entries map[*domain.Entity]*entry
	byKey   map[string]*domain.Entity
	seq     uint64
}

func newState(live bool) *state {
	return &state{
		live:    live,
		entries: make(map[*domain.Entity]*entry),
		byKey:   make(map[string]*domain.Entity),
	}
}

func (st *state) add(en *entry) {
	st.seq++
	en.seq = st.seq
	st.entries[en.entity] = en
	st.byKey[identityKey(en.table, en.key)] = en.entity
}

func (st *state) remove(e *domain.Entity) {
	en, ok := st.entries[e]
	if !ok {
		return
	}
	delete(st.entries, e)
	k := identityKey(en.table, en.key)
	if st.byKey[k] == e {
		delete(st.byKey, k)
		// Fall back to another record under the same identity, if any.
		for _, other := range st.ordered() {
			if identityKey(other.table, other.key) == k {
				st.byKey[k] = other.entity
			}
		}
	}
}

func (st *state) current(en *entry) domain.Record {
	if st.live {
		return en.entity.Fields()
	}
	return en.values
}

// clone deep copies st. A live source captures entity fields into values; a
// snapshot source copies its captured values. toLive drops captured values.
func (st *state) clone(toLive bool) *state {
	out := newState(toLive)
	out.seq = st.seq
	for e, en := range st.entries {
		cp := *en
		cp.original = en.original.Clone()
		if toLive {
			cp.values = nil
		} else {
			cp.values = st.current(en).Clone()
		}
		out.entries[e] = &cp
	}
	for k, e := range st.byKey {
		out.byKey[k] = e
	}
	return out
}

func (st *state) ordered() []*entry {
	out := make([]*entry, 0, len(st.entries))
	for _, en := range st.entries {
		out = append(out, en)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (st *state) changeSets() []domain.ChangeSet {
	var out []domain.ChangeSet
	for _, en := range st.ordered() {
		if cs, ok := changeSetFor(en, st.current(en)); ok {
			out = append(out, cs)
		}
	}
	return out
}

func changeSetFor(en *entry, current domain.Record) (domain.ChangeSet, bool) {
	cs := domain.ChangeSet{
		Entity: en.entity,
		State:  en.state,
		Table:  en.table,
		Key:    en.key,
	}
	switch en.state {
	case domain.StateAdded:
		cs.Values = current.Clone()
		cs.Changes = make(map[string]domain.FieldChange, len(current))
		for f, v := range current {
			cs.Changes[f] = domain.FieldChange{Old: domain.Null(), New: v.Clone()}
		}
		return cs, true
	case domain.StateDeleted:
		// Nothing to remove when the row never reached storage.
		return cs, en.persisted
	case domain.StateModified:
		changes := diff(en.original, current)
		if len(changes) == 0 {
			return domain.ChangeSet{}, false
		}
		cs.Changes = changes
		cs.Values = current.Clone()
		return cs, true
	default:
		return domain.ChangeSet{}, false
	}
}

// diff compares baseline and current over the union of their fields; an
// absent field counts as null.
func diff(baseline, current domain.Record) map[string]domain.FieldChange {
	out := make(map[string]domain.FieldChange)
	for f, old := range baseline {
		cur := current[f]
		if !old.Equal(cur) {
			out[f] = domain.FieldChange{Old: old.Clone(), New: cur.Clone()}
		}
	}
	for f, cur := range current {
		if _, ok := baseline[f]; ok {
			continue
		}
		if !cur.IsNull() {
			out[f] = domain.FieldChange{Old: domain.Null(), New: cur.Clone()}
		}
	}
	return out
}

// settle moves a Modified entry back to Unchanged once it matches its
// baseline, refreshing the baseline to the full current row.
func settle(en *entry, current domain.Record) {
	if len(diff(en.original, current)) > 0 {
		en.state = domain.StateModified
		return
	}
	en.state = domain.StateUnchanged
	en.original = current.Clone()
}

func (st *state) rebase(saved []domain.ChangeSet) {
	for _, cs := range saved {
		switch cs.State {
		case domain.StateAdded:
			en, ok := st.entries[cs.Entity]
			if !ok {
				// The inserted row now backs the record that replaced it.
				if en, ok = st.replacement(cs); !ok {
					continue
				}
			}
			en.persisted = true
			if en.state == domain.StateAdded {
				en.original = cs.Values.Clone()
				settle(en, st.current(en))
			}
		case domain.StateModified:
			en, ok := st.entries[cs.Entity]
			if !ok {
				if en, ok = st.replacement(cs); !ok {
					continue
				}
			}
			if en.original == nil {
				en.original = domain.Record{}
			}
			for f, ch := range cs.Changes {
				en.original[f] = ch.New.Clone()
			}
			if en.state == domain.StateModified || en.state == domain.StateUnchanged {
				settle(en, st.current(en))
			}
		case domain.StateDeleted:
			if en, ok := st.entries[cs.Entity]; ok && en.state == domain.StateDeleted {
				st.remove(cs.Entity)
			}
			// A replacement created under the same identity must now be inserted.
			if e, ok := st.byKey[identityKey(cs.Table, cs.Key)]; ok && e != cs.Entity {
				en := st.entries[e]
				if en.state != domain.StateDeleted {
					en.state = domain.StateAdded
					en.persisted = false
					en.original = domain.Record{}
				} else {
					en.persisted = false
				}
			}
		}
	}
}

// replacement returns the record tracked under the identity of cs when the
// entity cs was computed for is no longer tracked.
func (st *state) replacement(cs domain.ChangeSet) (*entry, bool) {
	e, ok := st.byKey[identityKey(cs.Table, cs.Key)]
	if !ok || e == cs.Entity {
		return nil, false
	}
	en, ok := st.entries[e]
	return en, ok
}
