package domain

import (
	"fmt"
	"sort"
)

// Record is a raw row keyed by column name.
type Record map[string]Value

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports whether both records hold the same fields with deep-equal values.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		o, ok := other[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

// Fields returns the sorted field names.
func (r Record) Fields() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Observer is notified around every write made through an Entity. The unit
// of work installs one to drive change tracking.
type Observer interface {
	// BeforeWrite may veto a write before anything is applied.
	BeforeWrite(e *Entity, field string) error
	// AfterWrite runs once the new value is in place.
	AfterWrite(e *Entity, field string, old, current Value) error
}

// Entity is a single live row. All writes go through Set (or a Node) so the
// attached observer sees them.
type Entity struct {
	table    string
	fields   Record
	observer Observer
}

// NewEntity builds a detached entity for table from a copy of fields.
func NewEntity(table string, fields Record) *Entity {
	if fields == nil {
		fields = Record{}
	}
	return &Entity{table: table, fields: fields.Clone()}
}

// Table returns the owning table name.
func (e *Entity) Table() string { return e.table }

// Get returns the value stored in field, Null when absent.
func (e *Entity) Get(field string) Value {
	return e.fields[field]
}

// Has reports whether field is present.
func (e *Entity) Has(field string) bool {
	_, ok := e.fields[field]
	return ok
}

// Fields returns a deep copy of every field.
func (e *Entity) Fields() Record {
	return e.fields.Clone()
}

// Set writes field and notifies the observer.
func (e *Entity) Set(field string, v Value) error {
	return e.write(field, func(Value) (Value, error) { return v.Clone(), nil })
}

// Node returns a handle on the nested value stored in field.
func (e *Entity) Node(field string) *Node {
	return &Node{owner: e, field: field}
}

// Observer returns the attached observer, nil for detached entities.
func (e *Entity) Observer() Observer { return e.observer }

// Attach installs the observer notified on writes.
func (e *Entity) Attach(o Observer) { e.observer = o }

// Restore replaces every field with a copy of fields without notifying the
// observer. Snapshot restore uses it to rewind live instances in place.
func (e *Entity) Restore(fields Record) {
	e.fields = fields.Clone()
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s%v", e.table, e.fields)
}

func (e *Entity) write(field string, next func(old Value) (Value, error)) error {
	if e.observer != nil {
		if err := e.observer.BeforeWrite(e, field); err != nil {
			return err
		}
	}
	old := e.fields[field]
	updated, err := next(old)
	if err != nil {
		return err
	}
	if e.fields == nil {
		e.fields = Record{}
	}
	e.fields[field] = updated
	if e.observer != nil {
		return e.observer.AfterWrite(e, field, old, updated)
	}
	return nil
}

type step struct {
	key   string
	index int
	isKey bool
}

// Node addresses a value nested inside an entity field. Writes rebuild the
// top-level field and are reported against it.
type Node struct {
	owner *Entity
	field string
	path  []step
}

// Key descends into the map entry key.
func (n *Node) Key(key string) *Node {
	return n.child(step{key: key, isKey: true})
}

// Index descends into the list element i.
func (n *Node) Index(i int) *Node {
	return n.child(step{index: i})
}

func (n *Node) child(s step) *Node {
	path := make([]step, len(n.path), len(n.path)+1)
	copy(path, n.path)
	return &Node{owner: n.owner, field: n.field, path: append(path, s)}
}

// Get returns the addressed value, false when the path does not resolve.
func (n *Node) Get() (Value, bool) {
	cur := n.owner.fields[n.field]
	if _, ok := n.owner.fields[n.field]; !ok {
		return Value{}, false
	}
	for _, s := range n.path {
		var ok bool
		if s.isKey {
			cur, ok = cur.Lookup(s.key)
		} else {
			cur, ok = cur.Index(s.index)
		}
		if !ok {
			return Value{}, false
		}
	}
	return cur, true
}

// Set replaces the addressed value.
func (n *Node) Set(v Value) error {
	return n.owner.write(n.field, func(old Value) (Value, error) {
		return setAt(old, n.path, func(Value) (Value, error) { return v.Clone(), nil })
	})
}

// Append adds v to the addressed list.
func (n *Node) Append(v Value) error {
	return n.owner.write(n.field, func(old Value) (Value, error) {
		return setAt(old, n.path, func(cur Value) (Value, error) {
			if cur.kind != KindList && !cur.IsNull() {
				return Value{}, fmt.Errorf("append to %s value", cur.kind)
			}
			items := cur.Items()
			return Value{kind: KindList, list: append(items, v.Clone())}, nil
		})
	})
}

// Delete removes the addressed map entry.
func (n *Node) Delete() error {
	if len(n.path) == 0 || !n.path[len(n.path)-1].isKey {
		return fmt.Errorf("delete requires a map key path")
	}
	parent := n.path[:len(n.path)-1]
	key := n.path[len(n.path)-1].key
	return n.owner.write(n.field, func(old Value) (Value, error) {
		return setAt(old, parent, func(cur Value) (Value, error) {
			if cur.kind != KindMap {
				return Value{}, fmt.Errorf("delete key %q from %s value", key, cur.kind)
			}
			entries := cur.Entries()
			delete(entries, key)
			return Value{kind: KindMap, m: entries}, nil
		})
	})
}

// setAt rebuilds root with fn applied at path, copying every container on the way.
func setAt(root Value, path []step, fn func(Value) (Value, error)) (Value, error) {
	if len(path) == 0 {
		return fn(root)
	}
	s := path[0]
	if s.isKey {
		if root.kind != KindMap && !root.IsNull() {
			return Value{}, fmt.Errorf("key %q on %s value", s.key, root.kind)
		}
		entries := root.Entries()
		if entries == nil {
			entries = map[string]Value{}
		}
		updated, err := setAt(entries[s.key], path[1:], fn)
		if err != nil {
			return Value{}, err
		}
		entries[s.key] = updated
		return Value{kind: KindMap, m: entries}, nil
	}
	if root.kind != KindList {
		return Value{}, fmt.Errorf("index %d on %s value", s.index, root.kind)
	}
	items := root.Items()
	if s.index < 0 || s.index >= len(items) {
		return Value{}, fmt.Errorf("index %d out of range [0,%d)", s.index, len(items))
	}
	updated, err := setAt(items[s.index], path[1:], fn)
	if err != nil {
		return Value{}, err
	}
	items[s.index] = updated
	return Value{kind: KindList, list: items}, nil
}
