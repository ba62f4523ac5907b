// Package memory provides an in-memory storage adapter used for tests and
// ephemeral sessions. Every batch runs against a cloned state that replaces
// the live one only when the whole batch succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"uowcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.StorageAdapter = (*Store)(nil)

// ErrNotFound reports an update or delete of a row that does not exist.
type ErrNotFound struct {
	Table string
	Key   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Table, e.Key)
}

// ErrConflict reports an insert over an existing primary key.
type ErrConflict struct {
	Table string
	Key   string
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Table, e.Key)
}

// Rule inspects a batch against the state it would produce. A non-nil error
// rejects the batch.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view View, changes []domain.ChangeSet) error
}

// RuleViolationError wraps the error of the rule that rejected a batch.
type RuleViolationError struct {
	Rule string
	Err  error
}

func (e RuleViolationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.Rule, e.Err)
}

// Unwrap exposes the rule error.
func (e RuleViolationError) Unwrap() error { return e.Err }

// View is a read-only lookup over a store state.
type View interface {
	Find(table string, key domain.PrimaryKey) (domain.Record, bool)
	Len(table string) int
}

// Snapshot is a point-in-time copy of every table, keyed by serialized
// primary key.
type Snapshot map[string]map[string]domain.Record

type memoryState map[string]map[string]domain.Record

func (s memoryState) clone() memoryState {
	out := make(memoryState, len(s))
	for table, rows := range s {
		cp := make(map[string]domain.Record, len(rows))
		for k, row := range rows {
			cp[k] = row.Clone()
		}
		out[table] = cp
	}
	return out
}

func (s memoryState) Find(table string, key domain.PrimaryKey) (domain.Record, bool) {
	row, ok := s[table][key.String()]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

func (s memoryState) Len(table string) int { return len(s[table]) }

// Store keeps rows per table in memory.
type Store struct {
	mu     sync.RWMutex
	schema domain.Schema
	state  memoryState
	rules  []Rule
}

// Option configures a Store.
type Option func(*Store)

// WithRules evaluates rules before each batch is committed.
func WithRules(rules ...Rule) Option {
	return func(s *Store) {
		s.rules = append(s.rules, rules...)
	}
}

// NewStore constructs an empty store for schema.
func NewStore(schema domain.Schema, opts ...Option) *Store {
	s := &Store{schema: schema, state: make(memoryState)}
	for _, t := range schema.Tables() {
		s.state[t.Name] = make(map[string]domain.Record)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExtractPrimaryKey implements domain.StorageAdapter.
func (s *Store) ExtractPrimaryKey(table domain.TableSchema, fields domain.Record) (domain.PrimaryKey, error) {
	return domain.KeyFromRecord(table, fields)
}

// PrimaryKeyColumns implements domain.StorageAdapter.
func (s *Store) PrimaryKeyColumns(table domain.TableSchema) []string {
	return append([]string(nil), table.PrimaryKey...)
}

// Load implements domain.StorageAdapter. Rows follow the order of keys.
func (s *Store) Load(ctx context.Context, table domain.TableSchema, keys []domain.PrimaryKey) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.state[table.Name]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", table.Name, domain.ErrUnknownTable)
	}
	out := make([]domain.Record, 0, len(keys))
	for _, key := range keys {
		if row, hit := rows[key.String()]; hit {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

// ExecuteChangeSets implements domain.StorageAdapter. Inserts run first,
// then updates, then deletes; any failure discards the whole batch.
func (s *Store) ExecuteChangeSets(ctx context.Context, changes []domain.ChangeSet) error {
	return s.RunInTransaction(ctx, func(tx *Transaction) error {
		inserts, updates, deletes := domain.SplitChangeSets(changes)
		for _, c := range inserts {
			if err := tx.Insert(c.Table, c.Values); err != nil {
				return err
			}
		}
		for _, c := range updates {
			if err := tx.Update(c.Table, c.Key, c.Changes); err != nil {
				return err
			}
		}
		for _, c := range deletes {
			if err := tx.Delete(c.Table, c.Key); err != nil {
				return err
			}
		}
		tx.changes = append(tx.changes, inserts...)
		tx.changes = append(tx.changes, updates...)
		tx.changes = append(tx.changes, deletes...)
		return nil
	})
}

// InsertEntity implements domain.StorageAdapter.
func (s *Store) InsertEntity(ctx context.Context, table domain.TableSchema, fields domain.Record) (domain.Record, error) {
	var stored domain.Record
	err := s.RunInTransaction(ctx, func(tx *Transaction) error {
		if err := tx.Insert(table.Name, fields); err != nil {
			return err
		}
		key, err := s.ExtractPrimaryKey(table, fields)
		if err != nil {
			return err
		}
		stored, _ = tx.state.Find(table.Name, key)
		tx.changes = append(tx.changes, domain.ChangeSet{State: domain.StateAdded, Table: table.Name, Key: key, Values: fields.Clone()})
		return nil
	})
	return stored, err
}

// Transaction mutates a private copy of the store state.
type Transaction struct {
	store   *Store
	state   memoryState
	changes []domain.ChangeSet
}

// RunInTransaction executes fn within a transactional copy of the store
// state and swaps it in when fn and every rule succeed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Transaction{store: s, state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	for _, rule := range s.rules {
		if err := rule.Evaluate(ctx, tx.state, tx.changes); err != nil {
			return RuleViolationError{Rule: rule.Name(), Err: err}
		}
	}
	s.state = tx.state
	return nil
}

func (tx *Transaction) table(name string) (domain.TableSchema, map[string]domain.Record, error) {
	schema, ok := tx.store.schema.Table(name)
	if !ok {
		return domain.TableSchema{}, nil, fmt.Errorf("%s: %w", name, domain.ErrUnknownTable)
	}
	return schema, tx.state[name], nil
}

// Insert adds a row. An existing key is a conflict.
func (tx *Transaction) Insert(table string, fields domain.Record) error {
	schema, rows, err := tx.table(table)
	if err != nil {
		return err
	}
	key, err := domain.KeyFromRecord(schema, fields)
	if err != nil {
		return err
	}
	k := key.String()
	if _, exists := rows[k]; exists {
		return ErrConflict{Table: table, Key: k}
	}
	rows[k] = fields.Clone()
	return nil
}

// Update writes the new side of every change onto an existing row.
func (tx *Transaction) Update(table string, key domain.PrimaryKey, changes map[string]domain.FieldChange) error {
	_, rows, err := tx.table(table)
	if err != nil {
		return err
	}
	k := key.String()
	row, ok := rows[k]
	if !ok {
		return ErrNotFound{Table: table, Key: k}
	}
	for field, ch := range changes {
		row[field] = ch.New.Clone()
	}
	return nil
}

// Delete removes an existing row.
func (tx *Transaction) Delete(table string, key domain.PrimaryKey) error {
	_, rows, err := tx.table(table)
	if err != nil {
		return err
	}
	k := key.String()
	if _, ok := rows[k]; !ok {
		return ErrNotFound{Table: table, Key: k}
	}
	delete(rows, k)
	return nil
}

// View returns a read-only view over the transactional state.
func (tx *Transaction) View() View { return tx.state }

// View executes fn against a read-only copy of the store state.
func (s *Store) View(_ context.Context, fn func(View) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(snapshot)
}

// Seed inserts rows outside of any unit of work.
func (s *Store) Seed(ctx context.Context, table string, rows ...domain.Record) error {
	return s.RunInTransaction(ctx, func(tx *Transaction) error {
		for _, row := range rows {
			if err := tx.Insert(table, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rows returns the rows of table ordered by serialized key.
func (s *Store) Rows(table string) []domain.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.state[table]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, rows[k].Clone())
	}
	return out
}

// ExportState clones the current store state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot(s.state.clone())
}

// ImportState replaces the store state with snapshot. Tables of the schema
// missing from snapshot become empty.
func (s *Store) ImportState(snapshot Snapshot) {
	state := memoryState(snapshot).clone()
	for _, t := range s.schema.Tables() {
		if _, ok := state[t.Name]; !ok {
			state[t.Name] = make(map[string]domain.Record)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
