package domain

import (
	"context"
	"fmt"
)

// StorageAdapter is the narrow contract the unit of work consumes from a
// backend. Implementations own the transaction lifecycle of a save.
type StorageAdapter interface {
	// ExtractPrimaryKey reads the key columns out of fields. It performs no I/O.
	ExtractPrimaryKey(table TableSchema, fields Record) (PrimaryKey, error)
	// PrimaryKeyColumns returns the key column names in order.
	PrimaryKeyColumns(table TableSchema) []string
	// Load fetches the rows matching keys. Missing rows are omitted.
	Load(ctx context.Context, table TableSchema, keys []PrimaryKey) ([]Record, error)
	// ExecuteChangeSets applies inserts, then updates, then deletes in a single
	// transaction, rejecting the whole batch on any failure.
	ExecuteChangeSets(ctx context.Context, changes []ChangeSet) error
	// InsertEntity writes one row immediately and returns it as stored.
	InsertEntity(ctx context.Context, table TableSchema, fields Record) (Record, error)
}

// KeyFromRecord extracts the primary key of table from fields. Adapters use
// it to implement ExtractPrimaryKey.
func KeyFromRecord(table TableSchema, fields Record) (PrimaryKey, error) {
	if len(table.PrimaryKey) == 0 {
		return PrimaryKey{}, fmt.Errorf("%w: table %s has no primary key", ErrInvalidKey, table.Name)
	}
	parts := make([]Value, len(table.PrimaryKey))
	for i, col := range table.PrimaryKey {
		v, ok := fields[col]
		if !ok || v.IsNull() {
			return PrimaryKey{}, fmt.Errorf("%w: table %s requires %s", ErrInvalidKey, table.Name, col)
		}
		parts[i] = v
	}
	var key PrimaryKey
	if len(parts) == 1 {
		key = ScalarKey(parts[0])
	} else {
		key = CompositeKey(parts...)
	}
	if err := key.Validate(); err != nil {
		return PrimaryKey{}, fmt.Errorf("table %s: %w", table.Name, err)
	}
	return key, nil
}

// SplitChangeSets partitions changes into inserts, updates and deletes,
// preserving input order within each group.
func SplitChangeSets(changes []ChangeSet) (inserts, updates, deletes []ChangeSet) {
	for _, c := range changes {
		switch c.State {
		case StateAdded:
			inserts = append(inserts, c)
		case StateModified:
			updates = append(updates, c)
		case StateDeleted:
			deletes = append(deletes, c)
		}
	}
	return inserts, updates, deletes
}
