package domain

import (
	"fmt"
	"strings"
)

// Column describes one column of a table.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// TableSchema describes a table: its name, primary key columns and the
// column list storage adapters read and write.
type TableSchema struct {
	Name       string   `json:"name"`
	PrimaryKey []string `json:"primary_key"`
	Columns    []Column `json:"columns"`
}

// Column returns the named column definition.
func (t TableSchema) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t TableSchema) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// HasCompositeKey reports whether the primary key spans several columns.
func (t TableSchema) HasCompositeKey() bool { return len(t.PrimaryKey) > 1 }

// Validate checks that the table is named, keyed and that every key column is declared.
func (t TableSchema) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name required")
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table %s: primary key required", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %s: column name required", t.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	for _, pk := range t.PrimaryKey {
		if _, ok := seen[pk]; !ok {
			return fmt.Errorf("table %s: primary key column %s not declared", t.Name, pk)
		}
	}
	return nil
}

// Schema is the ordered set of tables a unit of work manages.
type Schema struct {
	tables []TableSchema
	index  map[string]int
}

// NewSchema validates and indexes the supplied tables.
func NewSchema(tables ...TableSchema) (Schema, error) {
	s := Schema{index: make(map[string]int, len(tables))}
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return Schema{}, err
		}
		if _, dup := s.index[t.Name]; dup {
			return Schema{}, fmt.Errorf("duplicate table %s", t.Name)
		}
		s.index[t.Name] = len(s.tables)
		s.tables = append(s.tables, t)
	}
	return s, nil
}

// MustSchema is NewSchema for static declarations; it panics on invalid input.
func MustSchema(tables ...TableSchema) Schema {
	s, err := NewSchema(tables...)
	if err != nil {
		panic(fmt.Errorf("domain: %w", err))
	}
	return s
}

// Table returns the named table.
func (s Schema) Table(name string) (TableSchema, bool) {
	i, ok := s.index[name]
	if !ok {
		return TableSchema{}, false
	}
	return s.tables[i], true
}

// Tables returns the tables in declaration order.
func (s Schema) Tables() []TableSchema {
	return append([]TableSchema(nil), s.tables...)
}
