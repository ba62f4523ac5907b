// Package sqlstore implements the storage adapter over database/sql. The
// sqlite and postgres packages supply the connection and dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"uowcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.StorageAdapter = (*Store)(nil)

// maxKeysPerQuery bounds the bind parameters of a single lookup.
const maxKeysPerQuery = 500

// ErrNoRows reports an update or delete that matched nothing.
var ErrNoRows = errors.New("no matching row")

// Store executes changesets and key lookups against a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	schema  domain.Schema
}

// New wraps db. The caller keeps ownership of db until Close.
func New(db *sql.DB, dialect Dialect, schema domain.Schema) *Store {
	return &Store{db: db, dialect: dialect, schema: schema}
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateTables creates every schema table that does not exist yet. It is a
// bootstrap helper, not a migration tool.
func (s *Store) CreateTables(ctx context.Context) error {
	for _, t := range s.schema.Tables() {
		if _, err := s.db.ExecContext(ctx, s.createTableSQL(t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) createTableSQL(t domain.TableSchema) string {
	q := s.dialect.QuoteIdent
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def := q(c.Name) + " " + s.dialect.ColumnType(c.Kind)
		for _, pk := range t.PrimaryKey {
			if pk == c.Name {
				def += " NOT NULL"
				break
			}
		}
		defs = append(defs, def)
	}
	pks := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		pks[i] = q(pk)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(pks, ", ")+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", q(t.Name), strings.Join(defs, ", "))
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
	byKey := make(map[string]domain.Record, len(keys))
	for start := 0; start < len(keys); start += maxKeysPerQuery {
		end := min(start+maxKeysPerQuery, len(keys))
		if err := s.loadBatch(ctx, table, keys[start:end], byKey); err != nil {
			return nil, err
		}
	}
	out := make([]domain.Record, 0, len(byKey))
	for _, key := range keys {
		if row, ok := byKey[key.String()]; ok {
			out = append(out, row)
			delete(byKey, key.String())
		}
	}
	return out, nil
}

func (s *Store) loadBatch(ctx context.Context, table domain.TableSchema, keys []domain.PrimaryKey, into map[string]domain.Record) error {
	where, args, err := s.keyPredicate(table, keys, 1)
	if err != nil {
		return err
	}
	cols := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = s.dialect.QuoteIdent(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), s.dialect.QuoteIdent(table.Name), where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("select %s: %w", table.Name, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		raw := make([]any, len(table.Columns))
		dest := make([]any, len(table.Columns))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan %s: %w", table.Name, err)
		}
		row := make(domain.Record, len(table.Columns))
		for i, c := range table.Columns {
			v, err := domain.ValueFromDriver(c.Kind, raw[i])
			if err != nil {
				return fmt.Errorf("scan %s.%s: %w", table.Name, c.Name, err)
			}
			row[c.Name] = v
		}
		key, err := domain.KeyFromRecord(table, row)
		if err != nil {
			return fmt.Errorf("scan %s: %w", table.Name, err)
		}
		into[key.String()] = row
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table.Name, err)
	}
	return nil
}

// keyPredicate renders a WHERE clause matching any of keys, numbering bind
// markers from first.
func (s *Store) keyPredicate(table domain.TableSchema, keys []domain.PrimaryKey, first int) (string, []any, error) {
	q := s.dialect.QuoteIdent
	args := make([]any, 0, len(keys)*len(table.PrimaryKey))
	n := first
	if !table.HasCompositeKey() {
		marks := make([]string, len(keys))
		for i, key := range keys {
			v, err := key.Scalar().DriverValue()
			if err != nil {
				return "", nil, err
			}
			marks[i] = s.dialect.Placeholder(n)
			args = append(args, v)
			n++
		}
		return fmt.Sprintf("%s IN (%s)", q(table.PrimaryKey[0]), strings.Join(marks, ", ")), args, nil
	}
	groups := make([]string, len(keys))
	for i, key := range keys {
		parts := key.Parts()
		if len(parts) != len(table.PrimaryKey) {
			return "", nil, fmt.Errorf("%w: %s key %s has %d parts", domain.ErrInvalidKey, table.Name, key, len(parts))
		}
		conds := make([]string, len(parts))
		for j, part := range parts {
			v, err := part.DriverValue()
			if err != nil {
				return "", nil, err
			}
			conds[j] = fmt.Sprintf("%s = %s", q(table.PrimaryKey[j]), s.dialect.Placeholder(n))
			args = append(args, v)
			n++
		}
		groups[i] = "(" + strings.Join(conds, " AND ") + ")"
	}
	return strings.Join(groups, " OR "), args, nil
}

// ExecuteChangeSets implements domain.StorageAdapter. Inserts, updates and
// deletes run in that order inside one transaction that is rolled back on
// any failure.
func (s *Store) ExecuteChangeSets(ctx context.Context, changes []domain.ChangeSet) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	inserts, updates, deletes := domain.SplitChangeSets(changes)
	for _, c := range inserts {
		if err := s.insert(ctx, tx, c.Table, c.Values); err != nil {
			return err
		}
	}
	for _, c := range updates {
		if err := s.update(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, c := range deletes {
		if err := s.delete(ctx, tx, c); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// InsertEntity implements domain.StorageAdapter.
func (s *Store) InsertEntity(ctx context.Context, table domain.TableSchema, fields domain.Record) (domain.Record, error) {
	if err := s.insert(ctx, s.db, table.Name, fields); err != nil {
		return nil, err
	}
	key, err := domain.KeyFromRecord(table, fields)
	if err != nil {
		return nil, err
	}
	rows, err := s.Load(ctx, table, []domain.PrimaryKey{key})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		// Drivers without read-your-write on the pool still return the input.
		return fields.Clone(), nil
	}
	return rows[0], nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) table(name string) (domain.TableSchema, error) {
	t, ok := s.schema.Table(name)
	if !ok {
		return domain.TableSchema{}, fmt.Errorf("%s: %w", name, domain.ErrUnknownTable)
	}
	return t, nil
}

func (s *Store) insert(ctx context.Context, ex execer, tableName string, values domain.Record) error {
	table, err := s.table(tableName)
	if err != nil {
		return err
	}
	fields := values.Fields()
	cols := make([]string, 0, len(fields))
	marks := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for i, f := range fields {
		if _, ok := table.Column(f); !ok {
			return fmt.Errorf("insert %s: unknown column %s", table.Name, f)
		}
		v, err := values[f].DriverValue()
		if err != nil {
			return fmt.Errorf("insert %s.%s: %w", table.Name, f, err)
		}
		cols = append(cols, s.dialect.QuoteIdent(f))
		marks = append(marks, s.dialect.Placeholder(i+1))
		args = append(args, v)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.dialect.QuoteIdent(table.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", table.Name, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, ex execer, c domain.ChangeSet) error {
	table, err := s.table(c.Table)
	if err != nil {
		return err
	}
	fields := c.ChangedFields()
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+len(table.PrimaryKey))
	for i, f := range fields {
		if _, ok := table.Column(f); !ok {
			return fmt.Errorf("update %s: unknown column %s", table.Name, f)
		}
		v, err := c.Changes[f].New.DriverValue()
		if err != nil {
			return fmt.Errorf("update %s.%s: %w", table.Name, f, err)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", s.dialect.QuoteIdent(f), s.dialect.Placeholder(i+1)))
		args = append(args, v)
	}
	where, keyArgs, err := s.exactKey(table, c.Key, len(fields)+1)
	if err != nil {
		return err
	}
	args = append(args, keyArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.dialect.QuoteIdent(table.Name), strings.Join(sets, ", "), where)
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table.Name, c.Key, err)
	}
	return expectRow(res, "update", table.Name, c.Key)
}

func (s *Store) delete(ctx context.Context, ex execer, c domain.ChangeSet) error {
	table, err := s.table(c.Table)
	if err != nil {
		return err
	}
	where, args, err := s.exactKey(table, c.Key, 1)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", s.dialect.QuoteIdent(table.Name), where)
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table.Name, c.Key, err)
	}
	return expectRow(res, "delete", table.Name, c.Key)
}

// exactKey renders "a = ? AND b = ?" for a single key.
func (s *Store) exactKey(table domain.TableSchema, key domain.PrimaryKey, first int) (string, []any, error) {
	parts := key.Parts()
	if len(parts) != len(table.PrimaryKey) {
		return "", nil, fmt.Errorf("%w: %s key %s has %d parts", domain.ErrInvalidKey, table.Name, key, len(parts))
	}
	conds := make([]string, len(parts))
	args := make([]any, len(parts))
	for i, part := range parts {
		v, err := part.DriverValue()
		if err != nil {
			return "", nil, err
		}
		conds[i] = fmt.Sprintf("%s = %s", s.dialect.QuoteIdent(table.PrimaryKey[i]), s.dialect.Placeholder(first+i))
		args[i] = v
	}
	return strings.Join(conds, " AND "), args, nil
}

func expectRow(res sql.Result, op, table string, key domain.PrimaryKey) error {
	n, err := res.RowsAffected()
	if err != nil {
		// Not every driver reports affected rows.
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s %s %s: %w", op, table, key, ErrNoRows)
	}
	return nil
}
