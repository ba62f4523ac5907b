// Package testutil provides a stub database/sql driver that understands the
// statements issued by the SQL storage adapters.
package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

var stubSeq atomic.Uint64

// StubConn records statements and keeps rows per table in memory. A
// transaction snapshot is restored on rollback.
type StubConn struct {
	Execs      []string
	Queries    []string
	Tables     map[string][]map[string]any
	Keys       map[string][]string
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	RowsErr    error
	FailTables map[string]bool
	Commits    int
	Rollbacks  int
	// NoRowsAffected makes exec results report an unsupported RowsAffected.
	NoRowsAffected bool
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{
		Tables: make(map[string][]map[string]any),
		Keys:   make(map[string][]string),
	}
	name := fmt.Sprintf("stubpg%d_%d", time.Now().UnixNano(), stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailExec {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c, saved: cloneTables(c.Tables)}, nil
}

// Rows returns the rows of table whose col equals value.
func (c *StubConn) Rows(table, col string, value any) []map[string]any {
	var out []map[string]any
	for _, row := range c.Tables[table] {
		if valuesEqual(row[col], value) {
			out = append(out, row)
		}
	}
	return out
}

func (c *StubConn) result(n int64) driver.Result {
	if c.NoRowsAffected {
		return noRowsAffected{}
	}
	return driver.RowsAffected(n)
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "INSERT INTO"):
		table, cols, err := parseInsert(query)
		if err != nil {
			return nil, err
		}
		if c.FailTables[table] {
			return nil, fmt.Errorf("exec fail for %s", table)
		}
		if len(cols) != len(args) {
			return nil, fmt.Errorf("column/arg mismatch for %s", table)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = args[i].Value
		}
		if keys := c.Keys[table]; len(keys) > 0 {
			for _, existing := range c.Tables[table] {
				if matches(existing, keys, keyValues(row, keys)) {
					return nil, fmt.Errorf("duplicate key in %s", table)
				}
			}
		}
		c.Tables[table] = append(c.Tables[table], row)
		return c.result(1), nil
	case strings.HasPrefix(upper, "UPDATE"):
		table, sets, where, err := parseUpdate(query)
		if err != nil {
			return nil, err
		}
		if c.FailTables[table] {
			return nil, fmt.Errorf("exec fail for %s", table)
		}
		if len(sets)+len(where) != len(args) {
			return nil, fmt.Errorf("column/arg mismatch for %s", table)
		}
		target := namedValues(args[len(sets):])
		var n int64
		for _, row := range c.Tables[table] {
			if !matches(row, where, target) {
				continue
			}
			for i, col := range sets {
				row[col] = args[i].Value
			}
			n++
		}
		return c.result(n), nil
	case strings.HasPrefix(upper, "DELETE FROM"):
		table, where, err := parseDelete(query)
		if err != nil {
			return nil, err
		}
		if c.FailTables[table] {
			return nil, fmt.Errorf("exec fail for %s", table)
		}
		if len(where) != len(args) {
			return nil, fmt.Errorf("missing args for delete %s", table)
		}
		target := namedValues(args)
		var kept []map[string]any
		var n int64
		for _, row := range c.Tables[table] {
			if matches(row, where, target) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		c.Tables[table] = kept
		return c.result(n), nil
	}
	return c.result(0), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.Queries = append(c.Queries, query)
	if c.Tables == nil {
		c.Tables = make(map[string][]map[string]any)
	}
	table, cols, where, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables[table] {
		return nil, fmt.Errorf("query fail for %s", table)
	}
	values := make([][]driver.Value, 0, len(c.Tables[table]))
	for _, row := range c.Tables[table] {
		if !selectMatches(row, where, namedValues(args)) {
			continue
		}
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{
		cols: cols,
		rows: values,
		err:  c.RowsErr,
	}, nil
}

type stubTx struct {
	conn  *StubConn
	saved map[string][]map[string]any
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		t.conn.Tables = t.saved
		return fmt.Errorf("commit fail")
	}
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.Tables = t.saved
	t.conn.Rollbacks++
	return nil
}

type noRowsAffected struct{}

func (noRowsAffected) LastInsertId() (int64, error) { return 0, fmt.Errorf("not supported") }
func (noRowsAffected) RowsAffected() (int64, error) { return 0, fmt.Errorf("not supported") }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func cloneTables(in map[string][]map[string]any) map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(in))
	for table, rows := range in {
		cp := make([]map[string]any, len(rows))
		for i, row := range rows {
			r := make(map[string]any, len(row))
			for k, v := range row {
				r[k] = v
			}
			cp[i] = r
		}
		out[table] = cp
	}
	return out
}

func namedValues(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

func keyValues(row map[string]any, cols []string) []any {
	out := make([]any, len(cols))
	for i, col := range cols {
		out[i] = row[col]
	}
	return out
}

func matches(row map[string]any, cols []string, values []any) bool {
	for i, col := range cols {
		if !valuesEqual(row[col], values[i]) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	if _, ok := b.([]byte); ok {
		return false
	}
	return a == b
}

// selectMatches evaluates the WHERE shapes issued by key lookups: an IN list
// over one column, or OR-ed groups of AND-ed equalities.
func selectMatches(row map[string]any, where predicate, args []any) bool {
	if where.in != "" {
		for _, a := range args {
			if valuesEqual(row[where.in], a) {
				return true
			}
		}
		return false
	}
	if len(where.groups) == 0 {
		return true
	}
	n := 0
	for _, group := range where.groups {
		if matches(row, group, args[n:n+len(group)]) {
			return true
		}
		n += len(group)
	}
	return false
}

type predicate struct {
	in     string
	groups [][]string
}

func unquote(ident string) string {
	ident = strings.TrimSpace(ident)
	ident = strings.Trim(ident, `"`)
	return strings.ToLower(ident)
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := unquote(rest[:open])
	cols := splitColumns(rest[open+1 : closeIdx])
	return table, cols, nil
}

func parseUpdate(query string) (string, []string, []string, error) {
	lower := strings.ToLower(query)
	setIdx := strings.Index(lower, " set ")
	whereIdx := strings.Index(lower, " where ")
	if !strings.HasPrefix(lower, "update ") || setIdx == -1 || whereIdx == -1 || whereIdx < setIdx {
		return "", nil, nil, fmt.Errorf("cannot parse update: %s", query)
	}
	table := unquote(query[len("update "):setIdx])
	sets := equalityColumns(query[setIdx+len(" set "):whereIdx], ",")
	where := equalityColumns(query[whereIdx+len(" where "):], " AND ")
	return table, sets, where, nil
}

func parseDelete(query string) (string, []string, error) {
	lower := strings.ToLower(query)
	prefix := "delete from "
	whereToken := " where "
	if !strings.HasPrefix(lower, prefix) {
		return "", nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	rest := strings.TrimSpace(query[len(prefix):])
	whereIdx := strings.Index(strings.ToLower(rest), whereToken)
	if whereIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	table := unquote(rest[:whereIdx])
	where := equalityColumns(rest[whereIdx+len(whereToken):], " AND ")
	if len(where) == 0 {
		return "", nil, fmt.Errorf("cannot parse delete predicate: %s", query)
	}
	return table, where, nil
}

func parseSelect(query string) (string, []string, predicate, error) {
	lower := strings.ToLower(query)
	selectPrefix := "select "
	fromToken := " from "
	if !strings.HasPrefix(lower, selectPrefix) {
		return "", nil, predicate{}, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, fromToken)
	if fromIdx == -1 {
		return "", nil, predicate{}, fmt.Errorf("cannot parse select: %s", query)
	}
	cols := query[len(selectPrefix):fromIdx]
	rest := strings.TrimSpace(query[fromIdx+len(fromToken):])
	if rest == "" {
		return "", nil, predicate{}, fmt.Errorf("cannot parse select: %s", query)
	}
	fields := strings.Fields(rest)
	table := unquote(fields[0])
	var where predicate
	if whereIdx := strings.Index(strings.ToLower(rest), " where "); whereIdx != -1 {
		clause := strings.TrimSpace(rest[whereIdx+len(" where "):])
		if inIdx := strings.Index(strings.ToUpper(clause), " IN ("); inIdx != -1 {
			where.in = unquote(clause[:inIdx])
		} else {
			for _, group := range strings.Split(clause, " OR ") {
				group = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(group), "("), ")")
				where.groups = append(where.groups, equalityColumns(group, " AND "))
			}
		}
	}
	return table, splitColumns(cols), where, nil
}

func equalityColumns(clause, sep string) []string {
	var out []string
	for _, part := range strings.Split(clause, sep) {
		lhs, _, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out = append(out, unquote(lhs))
	}
	return out
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, unquote(part))
	}
	return out
}
