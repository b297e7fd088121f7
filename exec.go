package sqlscope

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
)

// Table is a raw tabular result set.
type Table struct {
	Columns []string
	Rows    [][]any
}

// Exec runs a statement that returns no rows and reports the number of
// affected rows.
func Exec(ctx context.Context, c *Conn, st Statement) (int64, error) {
	res, err := execStatement(ctx, c, st)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExecIdentity runs a statement that returns no rows and then reads the
// identity generated on the same session (lastval(), LAST_INSERT_ID(),
// last_insert_rowid() or SCOPE_IDENTITY(), depending on the dialect).
// On SQL Server the identity query is appended to the statement and both run
// as one batch. When the identity query yields no row or NULL, it returns 0
// and no error.
func ExecIdentity(ctx context.Context, c *Conn, st Statement) (int64, error) {
	d := c.db.dialect
	if d.identityInBatch() {
		return readIdentity(ctx, c, batched{st: st, tail: d.identityQuery()})
	}
	if _, err := execStatement(ctx, c, st); err != nil {
		return 0, err
	}
	return readIdentity(ctx, c, Compiled{Text: d.identityQuery()})
}

// readIdentity runs st and converts the first column of its first row.
func readIdentity(ctx context.Context, c *Conn, st Statement) (id int64, err error) {
	rows, err := query(ctx, c, st)
	if err != nil {
		return 0, err
	}
	defer closeRows(rows, &err)

	if !rows.Next() {
		return 0, rows.Err()
	}
	var v any
	if err := rows.Scan(&v); err != nil {
		return 0, err
	}
	return identityValue(v)
}

// batched appends tail to a statement as a second command of the same batch.
type batched struct {
	st   Statement
	tail string
}

func (b batched) Compile() (Compiled, error) {
	c, err := b.st.Compile()
	if err != nil {
		return Compiled{}, err
	}
	c.Text = strings.TrimRight(c.Text, "; \t\r\n") + "; " + b.tail
	return c, nil
}

// Scalar runs the statement and returns the first column of the first row
// converted to T. It returns sql.ErrNoRows when there is no row; a NULL
// yields the zero value of T.
func Scalar[T any](ctx context.Context, c *Conn, st Statement) (out T, err error) {
	rows, err := query(ctx, c, st)
	if err != nil {
		return out, err
	}
	defer closeRows(rows, &err)

	if !rows.Next() {
		if ne := rows.Err(); ne != nil {
			return out, ne
		}
		return out, sql.ErrNoRows
	}
	var v any
	if err := rows.Scan(&v); err != nil {
		return out, err
	}
	if _, err := decodeValue(reflect.ValueOf(&out).Elem(), v); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Get runs the statement and materializes the first row into T. Further rows
// are ignored. It returns sql.ErrNoRows when there is no row.
func Get[T any](ctx context.Context, c *Conn, st Statement) (out T, err error) {
	rows, err := query(ctx, c, st)
	if err != nil {
		return out, err
	}
	defer closeRows(rows, &err)

	cols, err := rows.Columns()
	if err != nil {
		return out, err
	}
	if !rows.Next() {
		if ne := rows.Err(); ne != nil {
			return out, ne
		}
		return out, sql.ErrNoRows
	}
	return decodeRow[T](rows, cols)
}

// Select runs the statement and materializes every row into a T, in cursor
// order.
func Select[T any](ctx context.Context, c *Conn, st Statement) (out []T, err error) {
	rows, err := query(ctx, c, st)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows, &err)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		v, scanErr := decodeRow[T](rows, cols)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, v)
	}
	if ne := rows.Err(); ne != nil {
		return nil, ne
	}
	return out, nil
}

// Rows runs the statement and returns the raw values of every row.
func Rows(ctx context.Context, c *Conn, st Statement) ([][]any, error) {
	t, err := QueryTable(ctx, c, st)
	if err != nil {
		return nil, err
	}
	return t.Rows, nil
}

// QueryTable runs the statement and returns the first result set with its
// column names.
func QueryTable(ctx context.Context, c *Conn, st Statement) (out Table, err error) {
	rows, err := query(ctx, c, st)
	if err != nil {
		return out, err
	}
	defer closeRows(rows, &err)
	return readTable(rows)
}

// QueryTables runs the statement and returns every result set it produces.
func QueryTables(ctx context.Context, c *Conn, st Statement) (out []Table, err error) {
	rows, err := query(ctx, c, st)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows, &err)

	for {
		t, err := readTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if !rows.NextResultSet() {
			break
		}
	}
	if ne := rows.Err(); ne != nil {
		return nil, ne
	}
	return out, nil
}

// Dict runs a two-column statement and returns its rows as key -> value.
// Rows whose key is NULL are skipped; a NULL value maps to the zero V.
// Later rows overwrite earlier ones with the same key.
func Dict[K comparable, V any](ctx context.Context, c *Conn, st Statement) (out map[K]V, err error) {
	rows, err := query(ctx, c, st)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows, &err)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) < 2 {
		return nil, fmt.Errorf("%w: key/value read needs 2 columns, got %d", ErrColumnCount, len(cols))
	}

	out = make(map[K]V)
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		if vals[0] == nil {
			continue
		}
		var k K
		var v V
		if _, err := decodeValue(reflect.ValueOf(&k).Elem(), vals[0]); err != nil {
			return nil, fmt.Errorf("column %q: %w", cols[0], err)
		}
		if _, err := decodeValue(reflect.ValueOf(&v).Elem(), vals[1]); err != nil {
			return nil, fmt.Errorf("column %q: %w", cols[1], err)
		}
		out[k] = v
	}
	if ne := rows.Err(); ne != nil {
		return nil, ne
	}
	return out, nil
}

// RowMap runs the statement and returns the first row as column -> value.
// It returns sql.ErrNoRows when there is no row.
func RowMap(ctx context.Context, c *Conn, st Statement) (out map[string]any, err error) {
	rows, err := query(ctx, c, st)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows, &err)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if ne := rows.Err(); ne != nil {
			return nil, ne
		}
		return nil, sql.ErrNoRows
	}
	vals, err := scanRow(rows, len(cols))
	if err != nil {
		return nil, err
	}
	out = make(map[string]any, len(cols))
	for i, col := range cols {
		out[col] = vals[i]
	}
	return out, nil
}

// --------------------------------
// Dispatch
// --------------------------------

// execStatement compiles, renders and executes st on the connection or its
// ambient transaction.
func execStatement(ctx context.Context, c *Conn, st Statement) (sql.Result, error) {
	q, args, err := c.prepare(st)
	if err != nil {
		return nil, err
	}
	target, tx, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	logStatement(c, tx, "exec", q, len(args))
	return target.ExecContext(ctx, q, args...)
}

// query compiles, renders and runs st, returning an open cursor the caller
// must close.
func query(ctx context.Context, c *Conn, st Statement) (*sql.Rows, error) {
	q, args, err := c.prepare(st)
	if err != nil {
		return nil, err
	}
	target, tx, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	logStatement(c, tx, "query", q, len(args))
	return target.QueryContext(ctx, q, args...)
}

func logStatement(c *Conn, tx *Tx, kind, q string, nargs int) {
	attrs := []any{
		slog.String("kind", kind),
		slog.String("sql", q),
		slog.Int("bindings", nargs),
	}
	if tx != nil {
		attrs = append(attrs, slog.String("tx_id", tx.id.String()))
	}
	c.logger().Debug("executing statement", attrs...)
}

// readTable drains the current result set.
func readTable(rows *sql.Rows) (Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return Table{}, err
	}
	t := Table{Columns: cols}
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return Table{}, err
		}
		t.Rows = append(t.Rows, vals)
	}
	return t, rows.Err()
}

// closeRows propagates rows.Close() errors if nothing else failed.
func closeRows(rows *sql.Rows, err *error) {
	if cerr := rows.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

// identityValue converts whatever the identity query returned into an int64.
func identityValue(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case []byte:
		return parseIdentity(string(x))
	case string:
		return parseIdentity(x)
	}
	var out int64
	if err := assignValue(reflect.ValueOf(&out).Elem(), v); err != nil {
		return 0, err
	}
	return out, nil
}

func parseIdentity(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	// SCOPE_IDENTITY() is numeric(38,0) and may arrive as "42.0"
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: identity %q", ErrTypeMismatch, s)
	}
	return int64(f), nil
}
