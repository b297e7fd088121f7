package sqlscope

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID     int64
	Name   string
	Status Status
}

// --------------------------------
// Exec
// --------------------------------

// TestExec_RowsAffected renders per dialect and reports affected rows.
func TestExec_RowsAffected(t *testing.T) {
	ctx := context.Background()
	want := map[Dialect]string{
		Postgres: "UPDATE users SET name = $1 WHERE id IN (1,2)",
		MySQL:    "UPDATE users SET name = ? WHERE id IN (1,2)",
		SQLite:   "UPDATE users SET name = ? WHERE id IN (1,2)",
	}
	for d, q := range want {
		t.Run(d.String(), func(t *testing.T) {
			c, mock := newTestConn(t, d)
			mock.ExpectExec(q).WithArgs("x").WillReturnResult(sqlmock.NewResult(0, 2))

			n, err := Exec(ctx, c, Format("UPDATE users SET name = {1} WHERE id IN ({0})", []int{1, 2}, "x"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// TestExec_CompileErrorNeverReachesDriver fails before touching the connection.
func TestExec_CompileErrorNeverReachesDriver(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, Postgres)

	_, err := Exec(ctx, c, Format("DELETE FROM t WHERE id = {1}", 1))
	assert.ErrorIs(t, err, ErrCompilation)

	_, err = Exec(ctx, c, Text("DELETE FROM t WHERE id = @id", nil))
	assert.ErrorIs(t, err, ErrParamMissing)

	assert.False(t, c.IsOpen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestExec_DriverErrorUnchanged surfaces the driver's error as-is.
func TestExec_DriverErrorUnchanged(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, MySQL)
	driverErr := errors.New("duplicate key")
	mock.ExpectExec("INSERT INTO t VALUES (?)").WithArgs(1).WillReturnError(driverErr)

	_, err := Exec(ctx, c, Format("INSERT INTO t VALUES ({0})", 1))
	assert.Same(t, driverErr, err)
}

// TestExecIdentity reads the generated key with the dialect's query, sent as
// a separate command after the statement.
func TestExecIdentity(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		d     Dialect
		ident any
		want  int64
	}{
		{Postgres, int64(10), 10},
		{MySQL, []byte("11"), 11},
		{SQLite, "12", 12},
	}
	for _, tt := range tests {
		t.Run(tt.d.String(), func(t *testing.T) {
			c, mock := newTestConn(t, tt.d)
			mock.ExpectExec("INSERT INTO t DEFAULT VALUES").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(tt.d.identityQuery()).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(tt.ident))

			id, err := ExecIdentity(ctx, c, Text("INSERT INTO t DEFAULT VALUES", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// TestExecIdentity_SQLServerSingleBatch sends the statement and the
// SCOPE_IDENTITY() read as one command, so the identity is in scope.
func TestExecIdentity_SQLServerSingleBatch(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, SQLServer)
	mock.ExpectQuery("INSERT INTO t (a) VALUES (@p0); SELECT CAST(SCOPE_IDENTITY() AS bigint)").
		WithArgs(sql.Named("p0", 5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(13)))

	id, err := ExecIdentity(ctx, c, Format("INSERT INTO t (a) VALUES ({0})", 5))
	require.NoError(t, err)
	assert.Equal(t, int64(13), id)
	assert.NoError(t, mock.ExpectationsWereMet())

	// a trailing terminator is not doubled; NULL still yields 0
	mock.ExpectQuery("INSERT INTO t DEFAULT VALUES; SELECT CAST(SCOPE_IDENTITY() AS bigint)").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(nil))
	id, err = ExecIdentity(ctx, c, Text("INSERT INTO t DEFAULT VALUES;\n", nil))
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestExecIdentity_NoIdentity yields 0 without error.
func TestExecIdentity_NoIdentity(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, SQLite)
	mock.ExpectExec("UPDATE t SET a = 1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT last_insert_rowid()").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(nil))

	id, err := ExecIdentity(ctx, c, Text("UPDATE t SET a = 1", nil))
	require.NoError(t, err)
	assert.Zero(t, id)

	mock.ExpectExec("UPDATE t SET a = 1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT last_insert_rowid()").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	id, err = ExecIdentity(ctx, c, Text("UPDATE t SET a = 1", nil))
	require.NoError(t, err)
	assert.Zero(t, id)
}

// --------------------------------
// Reads
// --------------------------------

// TestScalar covers values, NULL and empty results.
func TestScalar(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, Postgres)

	mock.ExpectQuery("SELECT count(*) FROM t WHERE s = $1").WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	n, err := Scalar[int](ctx, c, Format("SELECT count(*) FROM t WHERE s = {0}", Active))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mock.ExpectQuery("SELECT max(name) FROM t").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	s, err := Scalar[string](ctx, c, Text("SELECT max(name) FROM t", nil))
	require.NoError(t, err)
	assert.Empty(t, s)

	mock.ExpectQuery("SELECT name FROM t").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	_, err = Scalar[string](ctx, c, Text("SELECT name FROM t", nil))
	assert.ErrorIs(t, err, sql.ErrNoRows)

	mock.ExpectQuery("SELECT name FROM t").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("x"))
	_, err = Scalar[int](ctx, c, Text("SELECT name FROM t", nil))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestGetAndSelect materializes rows in cursor order.
func TestGetAndSelect(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, MySQL)

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "NAME", "status"}).
			AddRow(int64(1), "ada", "active").
			AddRow(int64(2), "bob", "suspended")
	}

	mock.ExpectQuery("SELECT id, name, status FROM users WHERE name IN (?,?)").WithArgs("ada", "bob").WillReturnRows(rows())
	all, err := Select[user](ctx, c, Format("SELECT id, name, status FROM users WHERE name IN ({0})", []string{"ada", "bob"}))
	require.NoError(t, err)
	assert.Equal(t, []user{{1, "ada", Active}, {2, "bob", Suspended}}, all)

	mock.ExpectQuery("SELECT id, name, status FROM users").WillReturnRows(rows())
	first, err := Get[*user](ctx, c, Text("SELECT id, name, status FROM users", nil))
	require.NoError(t, err)
	assert.Equal(t, &user{1, "ada", Active}, first)

	mock.ExpectQuery("SELECT id FROM users").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = Get[user](ctx, c, Text("SELECT id FROM users", nil))
	assert.ErrorIs(t, err, sql.ErrNoRows)

	mock.ExpectQuery("SELECT id FROM users").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	none, err := Select[user](ctx, c, Text("SELECT id FROM users", nil))
	require.NoError(t, err)
	assert.Empty(t, none)

	mock.ExpectQuery("SELECT id FROM users").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).RowError(0, errors.New("cursor broke")))
	_, err = Select[int64](ctx, c, Text("SELECT id FROM users", nil))
	assert.EqualError(t, err, "cursor broke")

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRowsAndTables returns raw values and every result set.
func TestRowsAndTables(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, SQLServer)

	mock.ExpectQuery("SELECT a, b FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b"}).AddRow(int64(1), "x").AddRow(int64(2), nil))
	raw, err := Rows(ctx, c, Text("SELECT a, b FROM t", nil))
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "x"}, {int64(2), nil}}, raw)

	mock.ExpectQuery("SELECT a FROM t").WillReturnRows(sqlmock.NewRows([]string{"a"}))
	tbl, err := QueryTable(ctx, c, Text("SELECT a FROM t", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tbl.Columns)
	assert.Empty(t, tbl.Rows)

	mock.ExpectQuery("SELECT 1; SELECT 'a', 'b'").WillReturnRows(
		sqlmock.NewRows([]string{"n"}).AddRow(int64(1)),
		sqlmock.NewRows([]string{"x", "y"}).AddRow("a", "b"),
	)
	tables, err := QueryTables(ctx, c, Text("SELECT 1; SELECT 'a', 'b'", nil))
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, Table{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}, tables[0])
	assert.Equal(t, Table{Columns: []string{"x", "y"}, Rows: [][]any{{"a", "b"}}}, tables[1])

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDict builds a key/value map and skips NULL keys.
func TestDict(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, Postgres)

	mock.ExpectQuery("SELECT id, name FROM t").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "a").
			AddRow(nil, "ghost").
			AddRow(int64(2), nil).
			AddRow(int64(1), "a2"))
	m, err := Dict[int, string](ctx, c, Text("SELECT id, name FROM t", nil))
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "a2", 2: ""}, m)

	mock.ExpectQuery("SELECT id FROM t").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	_, err = Dict[int, string](ctx, c, Text("SELECT id FROM t", nil))
	assert.ErrorIs(t, err, ErrColumnCount)

	mock.ExpectQuery("SELECT name, status FROM t").WillReturnRows(
		sqlmock.NewRows([]string{"name", "status"}).AddRow("ada", "Active"))
	st, err := Dict[string, Status](ctx, c, Text("SELECT name, status FROM t", nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{"ada": Active}, st)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRowMap returns the first row keyed by column.
func TestRowMap(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestConn(t, SQLite)

	mock.ExpectQuery("SELECT id, name FROM t WHERE id = ?").WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(7), "x").AddRow(int64(8), "y"))
	m, err := RowMap(ctx, c, Format("SELECT id, name FROM t WHERE id = {0}", 7))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(7), "name": "x"}, m)

	mock.ExpectQuery("SELECT id FROM t").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = RowMap(ctx, c, Text("SELECT id FROM t", nil))
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestIdentityValue converts the shapes drivers return.
func TestIdentityValue(t *testing.T) {
	for in, want := range map[any]int64{
		int64(5): 5,
		"6":      6,
		"7.0":    7,
		8.0:      8,
		int32(9): 9,
	} {
		got, err := identityValue(in)
		require.NoError(t, err, "%T", in)
		assert.Equal(t, want, got)
	}
	_, err := identityValue("abc")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
