package sqlscope

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDB returns a DB over sqlmock for builder tests.
func newTestDB(t *testing.T, d Dialect) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return New(db, d, quietConfig()), mock
}

// TestBuilder_WriteAndBind concatenates fragments and appends the k/v bag last.
func TestBuilder_WriteAndBind(t *testing.T) {
	sdb, _ := newTestDB(t, Postgres)

	c, err := sdb.Write("SELECT * FROM users WHERE a = @a").
		Write(" AND b = @b").
		Write("").
		Write(" ORDER BY id").
		Bind("b", 2).
		Bind(P{"a": 1}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE a = @a AND b = @b ORDER BY id", c.Text)
	assert.Equal(t, []Binding{{Name: "@a", Value: 1}, {Name: "@b", Value: 2}}, c.Bindings)
}

// TestBuilder_WritefNumbersAcrossFragments compiles positional fragments and
// keeps binding names distinct between them.
func TestBuilder_WritefNumbersAcrossFragments(t *testing.T) {
	sdb, _ := newTestDB(t, Postgres)

	c, err := sdb.Write("SELECT * FROM t WHERE a = @a").
		Writef(" AND id IN ({0}) AND name = {1}", []int{1, 2}, "x").
		Writef(" OR tag IN ({0}) OR name = {1}", []string{"u", "v"}, "y").
		Bind("a", 0).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = @a AND id IN (1,2) AND name = @p1 OR tag IN (@p2_0,@p2_1) OR name = @p3", c.Text)
	assert.Equal(t, []Binding{
		{Name: "@p1", Value: "x"},
		{Name: "@p2_0", Value: "u"},
		{Name: "@p2_1", Value: "v"},
		{Name: "@p3", Value: "y"},
		{Name: "@a", Value: 0},
	}, c.Bindings)

	q, args, err := render(Postgres, c, sdb.Config())
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND id IN (1,2) AND name = $2 OR tag IN ($3,$4) OR name = $5", q)
	assert.Equal(t, []any{0, "x", "u", "v", "y"}, args)
}

// TestBuilder_WritefErrorAtBuild reports a bad fragment when the statement is
// built and ignores later input.
func TestBuilder_WritefErrorAtBuild(t *testing.T) {
	sdb, _ := newTestDB(t, MySQL)

	_, err := sdb.Write("SELECT 1").
		Writef(" WHERE a = {1}", 1).
		Write(" AND b = @b").
		Bind("b", 2).
		Build()
	assert.ErrorIs(t, err, ErrCompilation)

	// a pooled builder starts over
	c, err := sdb.Write("SELECT ").Writef("{0}", 5).Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT @p0", c.Text)
	assert.Equal(t, []Binding{{Name: "@p0", Value: 5}}, c.Bindings)
}

// TestBuilder_BindStructAndBindings accepts every bag form.
func TestBuilder_BindStructAndBindings(t *testing.T) {
	sdb, _ := newTestDB(t, MySQL)

	type filter struct {
		Name   string `db:"name"`
		Status Status `db:"status"`
	}
	c, err := sdb.Write("SELECT 1").
		Bind(filter{Name: "x", Status: Active}).
		Bind([]Binding{Bind("extra", true)}).
		Bind(nil).
		Build()
	require.NoError(t, err)
	assert.Equal(t, []Binding{
		{Name: "@name", Value: "x"},
		{Name: "@status", Value: int64(1)},
		{Name: "@extra", Value: true},
	}, c.Bindings)
}

// TestBuilder_LastBindWins resolves repeated names to the last bag.
func TestBuilder_LastBindWins(t *testing.T) {
	sdb, _ := newTestDB(t, SQLite)

	c, err := sdb.Write("SELECT @a").Bind(P{"a": 1}).Bind(P{"a": 2}).Build()
	require.NoError(t, err)
	_, args, err := render(SQLite, c, sdb.Config())
	require.NoError(t, err)
	assert.Equal(t, []any{2}, args)
}

// TestBuilder_BindErrors reports malformed k/v pairs and bad bags at Build.
func TestBuilder_BindErrors(t *testing.T) {
	sdb, _ := newTestDB(t, Postgres)

	_, err := sdb.Write("SELECT 1").Bind("a", 1, "b").Build()
	assert.ErrorContains(t, err, "even number of args")

	_, err = sdb.Write("SELECT 1").Bind(1, "a").Build()
	assert.ErrorContains(t, err, "non-empty string")

	_, err = sdb.Write("SELECT 1").Bind("", "a").Build()
	assert.ErrorContains(t, err, "non-empty string")

	_, err = sdb.Write("SELECT 1").Bind(42).Build()
	assert.ErrorIs(t, err, ErrUnsupportedBag)
}

// TestBuilder_PreviewAndRelease keeps the builder usable after Preview only.
func TestBuilder_PreviewAndRelease(t *testing.T) {
	sdb, _ := newTestDB(t, Postgres)

	b := sdb.Write("SELECT @x").Bind("x", 1)
	p1, err := b.Preview()
	require.NoError(t, err)
	p2, err := b.Preview()
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	c, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, p1, c)

	_, err = b.Build()
	assert.ErrorIs(t, err, ErrBuilderReleased)
	_, err = b.Preview()
	assert.ErrorIs(t, err, ErrBuilderReleased)
	b.Release()
}

// TestBuilder_AsStatement runs a builder through the facade.
func TestBuilder_AsStatement(t *testing.T) {
	ctx := context.Background()
	sdb, mock := newTestDB(t, Postgres)
	c := sdb.Conn()
	defer c.Close()

	mock.ExpectQuery("SELECT name FROM users WHERE id = $1 OR parent = $1").WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("ada"))

	name, err := Scalar[string](ctx, c, sdb.Write("SELECT name FROM users WHERE id = @id OR parent = @id").Bind("id", 5))
	require.NoError(t, err)
	assert.Equal(t, "ada", name)
	assert.NoError(t, mock.ExpectationsWereMet())
}
