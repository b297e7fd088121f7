package sqlscope

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
)

// Dialect identifies the SQL dialect used to render placeholders and to pick
// the identity query run by ExecIdentity.
type Dialect int

// DB is the main entry point. It holds the selected dialect, configuration,
// the handle connections are drawn from, and a pool of reusable *Builder
// instances. A single DB is safe for concurrent use; the *Conn values it
// hands out are not.
type DB struct {
	opener  Opener
	dialect Dialect
	config  Config
	pool    sync.Pool
}

// Config defines limits and behavior tweaks for rendering and execution.
type Config struct {
	// MaxParams limits the total number of placeholders that can be emitted
	// when a Compiled query is rendered for the driver.
	// If = 0 (or omitted), it uses a sensible per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the maximum allowed length of a binding name,
	// e.g. "@this_is_a_name". Names longer than this cause ErrParamNameTooLong.
	MaxNameLen int
	// Logger receives debug records for statements and transaction scopes.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// P is a convenient alias for map[string]any to use as a parameter bag.
type P = map[string]any

// Opener hands out dedicated connections. *sql.DB satisfies it.
type Opener interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Execer abstracts *sql.Conn / *sql.Tx ExecContext.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer abstracts *sql.Conn / *sql.Tx QueryContext.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// execQueryer is what a command runs on: the raw connection or the ambient transaction.
type execQueryer interface {
	Execer
	Queryer
}

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

// Sigil prefixes every binding name, both in Compiled text and in Binding.Name.
const Sigil = "@"

const cacheSize = 4096 // Default size for the type-descriptor cache

var (
	ErrCompilation      = errors.New("sqlscope: malformed template")
	ErrTypeMismatch     = errors.New("sqlscope: type mismatch")
	ErrParamMissing     = errors.New("sqlscope: missing parameter")
	ErrTooManyParams    = errors.New("sqlscope: too many parameters")
	ErrParamNameTooLong = errors.New("sqlscope: parameter name too long")
	ErrUnsupportedBag   = errors.New("sqlscope: unsupported parameter bag")
	ErrBuilderReleased  = errors.New("sqlscope: builder already released; call Write() on *DB for a new query")
	ErrColumnCount      = errors.New("sqlscope: unexpected column count")
)

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// identityQuery returns the statement that reads the last generated identity
// on the current session.
func (d Dialect) identityQuery() string {
	switch d {
	case Postgres:
		return "SELECT lastval()"
	case MySQL:
		return "SELECT LAST_INSERT_ID()"
	case SQLServer:
		return "SELECT CAST(SCOPE_IDENTITY() AS bigint)"
	default:
		return "SELECT last_insert_rowid()"
	}
}

// identityInBatch reports whether the identity is only visible to a query
// sent in the same batch as the statement that generated it. SCOPE_IDENTITY()
// is scoped to the batch, and parameterized commands run in their own batch.
func (d Dialect) identityInBatch() bool {
	return d == SQLServer
}

// New returns a new DB for the given handle and dialect. Optionally provide a
// Config; unspecified fields fall back to sensible per-dialect defaults.
func New(opener Opener, dialect Dialect, cfg ...Config) *DB {
	d := &DB{
		opener:  opener,
		dialect: dialect,
		config:  defaultConfig(dialect, cfg...),
	}
	d.pool.New = func() any {
		return &Builder{
			d:      d,
			parts:  make([]string, 0, 16),
			inputs: make([]any, 0, 8),
		}
	}
	return d
}

// Dialect returns the dialect the DB renders for.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Config returns the effective configuration, defaults applied.
func (d *DB) Config() Config {
	return d.config
}

// defaultConfig merges user config with per-dialect defaults.
func defaultConfig(dialect Dialect, config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}

	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}
