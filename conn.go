package sqlscope

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
)

// Conn is one dedicated database connection, opened lazily on first use.
// Ambient transactions are tracked per Conn, so every statement run through
// the same Conn shares the transaction opened by an enclosing RunInTx.
//
// A Conn is meant to be used by one logical flow at a time.
type Conn struct {
	db  *DB
	id  uuid.UUID
	raw *sql.Conn
}

// Conn returns a new, not yet opened, connection handle.
func (d *DB) Conn() *Conn {
	return &Conn{db: d, id: uuid.New()}
}

// ID identifies the connection in log records.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Dialect returns the dialect of the owning DB.
func (c *Conn) Dialect() Dialect {
	return c.db.dialect
}

// IsOpen reports whether the underlying connection has been acquired.
func (c *Conn) IsOpen() bool {
	return c.raw != nil
}

// Open acquires the underlying connection. It is a no-op when already open.
func (c *Conn) Open(ctx context.Context) error {
	if c.raw != nil {
		return nil
	}
	raw, err := c.db.opener.Conn(ctx)
	if err != nil {
		return err
	}
	c.raw = raw
	c.logger().Debug("connection opened")
	return nil
}

// Close returns the underlying connection to its pool. Closing a Conn that
// was never opened is a no-op; a closed Conn reopens on next use.
func (c *Conn) Close() error {
	if c.raw == nil {
		return nil
	}
	err := c.raw.Close()
	c.raw = nil
	c.logger().Debug("connection closed")
	return err
}

// Tx returns the ambient transaction of the connection, if any.
func (c *Conn) Tx() (*Tx, bool) {
	return ambient.lookup(c)
}

// target returns what a command must run on: the ambient transaction when one
// is active, otherwise the connection, opened on demand.
func (c *Conn) target(ctx context.Context) (execQueryer, *Tx, error) {
	if tx, ok := ambient.lookup(c); ok {
		return tx.tx, tx, nil
	}
	if err := c.Open(ctx); err != nil {
		return nil, nil, err
	}
	return c.raw, nil, nil
}

// prepare compiles st and renders it for the connection's dialect.
func (c *Conn) prepare(st Statement) (string, []any, error) {
	compiled, err := st.Compile()
	if err != nil {
		return "", nil, err
	}
	return render(c.db.dialect, compiled, c.db.config)
}

// logger returns the configured logger annotated with the connection ID.
func (c *Conn) logger() *slog.Logger {
	return c.db.config.Logger.With(slog.String("conn_id", c.id.String()))
}
