package sqlscope

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Tx is a transaction handle: the driver transaction plus the isolation
// level it was opened with. It is owned by the outermost RunInTx scope of its
// connection; nested scopes receive the same *Tx.
type Tx struct {
	id        ulid.ULID
	conn      *Conn
	tx        *sql.Tx
	isolation sql.IsolationLevel
}

// ID identifies the transaction in log records. IDs sort by creation time.
func (t *Tx) ID() ulid.ULID { return t.id }

// Isolation returns the isolation level the transaction was opened with.
func (t *Tx) Isolation() sql.IsolationLevel { return t.isolation }

// Conn returns the connection the transaction runs on.
func (t *Tx) Conn() *Conn { return t.conn }

// Unwrap returns the underlying *sql.Tx.
func (t *Tx) Unwrap() *sql.Tx { return t.tx }

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// TxFn is the body of a transactional scope.
type TxFn func(ctx context.Context, tx *Tx) error

// --------------------------------
// Ambient registry
// --------------------------------

// txRegistry associates a connection with its active transaction. Entries for
// different connections never contend; a connection has at most one entry.
type txRegistry struct {
	m sync.Map // *Conn -> *Tx
}

var ambient txRegistry

func (r *txRegistry) lookup(c *Conn) (*Tx, bool) {
	v, ok := r.m.Load(c)
	if !ok {
		return nil, false
	}
	return v.(*Tx), true
}

func (r *txRegistry) acquire(c *Conn, tx *Tx) {
	r.m.Store(c, tx)
}

func (r *txRegistry) release(c *Conn) {
	r.m.Delete(c)
}

// len counts active entries; used by tests and debug logging.
func (r *txRegistry) len() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// --------------------------------
// Scopes
// --------------------------------

// RunInTx runs fn inside the ambient transaction of the connection.
//
// When the connection already has one, fn receives that same *Tx and nothing
// else happens. Otherwise the connection is opened if needed, a transaction is
// started at isolation and recorded as ambient for the duration of fn; the
// record is removed on every exit path, including errors and panics.
//
// RunInTx never commits or rolls back: that is up to fn (see WithTransaction
// for the managed variant).
func (c *Conn) RunInTx(ctx context.Context, isolation sql.IsolationLevel, fn TxFn) error {
	return c.scope(ctx, isolation, func(ctx context.Context, tx *Tx, _ bool) error {
		return fn(ctx, tx)
	})
}

// WithTransaction runs fn in the ambient transaction like RunInTx, and also
// owns the outcome: the outermost scope commits when fn returns nil and rolls
// back on error or panic. Nested scopes only propagate their error.
func (c *Conn) WithTransaction(ctx context.Context, isolation sql.IsolationLevel, fn TxFn) error {
	return c.scope(ctx, isolation, func(ctx context.Context, tx *Tx, outermost bool) (err error) {
		if !outermost {
			return fn(ctx, tx)
		}
		log := c.logger().With(slog.String("tx_id", tx.id.String()))

		defer func() {
			if p := recover(); p != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					log.Error("failed to roll back transaction after panic",
						slog.String("error", rbErr.Error()),
						slog.Any("panic", p))
				} else {
					log.Error("rolled back transaction after panic", slog.Any("panic", p))
				}
				panic(p)
			}
		}()

		if err := fn(ctx, tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("failed to roll back transaction",
					slog.String("rollback_error", rbErr.Error()),
					slog.String("original_error", err.Error()))
				return fmt.Errorf("error rolling back transaction: %v (original error: %w)", rbErr, err)
			}
			log.Debug("rolled back transaction due to error", slog.String("error", err.Error()))
			return err
		}

		if err := tx.Commit(); err != nil {
			log.Error("failed to commit transaction", slog.String("error", err.Error()))
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		log.Debug("transaction committed")
		return nil
	})
}

// scope implements the enter/reuse/exit state machine shared by RunInTx and
// WithTransaction. outermost is true for the call that began the transaction.
func (c *Conn) scope(ctx context.Context, isolation sql.IsolationLevel, fn func(context.Context, *Tx, bool) error) error {
	if tx, ok := ambient.lookup(c); ok {
		c.logger().Debug("joining ambient transaction", slog.String("tx_id", tx.id.String()))
		return fn(ctx, tx, false)
	}

	if err := c.Open(ctx); err != nil {
		return err
	}
	raw, err := c.raw.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return err
	}
	tx := &Tx{id: ulid.Make(), conn: c, tx: raw, isolation: isolation}

	log := c.logger().With(slog.String("tx_id", tx.id.String()))
	ambient.acquire(c, tx)
	defer func() {
		ambient.release(c)
		log.Debug("ambient transaction released")
	}()
	log.Debug("transaction started", slog.String("isolation", isolation.String()))

	return fn(ctx, tx, true)
}
