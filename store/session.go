package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rivergate/foreman/engerr"
)

// DefaultDeadline is the default per-operation store deadline.
const DefaultDeadline = 5 * time.Second

// Session is a scoped transactional context with guaranteed release on
// every exit path. A Session pins a single connection from
// the pool for its lifetime so that the BEGIN/COMMIT/ROLLBACK statements
// below apply to one logical transaction — database/sql's *sql.Tx alone
// would not let us choose between BEGIN and BEGIN IMMEDIATE. Callers
// always do:
//
//	sess, err := store.Begin(ctx, db, true)
//	if err != nil { return err }
//	defer sess.Close()
//	... reads/writes via sess.ExecContext / sess.QueryContext ...
//	return sess.Commit()
//
// Close is a no-op once Commit has succeeded; otherwise it rolls back.
type Session struct {
	conn      *sql.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	committed bool
}

// Begin opens a new Session. When exclusive is true the underlying
// transaction is opened with BEGIN IMMEDIATE, SQLite's closest equivalent
// to a row-level write lock — used by the assignment, submit-result,
// fail, timeout-sweep, and guardian code paths that need it. Reads that
// don't need the lock (e.g. listing tickets) pass
// exclusive=false for an ordinary deferred transaction.
func Begin(ctx context.Context, db *DB, exclusive bool) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultDeadline)

	conn, err := db.Conn(ctx)
	if err != nil {
		cancel()
		return nil, engerr.Wrap(engerr.TransportError, err, "acquire connection")
	}

	stmt := "BEGIN"
	if exclusive {
		stmt = "BEGIN IMMEDIATE"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		conn.Close()
		cancel()
		return nil, engerr.Wrap(engerr.TransportError, err, "begin transaction")
	}

	return &Session{conn: conn, ctx: ctx, cancel: cancel}, nil
}

// ExecContext runs a statement within the session's transaction.
func (s *Session) ExecContext(query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(s.ctx, query, args...)
}

// QueryContext runs a query within the session's transaction.
func (s *Session) QueryContext(query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(s.ctx, query, args...)
}

// QueryRowContext runs a single-row query within the session's transaction.
func (s *Session) QueryRowContext(query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(s.ctx, query, args...)
}

// Context returns the session's deadline-bound context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Commit commits the transaction.
func (s *Session) Commit() error {
	if _, err := s.conn.ExecContext(s.ctx, "COMMIT"); err != nil {
		return engerr.Wrap(engerr.TransportError, err, "commit transaction")
	}
	s.committed = true
	return nil
}

// Close rolls back the transaction if it was not already committed, then
// releases the pinned connection. Safe to call unconditionally via defer.
func (s *Session) Close() {
	if !s.committed {
		_, _ = s.conn.ExecContext(s.ctx, "ROLLBACK")
	}
	s.conn.Close()
	s.cancel()
}

// IsStaleVersion reports whether result, from an UPDATE ... WHERE version
// = ?, affected zero rows — the store's optimistic-concurrency failure
// mode.
func IsStaleVersion(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, engerr.Wrap(engerr.TransportError, err, "read rows affected")
	}
	return n == 0, nil
}
