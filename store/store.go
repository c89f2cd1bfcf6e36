package store

import (
	"context"
	"database/sql"
)

// execer is satisfied by both *Session and the ad hoc session Store opens
// internally for single-statement operations, so every entity query below
// is written once and works whether or not the caller supplied an
// explicit transactional Session.
type execer interface {
	ExecContext(query string, args ...any) (sql.Result, error)
	QueryContext(query string, args ...any) (*sql.Rows, error)
	QueryRowContext(query string, args ...any) *sql.Row
}

// Store is the engine's Store Adapter: every entity-specific file in this
// package (tickets.go, tasks.go, agents.go, phases.go, discoveries.go,
// guardian.go, events.go) defines methods on *Store.
type Store struct {
	db *DB
}

// New wraps an opened DB in a Store.
func New(db *DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection pool, for components (the Health
// Monitor's sweeps, the Orchestrator's assignment loop) that need to open
// their own exclusive Session spanning several entity calls.
func (s *Store) DB() *DB {
	return s.db
}

// withSession runs fn inside a freshly opened Session (exclusive as
// requested), committing on success and rolling back otherwise. Used by
// every single-call Store method; multi-call operations (queue
// assignment, guardian interventions) instead call store.Begin directly
// and pass the Session through explicitly.
func (s *Store) withSession(ctx context.Context, exclusive bool, fn func(*Session) error) error {
	sess, err := Begin(ctx, s.db, exclusive)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}
