package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
)

// CreateTicket inserts a new ticket at version 1 and writes its first
// history entry in the same call.
func (s *Store) CreateTicket(ctx context.Context, t *domain.Ticket) error {
	return s.withSession(ctx, true, func(sess *Session) error {
		return createTicket(sess, t)
	})
}

func createTicket(x execer, t *domain.Ticket) error {
	blocked, _ := json.Marshal(t.BlockedByTickets)
	tags, _ := json.Marshal(t.Tags)
	t.Version = 1

	_, err := x.ExecContext(`
		INSERT INTO tickets (id, title, description, phase_id, status, priority,
			blocked_by_ticket_ids, blocked_reason, tags, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, t.PhaseID, t.Status, t.Priority,
		string(blocked), t.BlockedReason, string(tags), t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "insert ticket %s", t.ID)
	}

	return appendTicketHistory(x, t.ID, t.Status, "system", "ticket created")
}

// GetTicket retrieves a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	var t *domain.Ticket
	err := s.withSession(ctx, false, func(sess *Session) error {
		var err error
		t, err = getTicket(sess, id)
		return err
	})
	return t, err
}

func getTicket(x execer, id string) (*domain.Ticket, error) {
	row := x.QueryRowContext(`
		SELECT id, title, description, phase_id, status, priority,
			blocked_by_ticket_ids, blocked_reason, tags, version, created_at, updated_at
		FROM tickets WHERE id = ?
	`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engerr.New(engerr.NotFound, "ticket %s not found", id)
	}
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "scan ticket %s", id)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*domain.Ticket, error) {
	var t domain.Ticket
	var blockedJSON, tagsJSON string
	var blockedReason sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.PhaseID, &t.Status, &t.Priority,
		&blockedJSON, &blockedReason, &tagsJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(blockedJSON), &t.BlockedByTickets)
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	t.BlockedReason = blockedReason.String
	return &t, nil
}

// ListTicketsByStatus returns all tickets with the given status.
func (s *Store) ListTicketsByStatus(ctx context.Context, status domain.TicketStatus) ([]domain.Ticket, error) {
	var out []domain.Ticket
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`
			SELECT id, title, description, phase_id, status, priority,
				blocked_by_ticket_ids, blocked_reason, tags, version, created_at, updated_at
			FROM tickets WHERE status = ? ORDER BY created_at
		`, status)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list tickets by status")
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan ticket row")
			}
			out = append(out, *t)
		}
		return rows.Err()
	})
	return out, err
}

// ListAllTickets returns every ticket regardless of status, newest first,
// for dashboard-style full-board rendering.
func (s *Store) ListAllTickets(ctx context.Context) ([]domain.Ticket, error) {
	var out []domain.Ticket
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`
			SELECT id, title, description, phase_id, status, priority,
				blocked_by_ticket_ids, blocked_reason, tags, version, created_at, updated_at
			FROM tickets ORDER BY created_at DESC
		`)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list all tickets")
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan ticket row")
			}
			out = append(out, *t)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateTicketPhaseStatus transitions a ticket's phase and/or status with
// optimistic concurrency, appending a history entry in the same session.
// Returns engerr.StaleVersion if the read version no longer matches.
func UpdateTicketPhaseStatus(sess *Session, id string, newPhaseID string, newStatus domain.TicketStatus, expectedVersion int64, by, note string) error {
	res, err := sess.ExecContext(`
		UPDATE tickets SET phase_id = ?, status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, newPhaseID, newStatus, id, expectedVersion)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "update ticket %s", id)
	}
	stale, err := IsStaleVersion(res)
	if err != nil {
		return err
	}
	if stale {
		return engerr.New(engerr.StaleVersion, "ticket %s version changed under reader", id)
	}
	return appendTicketHistory(sess, id, newStatus, by, note)
}

// SetTicketBlocked sets or clears a ticket's blocked status/reason.
func SetTicketBlocked(sess *Session, id string, blocked bool, reason string, expectedVersion int64, by string) error {
	status := domain.TicketBlocked
	if !blocked {
		status = domain.TicketInProgress
	}
	res, err := sess.ExecContext(`
		UPDATE tickets SET status = ?, blocked_reason = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, status, reason, id, expectedVersion)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "set ticket %s blocked", id)
	}
	stale, err := IsStaleVersion(res)
	if err != nil {
		return err
	}
	if stale {
		return engerr.New(engerr.StaleVersion, "ticket %s version changed under reader", id)
	}
	return appendTicketHistory(sess, id, status, by, reason)
}

// SetTicketTags replaces a ticket's free-form label set. Tags carry no
// engine invariant; they exist purely for operator-facing filtering and
// display, so this does not append a history entry or bump the ticket's
// optimistic-concurrency version.
func (s *Store) SetTicketTags(ctx context.Context, id string, tags []string) error {
	encoded, _ := json.Marshal(tags)
	return s.withSession(ctx, true, func(sess *Session) error {
		res, err := sess.ExecContext(`UPDATE tickets SET tags = ? WHERE id = ?`, string(encoded), id)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "set tags for ticket %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "set tags for ticket %s", id)
		}
		if n == 0 {
			return engerr.New(engerr.NotFound, "ticket %s not found", id)
		}
		return nil
	})
}

// ListTagsForTickets batch-loads the tag sets for a set of ticket ids in
// one query, keyed by ticket id, so dashboard list views don't issue one
// query per row.
func (s *Store) ListTagsForTickets(ctx context.Context, ticketIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ticketIDs))
	if len(ticketIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ticketIDs))
	args := make([]any, len(ticketIDs))
	for i, id := range ticketIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := "SELECT id, tags FROM tickets WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(query, args...)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "batch load ticket tags")
		}
		defer rows.Close()
		for rows.Next() {
			var id, tagsJSON string
			if err := rows.Scan(&id, &tagsJSON); err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan ticket tags row")
			}
			var tags []string
			_ = json.Unmarshal([]byte(tagsJSON), &tags)
			out[id] = tags
		}
		return rows.Err()
	})
	return out, err
}

func appendTicketHistory(x execer, ticketID string, status domain.TicketStatus, by, note string) error {
	_, err := x.ExecContext(`
		INSERT INTO ticket_history (ticket_id, status, by, note, at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, ticketID, status, by, note)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "append ticket history for %s", ticketID)
	}
	return nil
}

// GetTicketHistory returns the ordered history of a ticket.
func (s *Store) GetTicketHistory(ctx context.Context, ticketID string) ([]domain.TicketHistoryEntry, error) {
	var out []domain.TicketHistoryEntry
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`
			SELECT status, by, note, at FROM ticket_history WHERE ticket_id = ? ORDER BY at
		`, ticketID)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "get ticket history for %s", ticketID)
		}
		defer rows.Close()
		for rows.Next() {
			var e domain.TicketHistoryEntry
			var by, note sql.NullString
			if err := rows.Scan(&e.Status, &by, &note, &e.At); err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan ticket history row")
			}
			e.By, e.Note = by.String, note.String
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
