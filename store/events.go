package store

import (
	"context"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
)

// AppendEvent mirrors a well-known event into the store so a subset of
// events is durably persisted for replay and audit. The Event Bus itself
// is the in-process fan-out and never touches this table directly —
// callers persist first, then publish.
func AppendEvent(sess *Session, e *domain.Event) error {
	_, err := sess.ExecContext(`
		INSERT INTO events (id, event_type, entity_type, entity_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventType, e.EntityType, e.EntityID, string(e.Payload), e.Timestamp)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "append event %s", e.ID)
	}
	return nil
}

const eventColumns = `id, event_type, entity_type, entity_id, payload, timestamp`

func scanEvent(row rowScanner) (*domain.Event, error) {
	var e domain.Event
	var payload string
	if err := row.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &payload, &e.Timestamp); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}

// ListEventsForEntity returns the persisted event trail for a single
// entity, oldest first — used to replay state for a reconnecting dashboard
// client or an audit query.
func (s *Store) ListEventsForEntity(ctx context.Context, entityID string) ([]domain.Event, error) {
	var out []domain.Event
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`
			SELECT `+eventColumns+` FROM events WHERE entity_id = ? ORDER BY timestamp ASC
		`, entityID)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list events for entity %s", entityID)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan event row")
			}
			out = append(out, *e)
		}
		return rows.Err()
	})
	return out, err
}

// ListEventsSince returns persisted events with a timestamp greater than
// afterTimestamp, oldest first, bounded by limit — the replay primitive a dashboard uses
// to catch up after reconnecting to the SSE stream.
func (s *Store) ListEventsSince(ctx context.Context, afterTimestamp string, limit int) ([]domain.Event, error) {
	var out []domain.Event
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`
			SELECT `+eventColumns+` FROM events WHERE timestamp > ? ORDER BY timestamp ASC LIMIT ?
		`, afterTimestamp, limit)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list events since %s", afterTimestamp)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan event row")
			}
			out = append(out, *e)
		}
		return rows.Err()
	})
	return out, err
}
