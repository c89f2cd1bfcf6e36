package store

import (
	"context"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
)

// RecordDiscovery inserts an immutable discovery row within an existing
// session, so record_and_branch runs inside the same transaction that
// spawns the follow-on task.
func RecordDiscovery(sess *Session, d *domain.Discovery) error {
	_, err := sess.ExecContext(`
		INSERT INTO discoveries (id, source_task_id, type, description, spawn_phase_id,
			spawn_task_id, priority_boost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.SourceTaskID, d.Type, d.Description, d.SpawnPhaseID, d.SpawnTaskID,
		d.PriorityBoost, d.CreatedAt)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "record discovery %s", d.ID)
	}
	return nil
}

const discoveryColumns = `id, source_task_id, type, description, spawn_phase_id,
	spawn_task_id, priority_boost, created_at`

func scanDiscovery(row rowScanner) (*domain.Discovery, error) {
	var d domain.Discovery
	if err := row.Scan(&d.ID, &d.SourceTaskID, &d.Type, &d.Description, &d.SpawnPhaseID,
		&d.SpawnTaskID, &d.PriorityBoost, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDiscoveriesForTask returns the discoveries recorded against a source task.
func (s *Store) ListDiscoveriesForTask(ctx context.Context, sourceTaskID string) ([]domain.Discovery, error) {
	var out []domain.Discovery
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`
			SELECT `+discoveryColumns+` FROM discoveries WHERE source_task_id = ? ORDER BY created_at
		`, sourceTaskID)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list discoveries for task %s", sourceTaskID)
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDiscovery(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan discovery row")
			}
			out = append(out, *d)
		}
		return rows.Err()
	})
	return out, err
}

// ListDiscoveriesForTicket returns every discovery whose source task belongs
// to the given ticket, for dashboard/audit display.
func ListDiscoveriesForTicket(sess *Session, ticketID string) ([]domain.Discovery, error) {
	rows, err := sess.QueryContext(`
		SELECT `+discoveryColumns+` FROM discoveries d
		JOIN tasks t ON t.id = d.source_task_id
		WHERE t.ticket_id = ?
		ORDER BY d.created_at
	`, ticketID)
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "list discoveries for ticket %s", ticketID)
	}
	defer rows.Close()
	var out []domain.Discovery
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			return nil, engerr.Wrap(engerr.TransportError, err, "scan discovery row")
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
