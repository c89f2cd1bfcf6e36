package store

import (
	"context"
	"database/sql"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
)

// RecordGuardianAction inserts an immutable, append-only audit row for an
// authority-gated intervention.
func RecordGuardianAction(sess *Session, a *domain.GuardianAction) error {
	_, err := sess.ExecContext(`
		INSERT INTO guardian_actions (id, action_type, target_entity_id, authority_level,
			reason, initiated_by, approved_by, audit_before, audit_after, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ActionType, a.TargetEntityID, a.AuthorityLevel, a.Reason, a.InitiatedBy,
		nullableStr(a.ApprovedBy), string(a.AuditBefore), string(a.AuditAfter), a.ExecutedAt)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "record guardian action %s", a.ID)
	}
	return nil
}

const guardianActionColumns = `id, action_type, target_entity_id, authority_level,
	reason, initiated_by, approved_by, audit_before, audit_after, executed_at, reverted_at`

func scanGuardianAction(row rowScanner) (*domain.GuardianAction, error) {
	var a domain.GuardianAction
	var approvedBy sql.NullString
	var before, after sql.NullString
	var revertedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.ActionType, &a.TargetEntityID, &a.AuthorityLevel,
		&a.Reason, &a.InitiatedBy, &approvedBy, &before, &after, &a.ExecutedAt, &revertedAt); err != nil {
		return nil, err
	}
	a.ApprovedBy = approvedBy.String
	a.AuditBefore = []byte(before.String)
	a.AuditAfter = []byte(after.String)
	if revertedAt.Valid {
		a.RevertedAt = &revertedAt.Time
	}
	return &a, nil
}

// GetGuardianAction retrieves a single action by id, used by Revert to load
// its audit_before snapshot.
func GetGuardianAction(sess *Session, id string) (*domain.GuardianAction, error) {
	row := sess.QueryRowContext("SELECT "+guardianActionColumns+" FROM guardian_actions WHERE id = ?", id)
	a, err := scanGuardianAction(row)
	if err == sql.ErrNoRows {
		return nil, engerr.New(engerr.NotFound, "guardian action %s not found", id)
	}
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "scan guardian action %s", id)
	}
	return a, nil
}

// MarkGuardianActionReverted stamps reverted_at on an action.
func MarkGuardianActionReverted(sess *Session, id string) error {
	_, err := sess.ExecContext(`UPDATE guardian_actions SET reverted_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "mark guardian action %s reverted", id)
	}
	return nil
}

// ListGuardianActionsForTarget returns every recorded action against an
// entity, most recent first.
func (s *Store) ListGuardianActionsForTarget(ctx context.Context, targetID string) ([]domain.GuardianAction, error) {
	var out []domain.GuardianAction
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`
			SELECT `+guardianActionColumns+` FROM guardian_actions
			WHERE target_entity_id = ? ORDER BY executed_at DESC
		`, targetID)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list guardian actions for %s", targetID)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanGuardianAction(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan guardian action row")
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	return out, err
}

// OverrideTaskPriority implements the override_priority intervention.
func OverrideTaskPriority(sess *Session, taskID string, newPriority domain.Priority, expectedVersion int64) error {
	res, err := sess.ExecContext(`
		UPDATE tasks SET priority = ?, version = version + 1 WHERE id = ? AND version = ?
	`, newPriority, taskID, expectedVersion)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "override priority for task %s", taskID)
	}
	stale, err := IsStaleVersion(res)
	if err != nil {
		return err
	}
	if stale {
		return engerr.New(engerr.StaleVersion, "task %s version changed under reader", taskID)
	}
	return nil
}
