package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
)

// UpsertPhase writes (or overwrites) a single catalog entry. Called by the
// engine at startup to seed the Store from the static phase catalog — the
// Store remains the single source of truth for the tasks/tickets foreign
// keys that reference phase_id.
func (s *Store) UpsertPhase(ctx context.Context, p domain.Phase) error {
	return s.withSession(ctx, true, func(sess *Session) error {
		transitions, _ := json.Marshal(p.AllowedTransitions)
		done, _ := json.Marshal(p.DoneDefinitions)
		outputs, _ := json.Marshal(p.ExpectedOutputs)
		_, err := sess.ExecContext(`
			INSERT INTO phases (id, name, sequence_order, allowed_transitions, is_terminal,
				done_definitions, expected_outputs, initial_prompt, next_steps_guidance,
				seed_task_type, requires_review)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				sequence_order = excluded.sequence_order,
				allowed_transitions = excluded.allowed_transitions,
				is_terminal = excluded.is_terminal,
				done_definitions = excluded.done_definitions,
				expected_outputs = excluded.expected_outputs,
				initial_prompt = excluded.initial_prompt,
				next_steps_guidance = excluded.next_steps_guidance,
				seed_task_type = excluded.seed_task_type,
				requires_review = excluded.requires_review
		`, p.ID, p.Name, p.SequenceOrder, string(transitions), p.IsTerminal,
			string(done), string(outputs), p.InitialPrompt, p.NextStepsGuidance,
			p.SeedTaskType, p.RequiresReview)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "upsert phase %s", p.ID)
		}
		return nil
	})
}

const phaseColumns = `id, name, sequence_order, allowed_transitions, is_terminal,
	done_definitions, expected_outputs, initial_prompt, next_steps_guidance,
	seed_task_type, requires_review`

func scanPhase(row rowScanner) (*domain.Phase, error) {
	var p domain.Phase
	var transitions, done, outputs string
	var initialPrompt, nextSteps, seedType sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.SequenceOrder, &transitions, &p.IsTerminal,
		&done, &outputs, &initialPrompt, &nextSteps, &seedType, &p.RequiresReview); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(transitions), &p.AllowedTransitions)
	_ = json.Unmarshal([]byte(done), &p.DoneDefinitions)
	_ = json.Unmarshal([]byte(outputs), &p.ExpectedOutputs)
	p.InitialPrompt = initialPrompt.String
	p.NextStepsGuidance = nextSteps.String
	p.SeedTaskType = seedType.String
	return &p, nil
}

// GetPhase retrieves a single catalog entry by id.
func (s *Store) GetPhase(ctx context.Context, id string) (*domain.Phase, error) {
	var p *domain.Phase
	err := s.withSession(ctx, false, func(sess *Session) error {
		row := sess.QueryRowContext("SELECT "+phaseColumns+" FROM phases WHERE id = ?", id)
		var err error
		p, err = scanPhase(row)
		if errors.Is(err, sql.ErrNoRows) {
			return engerr.New(engerr.NotFound, "phase %s not found", id)
		}
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "scan phase %s", id)
		}
		return nil
	})
	return p, err
}

// ListPhases returns the full catalog ordered by sequence.
func (s *Store) ListPhases(ctx context.Context) ([]domain.Phase, error) {
	var out []domain.Phase
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext("SELECT " + phaseColumns + " FROM phases ORDER BY sequence_order")
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list phases")
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPhase(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan phase row")
			}
			out = append(out, *p)
		}
		return rows.Err()
	})
	return out, err
}

// SetGateFlag records that a ticket's phase-gate done-definition has been
// satisfied by a given artifact.
func SetGateFlag(sess *Session, ticketID, definition, artifactRef string) error {
	_, err := sess.ExecContext(`
		INSERT INTO phase_gate_flags (ticket_id, definition, satisfied_by_artifact, satisfied_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(ticket_id, definition) DO UPDATE SET
			satisfied_by_artifact = excluded.satisfied_by_artifact,
			satisfied_at = excluded.satisfied_at
	`, ticketID, definition, artifactRef)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "set gate flag %s/%s", ticketID, definition)
	}
	return nil
}

// SatisfiedGateFlags returns the set of done-definitions already satisfied
// for a ticket.
func SatisfiedGateFlags(sess *Session, ticketID string) (map[string]bool, error) {
	rows, err := sess.QueryContext(`SELECT definition FROM phase_gate_flags WHERE ticket_id = ?`, ticketID)
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "query gate flags for %s", ticketID)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, engerr.Wrap(engerr.TransportError, err, "scan gate flag row")
		}
		out[def] = true
	}
	return out, rows.Err()
}

// ClearGateFlags removes all gate flags for a ticket; regressing a phase
// clears its gate flags.
func ClearGateFlags(sess *Session, ticketID string) error {
	if _, err := sess.ExecContext(`DELETE FROM phase_gate_flags WHERE ticket_id = ?`, ticketID); err != nil {
		return engerr.Wrap(engerr.TransportError, err, "clear gate flags for %s", ticketID)
	}
	return nil
}
