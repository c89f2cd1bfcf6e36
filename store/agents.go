package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
)

// RegisterAgent inserts a new agent, idle, zero load.
func (s *Store) RegisterAgent(ctx context.Context, a *domain.Agent) error {
	return s.withSession(ctx, true, func(sess *Session) error {
		caps, _ := json.Marshal(a.Capabilities)
		a.Version = 1
		_, err := sess.ExecContext(`
			INSERT INTO agents (id, agent_type, phase_id, status, capabilities, capacity,
				current_load, authority_level, last_heartbeat, created_at, version)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, a.ID, a.AgentType, nullableStr(a.PhaseID), a.Status, string(caps), a.Capacity,
			a.AuthorityLevel, a.LastHeartbeat, a.CreatedAt, a.Version)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "register agent %s", a.ID)
		}
		return nil
	})
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const agentColumns = `id, agent_type, phase_id, status, capabilities, capacity,
	current_load, authority_level, last_heartbeat, created_at, version`

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var phaseID sql.NullString
	var capsJSON string
	if err := row.Scan(&a.ID, &a.AgentType, &phaseID, &a.Status, &capsJSON, &a.Capacity,
		&a.CurrentLoad, &a.AuthorityLevel, &a.LastHeartbeat, &a.CreatedAt, &a.Version); err != nil {
		return nil, err
	}
	a.PhaseID = phaseID.String
	_ = json.Unmarshal([]byte(capsJSON), &a.Capabilities)
	return &a, nil
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var a *domain.Agent
	err := s.withSession(ctx, false, func(sess *Session) error {
		var err error
		a, err = getAgent(sess, id)
		return err
	})
	return a, err
}

// GetAgentInSession retrieves an agent within an already-open Session, for
// callers that need a lock-consistent read inside their own exclusive
// transaction.
func GetAgentInSession(sess *Session, id string) (*domain.Agent, error) {
	return getAgent(sess, id)
}

func getAgent(x execer, id string) (*domain.Agent, error) {
	row := x.QueryRowContext("SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engerr.New(engerr.NotFound, "agent %s not found", id)
	}
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "scan agent %s", id)
	}
	return a, nil
}

// FindEligibleAgents implements the Agent Registry's find_eligible query:
// phase match, capability superset (checked in Go since the
// superset relation isn't expressible as a single json_each join without
// per-row correlated counting that SQLite handles awkwardly across
// drivers), status in {idle, busy}, current_load < capacity, ordered by
// (current_load asc, last_heartbeat desc, id asc) — the tie-break is
// pushed into SQL so it is race-free under concurrent registrations.
func FindEligibleAgents(sess *Session, phaseID string, requiredCapabilities []string) ([]domain.Agent, error) {
	rows, err := sess.QueryContext(`
		SELECT `+agentColumns+` FROM agents
		WHERE (phase_id = ? OR phase_id IS NULL OR phase_id = '')
			AND status IN (?, ?)
			AND current_load < capacity
		ORDER BY current_load ASC, last_heartbeat DESC, id ASC
	`, phaseID, domain.AgentIdle, domain.AgentBusy)
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "query eligible agents")
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, engerr.Wrap(engerr.TransportError, err, "scan eligible agent row")
		}
		if a.HasCapabilities(requiredCapabilities) {
			out = append(out, *a)
		}
	}
	return out, rows.Err()
}

// ListAssignableAgents returns every agent with spare capacity across all
// phases, used by the Workflow Orchestrator's cycle loop to decide which
// agents to attempt next_assignment for — unlike FindEligibleAgents, this
// has no phase/capability
// filter since the orchestrator doesn't know in advance which phase will
// actually have ready work for a given agent).
func ListAssignableAgents(ctx context.Context, s *Store) ([]domain.Agent, error) {
	var out []domain.Agent
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`
			SELECT `+agentColumns+` FROM agents
			WHERE status IN (?, ?) AND current_load < capacity
			ORDER BY current_load ASC, last_heartbeat DESC, id ASC
		`, domain.AgentIdle, domain.AgentBusy)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "query assignable agents")
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan assignable agent row")
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	return out, err
}

// ListAllAgents returns every registered agent regardless of status, for
// dashboard-style rendering of the full roster.
func (s *Store) ListAllAgents(ctx context.Context) ([]domain.Agent, error) {
	var out []domain.Agent
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext(`SELECT ` + agentColumns + ` FROM agents ORDER BY created_at DESC`)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list all agents")
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan agent row")
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	return out, err
}

// Heartbeat updates last_heartbeat and optionally downgrades idle->busy,
// idempotent within the same instant: repeated calls leave state
// unchanged except last_heartbeat.
func Heartbeat(sess *Session, agentID string, statusHint *domain.AgentStatus) error {
	a, err := getAgent(sess, agentID)
	if err != nil {
		return err
	}
	newStatus := a.Status
	if statusHint != nil {
		newStatus = *statusHint
	} else if a.Status == domain.AgentIdle && a.CurrentLoad > 0 {
		newStatus = domain.AgentBusy
	}
	_, err = sess.ExecContext(`
		UPDATE agents SET last_heartbeat = CURRENT_TIMESTAMP, status = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, newStatus, agentID, a.Version)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "heartbeat agent %s", agentID)
	}
	return nil
}

// AdjustLoad changes current_load by delta (±1), used on assignment,
// completion, cancellation, and failure.
func AdjustLoad(sess *Session, agentID string, delta int) error {
	a, err := getAgent(sess, agentID)
	if err != nil {
		return err
	}
	newLoad := a.CurrentLoad + delta
	if newLoad < 0 {
		newLoad = 0
	}
	status := a.Status
	if newLoad == 0 && a.Status == domain.AgentBusy {
		status = domain.AgentIdle
	}
	_, err = sess.ExecContext(`
		UPDATE agents SET current_load = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, newLoad, status, agentID, a.Version)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "adjust load for agent %s", agentID)
	}
	return nil
}

// StaleAgents returns agents whose last_heartbeat is strictly older than
// the threshold; exactly at the threshold does not count as stale.
func StaleAgents(sess *Session, thresholdSeconds int) ([]domain.Agent, error) {
	rows, err := sess.QueryContext(`
		SELECT `+agentColumns+` FROM agents
		WHERE status NOT IN (?, ?)
			AND datetime(last_heartbeat, '+' || ? || ' seconds') < CURRENT_TIMESTAMP
	`, domain.AgentDegraded, domain.AgentTerminated, thresholdSeconds)
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "query stale agents")
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, engerr.Wrap(engerr.TransportError, err, "scan stale agent row")
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// MarkDegraded transitions an agent to degraded.
func MarkDegraded(sess *Session, agentID string) error {
	a, err := getAgent(sess, agentID)
	if err != nil {
		return err
	}
	_, err = sess.ExecContext(`
		UPDATE agents SET status = ?, version = version + 1 WHERE id = ? AND version = ?
	`, domain.AgentDegraded, agentID, a.Version)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "mark agent %s degraded", agentID)
	}
	return nil
}

// TasksHeldByAgent returns the task ids currently assigned to the agent
// in a non-terminal status, for the stale-agent sweep's retry-return path.
func TasksHeldByAgent(sess *Session, agentID string) ([]string, error) {
	rows, err := sess.QueryContext(`
		SELECT id FROM tasks WHERE assigned_agent_id = ? AND status IN (?, ?, ?)
	`, agentID, domain.TaskAssigned, domain.TaskRunning, domain.TaskUnderReview)
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "query tasks held by agent %s", agentID)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, engerr.Wrap(engerr.TransportError, err, "scan held task id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReallocateCapacity moves amount of capacity from one agent to another
// (a Guardian operation), checked by the caller for the
// from_agent.current_load + (capacity - amount) >= 0 invariant before
// calling.
func ReallocateCapacity(sess *Session, fromID, toID string, amount int) error {
	from, err := getAgent(sess, fromID)
	if err != nil {
		return err
	}
	to, err := getAgent(sess, toID)
	if err != nil {
		return err
	}
	if _, err := sess.ExecContext(`UPDATE agents SET capacity = capacity - ?, version = version + 1 WHERE id = ? AND version = ?`,
		amount, fromID, from.Version); err != nil {
		return engerr.Wrap(engerr.TransportError, err, "debit capacity from agent %s", fromID)
	}
	if _, err := sess.ExecContext(`UPDATE agents SET capacity = capacity + ?, version = version + 1 WHERE id = ? AND version = ?`,
		amount, toID, to.Version); err != nil {
		return engerr.Wrap(engerr.TransportError, err, "credit capacity to agent %s", toID)
	}
	return nil
}
