package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
)

// CreateTask inserts a new pending task. Callers (queue.Queue) are
// responsible for the circular-dependency DFS check (domain package)
// before calling this.
func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	return s.withSession(ctx, true, func(sess *Session) error {
		return createTask(sess, t)
	})
}

func createTask(x execer, t *domain.Task) error {
	deps, _ := json.Marshal(t.Dependencies)
	t.Version = 1

	_, err := x.ExecContext(`
		INSERT INTO tasks (id, ticket_id, phase_id, task_type, description, status, priority,
			dependencies, retry_count, max_retries, timeout_seconds, version, created_at, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TicketID, t.PhaseID, t.TaskType, t.Description, t.Status, t.Priority,
		string(deps), t.RetryCount, t.MaxRetries, nullableInt(t.TimeoutSeconds), t.Version, t.CreatedAt, t.ScheduledAt)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "insert task %s", t.ID)
	}
	return nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

const taskColumns = `id, ticket_id, phase_id, task_type, description, status, priority,
	assigned_agent_id, dependencies, retry_count, max_retries, timeout_seconds,
	result, error_message, sandbox_id, version, created_at, scheduled_at, started_at, completed_at`

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var depsJSON string
	var agentID, resultJSON, errMsg, sandboxID sql.NullString
	var timeoutSeconds sql.NullInt64
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&t.ID, &t.TicketID, &t.PhaseID, &t.TaskType, &t.Description, &t.Status, &t.Priority,
		&agentID, &depsJSON, &t.RetryCount, &t.MaxRetries, &timeoutSeconds,
		&resultJSON, &errMsg, &sandboxID, &t.Version, &t.CreatedAt, &t.ScheduledAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	t.AssignedAgentID = agentID.String
	_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
	t.ErrorMessage = errMsg.String
	t.SandboxID = sandboxID.String
	if timeoutSeconds.Valid {
		t.TimeoutSeconds = int(timeoutSeconds.Int64)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var r domain.TaskResult
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err == nil {
			t.Result = &r
		}
	}
	if startedAt.Valid {
		st := startedAt.Time
		t.StartedAt = &st
	}
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	return &t, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var t *domain.Task
	err := s.withSession(ctx, false, func(sess *Session) error {
		var err error
		t, err = getTask(sess, id)
		return err
	})
	return t, err
}

// GetTaskInSession retrieves a task within an already-open Session, for
// callers (queue.Queue) that need a read inside their own exclusive
// transaction rather than a fresh ad hoc one.
func GetTaskInSession(sess *Session, id string) (*domain.Task, error) {
	return getTask(sess, id)
}

// CreateTaskInSession inserts a new pending task within an already-open
// Session, for callers (discovery.Service) that need the insert to share a
// transaction with another write.
func CreateTaskInSession(sess *Session, t *domain.Task) error {
	return createTask(sess, t)
}

func getTask(x execer, id string) (*domain.Task, error) {
	row := x.QueryRowContext("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engerr.New(engerr.NotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "scan task %s", id)
	}
	return t, nil
}

// ListTasksByTicket returns every task belonging to a ticket, used by the
// Phase Engine to check "all tasks in the current phase are terminal".
func (s *Store) ListTasksByTicket(ctx context.Context, ticketID string) ([]domain.Task, error) {
	var out []domain.Task
	err := s.withSession(ctx, false, func(sess *Session) error {
		rows, err := sess.QueryContext("SELECT "+taskColumns+" FROM tasks WHERE ticket_id = ? ORDER BY created_at", ticketID)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "list tasks for ticket %s", ticketID)
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return engerr.Wrap(engerr.TransportError, err, "scan task row")
			}
			out = append(out, *t)
		}
		return rows.Err()
	})
	return out, err
}

// CandidateTasksForAgent returns pending tasks in phases the agent is
// eligible for (its own phase scope, or unscoped), ordered created_at
// ascending — the caller (queue.Queue.NextAssignment) applies the score
// function and the dependency-gate filter, since those require data
// (other tasks' statuses, config weights) this query doesn't have.
func CandidateTasksForAgent(sess *Session, agentPhaseID string) ([]domain.Task, error) {
	rows, err := sess.QueryContext(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND (phase_id = ? OR ? = '') AND scheduled_at <= CURRENT_TIMESTAMP
		ORDER BY created_at ASC
	`, domain.TaskPending, agentPhaseID, agentPhaseID)
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "query candidate tasks")
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, engerr.Wrap(engerr.TransportError, err, "scan candidate task row")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TaskStatusesByID returns a status lookup map for the given ids, used to
// evaluate the dependency gate: a task is eligible only if every
// dependency resolves to a task with status completed.
func TaskStatusesByID(sess *Session, ids []string) (map[string]domain.TaskStatus, error) {
	out := make(map[string]domain.TaskStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	rows, err := sess.QueryContext("SELECT id, status FROM tasks WHERE id IN ("+string(placeholders)+")", args...)
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "query task statuses")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var status domain.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, engerr.Wrap(engerr.TransportError, err, "scan task status row")
		}
		out[id] = status
	}
	return out, rows.Err()
}

// CountPendingTasks returns the number of tasks currently pending, for the
// Workflow Orchestrator's queue_depth gauge.
func (s *Store) CountPendingTasks(ctx context.Context) (int, error) {
	var n int
	err := s.withSession(ctx, false, func(sess *Session) error {
		row := sess.QueryRowContext("SELECT COUNT(*) FROM tasks WHERE status = ?", domain.TaskPending)
		return row.Scan(&n)
	})
	return n, err
}

// AssignTask sets status=assigned, assigned_agent_id, within the caller's
// exclusive Session (already holding the BEGIN IMMEDIATE lock from
// next_assignment's row lock). expectedVersion enforces optimistic
// concurrency so two concurrent assignment loops can never both win the
// same task.
func AssignTask(sess *Session, taskID, agentID string, expectedVersion int64) error {
	res, err := sess.ExecContext(`
		UPDATE tasks SET status = ?, assigned_agent_id = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = ?
	`, domain.TaskAssigned, agentID, taskID, expectedVersion, domain.TaskPending)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "assign task %s", taskID)
	}
	stale, err := IsStaleVersion(res)
	if err != nil {
		return err
	}
	if stale {
		return engerr.New(engerr.StaleVersion, "task %s no longer pending at expected version", taskID)
	}
	return nil
}

// StartTask transitions assigned -> running, recording started_at. Fails
// with IllegalTransition if status isn't assigned, or WrongAgent if a
// different agent holds it.
func StartTask(sess *Session, taskID, agentID string) error {
	t, err := getTask(sess, taskID)
	if err != nil {
		return err
	}
	if t.AssignedAgentID != agentID {
		return engerr.New(engerr.WrongAgent, "task %s is held by a different agent", taskID)
	}
	if t.Status != domain.TaskAssigned {
		return engerr.New(engerr.IllegalTransition, "task %s is %s, not assigned", taskID, t.Status)
	}

	res, err := sess.ExecContext(`
		UPDATE tasks SET status = ?, started_at = CURRENT_TIMESTAMP, version = version + 1
		WHERE id = ? AND version = ?
	`, domain.TaskRunning, taskID, t.Version)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "start task %s", taskID)
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

// SubmitTaskResult transitions running -> under_review (if requiresReview)
// or running -> completed, storing the result blob.
func SubmitTaskResult(sess *Session, taskID, agentID string, requiresReview bool, result *domain.TaskResult) (domain.TaskStatus, error) {
	t, err := getTask(sess, taskID)
	if err != nil {
		return "", err
	}
	if t.AssignedAgentID != agentID {
		return "", engerr.New(engerr.WrongAgent, "task %s is held by a different agent", taskID)
	}
	if t.Status != domain.TaskRunning && t.Status != domain.TaskUnderReview {
		return "", engerr.New(engerr.IllegalTransition, "task %s is %s, cannot submit result", taskID, t.Status)
	}

	next := domain.TaskCompleted
	if requiresReview && t.Status == domain.TaskRunning {
		next = domain.TaskUnderReview
	}

	resultJSON, _ := json.Marshal(result)
	completedClause := ""
	if next == domain.TaskCompleted {
		completedClause = ", completed_at = CURRENT_TIMESTAMP"
	}

	res, err := sess.ExecContext(`
		UPDATE tasks SET status = ?, result = ?, version = version + 1`+completedClause+`
		WHERE id = ? AND version = ?
	`, next, string(resultJSON), taskID, t.Version)
	if err != nil {
		return "", engerr.Wrap(engerr.TransportError, err, "submit result for task %s", taskID)
	}
	stale, err := IsStaleVersion(res)
	if err != nil {
		return "", err
	}
	if stale {
		return "", engerr.New(engerr.StaleVersion, "task %s version changed under reader", taskID)
	}
	return next, nil
}

// RejectUnderReview sends an under_review task back to running for a new
// iteration.
func RejectUnderReview(sess *Session, taskID string, feedback string) error {
	t, err := getTask(sess, taskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskUnderReview {
		return engerr.New(engerr.IllegalTransition, "task %s is %s, not under_review", taskID, t.Status)
	}
	res, err := sess.ExecContext(`
		UPDATE tasks SET status = ?, error_message = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, domain.TaskRunning, feedback, taskID, t.Version)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "reject task %s", taskID)
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

// FailTask applies a retryable or permanent failure outcome, computed by
// the caller (queue.Queue.Fail) which decides retry eligibility and the
// back-off scheduled_at. permanentStatus is failed, timed_out, or
// blocked depending on the caller's classification.
func FailTask(sess *Session, taskID string, retry bool, nextScheduledAt time.Time, permanentStatus domain.TaskStatus, errMsg string) error {
	t, err := getTask(sess, taskID)
	if err != nil {
		return err
	}

	var res sql.Result
	if retry {
		res, err = sess.ExecContext(`
			UPDATE tasks SET status = ?, assigned_agent_id = NULL, retry_count = retry_count + 1,
				scheduled_at = ?, error_message = ?, started_at = NULL, version = version + 1
			WHERE id = ? AND version = ?
		`, domain.TaskPending, nextScheduledAt, errMsg, taskID, t.Version)
	} else {
		res, err = sess.ExecContext(`
			UPDATE tasks SET status = ?, assigned_agent_id = NULL, error_message = ?,
				completed_at = CURRENT_TIMESTAMP, version = version + 1
			WHERE id = ? AND version = ?
		`, permanentStatus, errMsg, taskID, t.Version)
	}
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "fail task %s", taskID)
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

// CancelTask marks a task cancelled unconditionally (terminal),
// decrementing the holding agent's load if one was assigned.
func CancelTask(sess *Session, taskID, reason string) (heldBy string, err error) {
	t, err := getTask(sess, taskID)
	if err != nil {
		return "", err
	}
	res, err := sess.ExecContext(`
		UPDATE tasks SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP, version = version + 1
		WHERE id = ? AND version = ?
	`, domain.TaskCancelled, reason, taskID, t.Version)
	if err != nil {
		return "", engerr.Wrap(engerr.TransportError, err, "cancel task %s", taskID)
	}
	stale, err := IsStaleVersion(res)
	if err != nil {
		return "", err
	}
	if stale {
		return "", engerr.New(engerr.StaleVersion, "task %s version changed under reader", taskID)
	}
	return t.AssignedAgentID, nil
}

// BlockTask marks a task blocked because a dependency failed or was
// cancelled. Not automatically
// cancelled; requires guardian/human intervention.
func BlockTask(sess *Session, taskID string) error {
	t, err := getTask(sess, taskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskPending {
		return nil
	}
	_, err = sess.ExecContext(`
		UPDATE tasks SET status = ?, version = version + 1 WHERE id = ? AND version = ?
	`, domain.TaskBlocked, taskID, t.Version)
	if err != nil {
		return engerr.Wrap(engerr.TransportError, err, "block task %s", taskID)
	}
	return nil
}

// TimedOutCandidates returns assigned/running tasks whose deadline has
// passed, for the Health Monitor's timeout sweep.
func TimedOutCandidates(sess *Session) ([]domain.Task, error) {
	rows, err := sess.QueryContext(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND timeout_seconds IS NOT NULL AND started_at IS NOT NULL
		AND datetime(started_at, '+' || timeout_seconds || ' seconds') < CURRENT_TIMESTAMP
	`, domain.TaskAssigned, domain.TaskRunning)
	if err != nil {
		return nil, engerr.Wrap(engerr.TransportError, err, "query timed-out tasks")
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, engerr.Wrap(engerr.TransportError, err, "scan timed-out task row")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
