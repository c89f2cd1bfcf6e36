package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/registry"
	"github.com/rivergate/foreman/store"
)

// Queue is the engine's Task Queue: enqueue, dependency- and
// score-gated assignment, the full task state machine, retry back-off, and
// timeout sweeping. It owns no goroutines itself — the Workflow
// Orchestrator and Health Monitor drive it on their own loops.
type Queue struct {
	store    *store.Store
	registry *registry.Registry
	bus      *eventbus.Bus
	clock    clock.Clock
	weights  ScoreWeights
}

// New constructs a Queue over the given collaborators. weights may be the
// zero value, in which case DefaultScoreWeights is used.
func New(st *store.Store, reg *registry.Registry, bus *eventbus.Bus, clk clock.Clock, weights ScoreWeights) *Queue {
	if clk == nil {
		clk = clock.System{}
	}
	if weights == (ScoreWeights{}) {
		weights = DefaultScoreWeights()
	}
	return &Queue{store: st, registry: reg, bus: bus, clock: clk, weights: weights}
}

// Enqueue creates a pending task after checking for a dependency cycle
// within the ticket's existing task graph via a DFS check.
func (q *Queue) Enqueue(ctx context.Context, ticketID, phaseID, taskType, description string, priority domain.Priority, dependencies []string, timeoutSeconds, maxRetries int) (string, error) {
	existing, err := q.store.ListTasksByTicket(ctx, ticketID)
	if err != nil {
		return "", err
	}
	edges := make(map[string][]string, len(existing))
	for _, t := range existing {
		edges[t.ID] = t.Dependencies
	}
	graph := domain.NewDependencyGraph(edges)
	newID := clock.NewPrefixedID("task")
	if err := graph.ValidateNewTask(newID, dependencies); err != nil {
		return "", engerr.New(engerr.Validation, "%s", err.Error())
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := q.clock.Now()
	t := &domain.Task{
		ID:             newID,
		TicketID:       ticketID,
		PhaseID:        phaseID,
		TaskType:       taskType,
		Description:    description,
		Status:         domain.TaskPending,
		Priority:       priority,
		Dependencies:   dependencies,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      now,
		ScheduledAt:    now,
	}
	if err := q.store.CreateTask(ctx, t); err != nil {
		return "", err
	}
	q.publish(eventbus.TaskCreated, "task", t.ID, nil)
	return t.ID, nil
}

// NextAssignment atomically finds
// the best-scored eligible pending task for agentID and assigns it, or
// returns ("", nil) if no candidate exists.
func (q *Queue) NextAssignment(ctx context.Context, agentID string) (string, error) {
	agent, err := q.registry.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.CurrentLoad >= agent.Capacity {
		return "", nil
	}

	var assignedTaskID string
	err = q.withExclusiveSession(ctx, func(sess *store.Session) error {
		current, err := store.GetAgentInSession(sess, agentID)
		if err != nil {
			return err
		}
		if current.CurrentLoad >= current.Capacity {
			return nil
		}

		candidates, err := store.CandidateTasksForAgent(sess, agent.PhaseID)
		if err != nil {
			return err
		}
		candidates = filterDependenciesMet(sess, candidates)
		if len(candidates) == 0 {
			return nil
		}

		ranked := rankCandidates(candidates, q.weights, q.clock.Now())
		top := ranked[0].task

		if err := store.AssignTask(sess, top.ID, agentID, top.Version); err != nil {
			return err
		}
		if err := q.registry.AdjustLoad(sess, agentID, 1); err != nil {
			return err
		}
		assignedTaskID = top.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	if assignedTaskID != "" {
		q.publish(eventbus.TaskAssigned, "task", assignedTaskID, nil)
	}
	return assignedTaskID, nil
}

// filterDependenciesMet drops candidates whose dependency set is not fully
// completed. Failures are swallowed into "not
// eligible" rather than aborting the whole scan — a transient lookup issue
// on one candidate shouldn't block assignment of the others.
func filterDependenciesMet(sess *store.Session, candidates []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(candidates))
	for _, t := range candidates {
		if len(t.Dependencies) == 0 {
			out = append(out, t)
			continue
		}
		statuses, err := store.TaskStatusesByID(sess, t.Dependencies)
		if err != nil {
			continue
		}
		if domain.EligibleDependenciesMet(t.Dependencies, statuses) {
			out = append(out, t)
		}
	}
	return out
}

// Start transitions assigned -> running.
func (q *Queue) Start(ctx context.Context, taskID, agentID string) error {
	err := q.withExclusiveSession(ctx, func(sess *store.Session) error {
		return store.StartTask(sess, taskID, agentID)
	})
	if err != nil {
		return err
	}
	q.publish(eventbus.TaskStarted, "task", taskID, nil)
	return nil
}

// SubmitResult transitions running -> under_review or running -> completed
// depending on requiresReview, storing the result blob and releasing the
// agent's load on a terminal outcome.
func (q *Queue) SubmitResult(ctx context.Context, taskID, agentID string, requiresReview bool, result *domain.TaskResult) (domain.TaskStatus, error) {
	var next domain.TaskStatus
	err := q.withExclusiveSession(ctx, func(sess *store.Session) error {
		var err error
		next, err = store.SubmitTaskResult(sess, taskID, agentID, requiresReview, result)
		if err != nil {
			return err
		}
		if next == domain.TaskCompleted {
			return q.registry.AdjustLoad(sess, agentID, -1)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if next == domain.TaskCompleted {
		q.publish(eventbus.TaskCompleted, "task", taskID, nil)
	}
	return next, nil
}

// Approve accepts an under_review task as completed (Result Intake's
// accept path after gate validation passes).
func (q *Queue) Approve(ctx context.Context, taskID, agentID string) error {
	err := q.withExclusiveSession(ctx, func(sess *store.Session) error {
		t, err := q.getForUpdate(sess, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskUnderReview {
			return engerr.New(engerr.IllegalTransition, "task %s is %s, not under_review", taskID, t.Status)
		}
		res, err := sess.ExecContext(`
			UPDATE tasks SET status = ?, completed_at = CURRENT_TIMESTAMP, version = version + 1
			WHERE id = ? AND version = ?
		`, domain.TaskCompleted, taskID, t.Version)
		if err != nil {
			return engerr.Wrap(engerr.TransportError, err, "approve task %s", taskID)
		}
		stale, err := store.IsStaleVersion(res)
		if err != nil {
			return err
		}
		if stale {
			return engerr.New(engerr.StaleVersion, "task %s version changed under reader", taskID)
		}
		return q.registry.AdjustLoad(sess, t.AssignedAgentID, -1)
	})
	if err != nil {
		return err
	}
	q.publish(eventbus.TaskCompleted, "task", taskID, nil)
	return nil
}

// Reject sends an under_review task back to running with feedback.
func (q *Queue) Reject(ctx context.Context, taskID, feedback string) error {
	return q.withExclusiveSession(ctx, func(sess *store.Session) error {
		return store.RejectUnderReview(sess, taskID, feedback)
	})
}

// Fail handles a reported task failure: retryable errors schedule a
// back-off retry (consuming retry budget); permanent errors, or a
// retryable error that has exhausted max_retries, terminate the task as
// failed. The holding agent's load is released either way.
func (q *Queue) Fail(ctx context.Context, taskID, agentID string, cause error, agentClassifiedFatal bool) error {
	scheduled, err := q.fail(ctx, taskID, cause, agentClassifiedFatal, domain.TaskFailed)
	if err != nil {
		return err
	}
	if scheduled {
		q.publish(eventbus.TaskRetryQueued, "task", taskID, nil)
	} else {
		q.publish(eventbus.TaskFailed, "task", taskID, nil)
	}
	return nil
}

// fail runs the shared retry-or-terminate decision: retryable errors
// schedule a back-off retry (consuming retry budget); otherwise the task
// is terminated with permanentStatus. The holding agent's load is
// released either way. Returns whether a retry was scheduled.
func (q *Queue) fail(ctx context.Context, taskID string, cause error, agentClassifiedFatal bool, permanentStatus domain.TaskStatus) (bool, error) {
	var scheduled bool
	err := q.withExclusiveSession(ctx, func(sess *store.Session) error {
		t, err := q.getForUpdate(sess, taskID)
		if err != nil {
			return err
		}

		retryable := IsRetryable(cause, agentClassifiedFatal) && t.RetryCount < t.MaxRetries
		var nextScheduledAt time.Time
		if retryable {
			nextScheduledAt = q.clock.Now().Add(NextBackOff(t.RetryCount))
			scheduled = true
		}
		if err := store.FailTask(sess, taskID, retryable, nextScheduledAt, permanentStatus, errString(cause)); err != nil {
			return err
		}
		if t.AssignedAgentID != "" {
			return q.registry.AdjustLoad(sess, t.AssignedAgentID, -1)
		}
		return nil
	})
	return scheduled, err
}

// Cancel terminates a task unconditionally, releasing any holding agent's
// load.
func (q *Queue) Cancel(ctx context.Context, taskID, reason string) error {
	err := q.withExclusiveSession(ctx, func(sess *store.Session) error {
		heldBy, err := store.CancelTask(sess, taskID, reason)
		if err != nil {
			return err
		}
		if heldBy != "" {
			return q.registry.AdjustLoad(sess, heldBy, -1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	q.publish(eventbus.TaskCancelled, "task", taskID, nil)
	return nil
}

// BlockOnDependencyFailure marks a pending task blocked because one of its
// dependencies became failed or cancelled. Not automatically cancelled.
func (q *Queue) BlockOnDependencyFailure(sess *store.Session, taskID string) error {
	return store.BlockTask(sess, taskID)
}

// SweepTimeouts marks every assigned/running task whose deadline has
// passed as timed_out: a retryable failure that, once its retry budget is
// exhausted, stays in status timed_out rather than being collapsed into
// failed.
func (q *Queue) SweepTimeouts(ctx context.Context) (int, error) {
	var timedOut []domain.Task
	err := q.withExclusiveSession(ctx, func(sess *store.Session) error {
		var err error
		timedOut, err = store.TimedOutCandidates(sess)
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, t := range timedOut {
		scheduled, err := q.fail(ctx, t.ID, engerr.New(engerr.TransportError, "task timed out"), false, domain.TaskTimedOut)
		if err != nil {
			return 0, err
		}
		if scheduled {
			q.publish(eventbus.TaskRetryQueued, "task", t.ID, nil)
		} else {
			q.publish(eventbus.TaskTimedOut, "task", t.ID, nil)
		}
	}
	return len(timedOut), nil
}

func (q *Queue) getForUpdate(sess *store.Session, taskID string) (*domain.Task, error) {
	return store.GetTaskInSession(sess, taskID)
}

func (q *Queue) withExclusiveSession(ctx context.Context, fn func(*store.Session) error) error {
	sess, err := store.Begin(ctx, q.store.DB(), true)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}

// publish publishes to the event bus and, for the well-known
// durably-mirrored subset, first appends the event to the
// Store's events table in its own short transaction so the audit trail
// survives even if no subscriber was listening at publish time.
func (q *Queue) publish(eventType, entityType, entityID string, payload json.RawMessage) {
	evt := domain.Event{
		ID:         clock.NewPrefixedID("evt"),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  q.clock.Now(),
	}
	if eventbus.ShouldMirrorToStore(eventType) {
		if sess, err := store.Begin(context.Background(), q.store.DB(), true); err == nil {
			if err := store.AppendEvent(sess, &evt); err == nil {
				sess.Commit()
			}
			sess.Close()
		}
	}
	if q.bus == nil {
		return
	}
	q.bus.Publish(evt)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
