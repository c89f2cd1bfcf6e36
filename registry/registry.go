// Package registry is the engine's Agent Registry: the set of known
// agents, their heartbeat-based health, and the eligibility query the
// Task Queue uses to find a home for a ready task.
package registry

import (
	"context"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/store"
)

// DefaultStaleThresholdSeconds is mark_stale's default heartbeat-staleness
// threshold.
const DefaultStaleThresholdSeconds = 90

// Registry is the facade every other component uses to register, query,
// and age out agents. Heartbeat, FindEligible and MarkStale open their own
// Session; MarkStale's agent and task writes share one transaction, and its
// events are published after that transaction commits.
type Registry struct {
	store *store.Store
	bus   *eventbus.Bus
	clock clock.Clock
}

// New constructs a Registry over the given collaborators.
func New(st *store.Store, bus *eventbus.Bus, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	return &Registry{store: st, bus: bus, clock: clk}
}

// Register creates a new idle, zero-load agent and returns its id.
func (r *Registry) Register(ctx context.Context, agentType domain.AgentType, capabilities []string, capacity int, phaseID string, authorityLevel int) (string, error) {
	if capacity <= 0 {
		capacity = 1
	}
	a := &domain.Agent{
		ID:             clock.NewPrefixedID("agent"),
		AgentType:      agentType,
		PhaseID:        phaseID,
		Status:         domain.AgentIdle,
		Capabilities:   capabilities,
		Capacity:       capacity,
		AuthorityLevel: authorityLevel,
		LastHeartbeat:  r.clock.Now(),
		CreatedAt:      r.clock.Now(),
	}
	if err := r.store.RegisterAgent(ctx, a); err != nil {
		return "", err
	}
	r.publish(eventbus.AgentRegistered, "agent", a.ID, nil)
	return a.ID, nil
}

// Heartbeat updates an agent's last_heartbeat and optional status hint.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, statusHint *domain.AgentStatus) error {
	err := r.withSession(ctx, func(sess *store.Session) error {
		return store.Heartbeat(sess, agentID, statusHint)
	})
	if err != nil {
		return err
	}
	r.publish(eventbus.AgentHeartbeat, "agent", agentID, nil)
	return nil
}

// FindEligible returns agents eligible to receive work in phaseID with the
// required capability set, ordered by the registry's tie-break.
func (r *Registry) FindEligible(ctx context.Context, phaseID string, requiredCapabilities []string) ([]domain.Agent, error) {
	var out []domain.Agent
	err := r.withSession(ctx, func(sess *store.Session) error {
		var err error
		out, err = store.FindEligibleAgents(sess, phaseID, requiredCapabilities)
		return err
	})
	return out, err
}

// Get retrieves a single agent by id.
func (r *Registry) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// StaleSweepResult reports what MarkStale did, for the Health Monitor's
// logging and metrics.
type StaleSweepResult struct {
	DegradedAgentIDs []string
	RetriedTaskIDs   []string
	FailedTaskIDs    []string
}

// MarkStale transitions every agent whose last_heartbeat is strictly older
// than thresholdSeconds to degraded, and returns its in-flight tasks to
// pending via the supplied requeue callback — which is expected to apply
// the retry back-off and consume retry budget exactly like a retryable
// task failure, reporting back whether the task was retried (true) or
// terminally failed because its retry budget was exhausted (false). The
// callback runs inside the same exclusive session as the agent transition.
func (r *Registry) MarkStale(ctx context.Context, thresholdSeconds int, requeue func(sess *store.Session, taskID string) (retried bool, err error)) (StaleSweepResult, error) {
	var result StaleSweepResult
	err := r.withSession(ctx, func(sess *store.Session) error {
		stale, err := store.StaleAgents(sess, thresholdSeconds)
		if err != nil {
			return err
		}
		for _, a := range stale {
			if err := store.MarkDegraded(sess, a.ID); err != nil {
				return err
			}
			result.DegradedAgentIDs = append(result.DegradedAgentIDs, a.ID)

			if a.CurrentLoad == 0 {
				continue
			}
			heldTaskIDs, err := store.TasksHeldByAgent(sess, a.ID)
			if err != nil {
				return err
			}
			for _, taskID := range heldTaskIDs {
				retried, err := requeue(sess, taskID)
				if err != nil {
					return err
				}
				if retried {
					result.RetriedTaskIDs = append(result.RetriedTaskIDs, taskID)
				} else {
					result.FailedTaskIDs = append(result.FailedTaskIDs, taskID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	for _, agentID := range result.DegradedAgentIDs {
		r.publish(eventbus.AgentStale, "agent", agentID, nil)
	}
	for _, taskID := range result.RetriedTaskIDs {
		r.publish(eventbus.TaskRetryQueued, "task", taskID, nil)
	}
	for _, taskID := range result.FailedTaskIDs {
		r.publish(eventbus.TaskFailed, "task", taskID, nil)
	}
	return result, nil
}

// AdjustLoad applies a ±1 load delta, used by the Task Queue on assignment
// and on every terminal/retry transition.
func (r *Registry) AdjustLoad(sess *store.Session, agentID string, delta int) error {
	return store.AdjustLoad(sess, agentID, delta)
}

func (r *Registry) withSession(ctx context.Context, fn func(*store.Session) error) error {
	sess, err := store.Begin(ctx, r.store.DB(), true)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}

func (r *Registry) publish(eventType, entityType, entityID string, payload []byte) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(domain.Event{
		ID:         clock.NewPrefixedID("evt"),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  r.clock.Now(),
	})
}
