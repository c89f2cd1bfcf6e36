// Package discovery is the engine's Discovery Service: records
// that an agent found additional work while running a task, and atomically
// branches a new task from it.
package discovery

import (
	"context"
	"encoding/json"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/store"
)

// Service is the facade external callers (Result Intake, agent-facing
// transports) use to record a discovery and spawn its branch in one
// transaction.
type Service struct {
	store *store.Store
	bus   *eventbus.Bus
	clock clock.Clock
}

// New constructs a Service over the given collaborators.
func New(st *store.Store, bus *eventbus.Bus, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{store: st, bus: bus, clock: clk}
}

// recordedPayload is the structured body of a discovery.recorded event.
type recordedPayload struct {
	DiscoveryID  string `json:"discovery_id"`
	SourceTaskID string `json:"source_task_id"`
	Type         string `json:"type"`
	SpawnTaskID  string `json:"spawn_task_id"`
}

// RecordAndBranch records a discovery and branches a task in one step:
// transaction, writes the Discovery row and enqueues the branched task,
// boosting priority one level above spawnPriority when priorityBoost is
// set (e.g. spawnPriority=HIGH with the boost set yields CRITICAL).
func (s *Service) RecordAndBranch(ctx context.Context, sourceTaskID, discoveryType, description, spawnPhaseID, spawnDescription string, spawnPriority domain.Priority, priorityBoost bool) (discoveryID, spawnedTaskID string, err error) {
	source, err := s.store.GetTask(ctx, sourceTaskID)
	if err != nil {
		return "", "", err
	}

	priority := spawnPriority
	if priorityBoost {
		priority = spawnPriority.Bump()
	}

	discoveryID = clock.NewPrefixedID("disc")
	spawnedTaskID = clock.NewPrefixedID("task")
	now := s.clock.Now()

	sess, err := store.Begin(ctx, s.store.DB(), true)
	if err != nil {
		return "", "", err
	}
	defer sess.Close()

	d := &domain.Discovery{
		ID:            discoveryID,
		SourceTaskID:  sourceTaskID,
		Type:          discoveryType,
		Description:   description,
		SpawnPhaseID:  spawnPhaseID,
		SpawnTaskID:   spawnedTaskID,
		PriorityBoost: priorityBoost,
		CreatedAt:     now,
	}
	if err := store.RecordDiscovery(sess, d); err != nil {
		return "", "", err
	}

	task := &domain.Task{
		ID:          spawnedTaskID,
		TicketID:    source.TicketID,
		PhaseID:     spawnPhaseID,
		TaskType:    branchTaskType(discoveryType),
		Description: spawnDescription,
		Status:      domain.TaskPending,
		Priority:    priority,
		MaxRetries:  3,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	if err := createTaskInSession(sess, task); err != nil {
		return "", "", err
	}

	if err := sess.Commit(); err != nil {
		return "", "", err
	}

	payload, _ := json.Marshal(recordedPayload{
		DiscoveryID: discoveryID, SourceTaskID: sourceTaskID, Type: discoveryType, SpawnTaskID: spawnedTaskID,
	})
	s.publish(eventbus.DiscoveryRecorded, "discovery", discoveryID, payload)
	return discoveryID, spawnedTaskID, nil
}

// branchTaskType derives a task_type for the spawned task from the
// discovery type, stripping the diagnostic_ prefix so diagnostic and
// regular discoveries of the same underlying kind share a task_type;
// diagnostic discoveries are semantically identical to regular ones and
// exist purely as an audit distinction.
func branchTaskType(discoveryType string) string {
	const diagPrefix = domain.DiagnosticPrefix
	if len(discoveryType) > len(diagPrefix) && discoveryType[:len(diagPrefix)] == diagPrefix {
		return discoveryType[len(diagPrefix):]
	}
	return discoveryType
}

func createTaskInSession(sess *store.Session, t *domain.Task) error {
	if err := store.CreateTaskInSession(sess, t); err != nil {
		return engerr.Wrap(engerr.TransportError, err, "create branched task %s", t.ID)
	}
	return nil
}

// ListForTask returns the discoveries recorded against a source task.
func (s *Service) ListForTask(ctx context.Context, sourceTaskID string) ([]domain.Discovery, error) {
	return s.store.ListDiscoveriesForTask(ctx, sourceTaskID)
}

func (s *Service) publish(eventType, entityType, entityID string, payload json.RawMessage) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(domain.Event{
		ID:         clock.NewPrefixedID("evt"),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  s.clock.Now(),
	})
}
