// Package intake is the engine's Result Intake component: it validates an
// incoming task result against its declared schema and binds
// satisfied expected_outputs onto the ticket's phase-gate state. The Phase
// Engine only ever reads the resulting gate flags; the binding is this
// package's job, not the Phase Engine's.
package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/phase"
	"github.com/rivergate/foreman/store"
)

// Service validates task results and writes phase-gate flags.
type Service struct {
	store   *store.Store
	bus     *eventbus.Bus
	clock   clock.Clock
	catalog *phase.Catalog
	schemas *SchemaRegistry
}

// New constructs a Service. catalog supplies each phase's expected_outputs
// and done_definitions; schemas may be nil, in which case a registry with
// only the default schema is created.
func New(st *store.Store, bus *eventbus.Bus, clk clock.Clock, catalog *phase.Catalog, schemas *SchemaRegistry) (*Service, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if schemas == nil {
		var err error
		schemas, err = NewSchemaRegistry()
		if err != nil {
			return nil, err
		}
	}
	return &Service{store: st, bus: bus, clock: clk, catalog: catalog, schemas: schemas}, nil
}

type rejectedPayload struct {
	TaskID string `json:"task_id"`
	Detail string `json:"detail"`
}

type validatedPayload struct {
	TaskID       string   `json:"task_id"`
	TicketID     string   `json:"ticket_id"`
	SatisfiedAll bool     `json:"satisfied_all"`
	Artifacts    []string `json:"artifact_kinds"`
}

// Validate checks result against the schema registered for the task's
// (phase_id, task_type), and on success binds each matching artifact kind
// to its phase's gate definition. Returns false (without error) on a
// schema validation failure; callers (queue.Queue.SubmitResult's caller)
// decide whether a rejected result still advances the task state machine.
func (s *Service) Validate(ctx context.Context, taskID string, result *domain.TaskResult) (bool, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, engerr.Wrap(engerr.Validation, err, "marshal result for task %s", taskID)
	}
	parsed, err := parseForValidation(resultJSON)
	if err != nil {
		return false, engerr.Wrap(engerr.Validation, err, "parse result for task %s", taskID)
	}

	schema := s.schemas.Lookup(task.PhaseID, task.TaskType)
	if err := schema.Validate(parsed); err != nil {
		s.publishDurable(ctx, eventbus.WorkflowResultRejected, "task", taskID, rejectedPayload{TaskID: taskID, Detail: err.Error()})
		return false, nil
	}

	phaseDef, ok := s.catalog.Get(task.PhaseID)
	if !ok {
		return true, engerr.New(engerr.Fatal, "task %s references unknown phase %s", taskID, task.PhaseID)
	}

	satisfiedKinds, err := s.bindGateFlags(ctx, task, phaseDef, result)
	if err != nil {
		return true, err
	}

	satisfiedAll, err := s.allGatesSatisfied(ctx, task.TicketID, phaseDef)
	if err != nil {
		return true, err
	}

	s.publishDurable(ctx, eventbus.WorkflowResultAccepted, "task", taskID, validatedPayload{
		TaskID: taskID, TicketID: task.TicketID, SatisfiedAll: satisfiedAll, Artifacts: satisfiedKinds,
	})
	return true, nil
}

// bindGateFlags matches each produced artifact's kind against phaseDef's
// expected_outputs, setting the done_definition at the same index when a
// match is found (expected_outputs[i] and done_definitions[i] describe the
// same requirement from the producer and reviewer sides respectively).
func (s *Service) bindGateFlags(ctx context.Context, task *domain.Task, phaseDef domain.Phase, result *domain.TaskResult) ([]string, error) {
	if len(phaseDef.ExpectedOutputs) == 0 {
		return nil, nil
	}

	produced := make(map[string]string, len(result.Artifacts))
	for _, a := range result.Artifacts {
		produced[a.Kind] = a.Ref
	}

	sess, err := store.Begin(ctx, s.store.DB(), true)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var satisfied []string
	for i, kind := range phaseDef.ExpectedOutputs {
		ref, ok := produced[kind]
		if !ok || i >= len(phaseDef.DoneDefinitions) {
			continue
		}
		if err := store.SetGateFlag(sess, task.TicketID, phaseDef.DoneDefinitions[i], ref); err != nil {
			return nil, err
		}
		satisfied = append(satisfied, kind)
	}

	if err := sess.Commit(); err != nil {
		return nil, err
	}
	return satisfied, nil
}

func (s *Service) allGatesSatisfied(ctx context.Context, ticketID string, phaseDef domain.Phase) (bool, error) {
	if len(phaseDef.DoneDefinitions) == 0 {
		return true, nil
	}
	sess, err := store.Begin(ctx, s.store.DB(), false)
	if err != nil {
		return false, err
	}
	defer sess.Close()
	flags, err := store.SatisfiedGateFlags(sess, ticketID)
	if err != nil {
		return false, err
	}
	for _, def := range phaseDef.DoneDefinitions {
		if !flags[def] {
			return false, nil
		}
	}
	return true, nil
}

// publishDurable publishes to the event bus and, for the well-known
// durably-mirrored subset, also appends the event to the
// Store's events table in its own short transaction first, so the
// accept/reject audit trail survives even if no subscriber was listening.
func (s *Service) publishDurable(ctx context.Context, eventType, entityType, entityID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		body = json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	evt := domain.Event{
		ID:         clock.NewPrefixedID("evt"),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    body,
		Timestamp:  s.clock.Now(),
	}
	if eventbus.ShouldMirrorToStore(eventType) {
		if sess, err := store.Begin(ctx, s.store.DB(), true); err == nil {
			if err := store.AppendEvent(sess, &evt); err == nil {
				sess.Commit()
			}
			sess.Close()
		}
	}
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}
