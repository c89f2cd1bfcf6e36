package phase

import (
	"context"
	"encoding/json"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/queue"
	"github.com/rivergate/foreman/store"
)

// Engine drives ticket progression through the Catalog: a data-driven
// phase table replaces any fixed, hard-coded transition ladder, so the
// same state-machine code serves whatever phase sequence the catalog
// defines.
type Engine struct {
	store   *store.Store
	queue   *queue.Queue
	bus     *eventbus.Bus
	clock   clock.Clock
	catalog *Catalog
}

// New constructs an Engine over the given collaborators and catalog.
func New(st *store.Store, q *queue.Queue, bus *eventbus.Bus, clk clock.Clock, catalog *Catalog) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{store: st, queue: q, bus: bus, clock: clk, catalog: catalog}
}

// transitionPayload is the structured body of a phase.transitioned event.
type transitionPayload struct {
	TicketID  string `json:"ticket_id"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	Reason    string `json:"reason"`
}

// StartTicket sets the ticket's initial phase (minimum sequence_order) and
// enqueues that phase's seed task.
func (e *Engine) StartTicket(ctx context.Context, ticketID string) error {
	initial, ok := e.catalog.Initial()
	if !ok {
		return engerr.New(engerr.Fatal, "phase catalog is empty")
	}

	t, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}

	sess, err := store.Begin(ctx, e.store.DB(), true)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := store.UpdateTicketPhaseStatus(sess, ticketID, initial.ID, domain.TicketInProgress, t.Version, "system", "ticket started"); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}

	if initial.SeedTaskType != "" {
		if _, err := e.queue.Enqueue(ctx, ticketID, initial.ID, initial.SeedTaskType, initial.InitialPrompt, domain.PriorityMedium, nil, 0, 0); err != nil {
			return err
		}
	}
	e.publishTransition(ticketID, "", initial.ID, "ticket started")
	return nil
}

// OnTaskCompleted is the Phase Engine's bus-driven entry point. It checks
// whether every task in the ticket's
// current phase is now terminal, and if so evaluates the gate and either
// auto-transitions or marks the ticket ambiguous/blocked.
func (e *Engine) OnTaskCompleted(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return e.evaluateTicketPhase(ctx, task.TicketID)
}

func (e *Engine) evaluateTicketPhase(ctx context.Context, ticketID string) error {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	phase, ok := e.catalog.Get(ticket.PhaseID)
	if !ok {
		return engerr.New(engerr.Fatal, "ticket %s references unknown phase %s", ticketID, ticket.PhaseID)
	}
	if phase.IsTerminal {
		return nil
	}

	tasks, err := e.store.ListTasksByTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if !allTerminalInPhase(tasks, phase.ID) {
		return nil
	}

	satisfied, err := e.satisfiedGateFlags(ctx, ticketID)
	if err != nil {
		return err
	}
	if !gatePassed(phase, satisfied) {
		return nil
	}

	next, ambiguous, err := e.resolveSuccessor(phase, tasks)
	if err != nil {
		return err
	}
	if ambiguous {
		sess, err := store.Begin(ctx, e.store.DB(), true)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := store.UpdateTicketPhaseStatus(sess, ticketID, ticket.PhaseID, domain.TicketBlocked, ticket.Version, "system", "ambiguous successor phase"); err != nil {
			return err
		}
		if err := sess.Commit(); err != nil {
			return err
		}
		e.publish("phase.ambiguous", "ticket", ticketID, nil)
		return nil
	}

	return e.transition(ctx, ticket, phase, next, "phase gate satisfied")
}

func allTerminalInPhase(tasks []domain.Task, phaseID string) bool {
	found := false
	for _, t := range tasks {
		if t.PhaseID != phaseID {
			continue
		}
		found = true
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return found
}

func gatePassed(phase domain.Phase, satisfied map[string]bool) bool {
	if len(phase.DoneDefinitions) == 0 {
		return true
	}
	for _, def := range phase.DoneDefinitions {
		if !satisfied[def] {
			return false
		}
	}
	return true
}

// resolveSuccessor picks the single successor phase, or the one nominated
// by a completed task's result payload when allowed_transitions has more
// than one member.
func (e *Engine) resolveSuccessor(phase domain.Phase, tasks []domain.Task) (nextPhaseID string, ambiguous bool, err error) {
	if len(phase.AllowedTransitions) == 0 {
		return "", false, engerr.New(engerr.Fatal, "phase %s is non-terminal with no allowed transitions", phase.ID)
	}
	if len(phase.AllowedTransitions) == 1 {
		return phase.AllowedTransitions[0], false, nil
	}

	nominated := ""
	for _, t := range tasks {
		if t.PhaseID != phase.ID || t.Result == nil {
			continue
		}
		if t.Result.NominatedPhase != "" {
			nominated = t.Result.NominatedPhase
		}
	}
	for _, candidate := range phase.AllowedTransitions {
		if candidate == nominated {
			return candidate, false, nil
		}
	}
	return "", true, nil
}

// Regress moves a ticket back to a phase with a lower sequence_order,
// cancelling its open current-phase tasks and enqueueing the target
// phase's seed task.
func (e *Engine) Regress(ctx context.Context, ticketID, toPhaseID, reason string) error {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if !e.catalog.IsRegression(ticket.PhaseID, toPhaseID) {
		return engerr.New(engerr.Validation, "%s is not a lower-sequence phase than %s", toPhaseID, ticket.PhaseID)
	}
	target, ok := e.catalog.Get(toPhaseID)
	if !ok {
		return engerr.New(engerr.NotFound, "phase %s not found", toPhaseID)
	}

	tasks, err := e.store.ListTasksByTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.PhaseID == ticket.PhaseID && !t.Status.IsTerminal() {
			if err := e.queue.Cancel(ctx, t.ID, "phase regression: "+reason); err != nil {
				return err
			}
		}
	}

	sess, err := store.Begin(ctx, e.store.DB(), true)
	if err != nil {
		return err
	}
	if err := store.UpdateTicketPhaseStatus(sess, ticketID, toPhaseID, domain.TicketInProgress, ticket.Version, "system", reason); err != nil {
		sess.Close()
		return err
	}
	if err := store.ClearGateFlags(sess, ticketID); err != nil {
		sess.Close()
		return err
	}
	if err := sess.Commit(); err != nil {
		sess.Close()
		return err
	}
	sess.Close()

	if target.SeedTaskType != "" {
		if _, err := e.queue.Enqueue(ctx, ticketID, toPhaseID, target.SeedTaskType, target.InitialPrompt, domain.PriorityMedium, nil, 0, 0); err != nil {
			return err
		}
	}
	e.publish(eventbus.PhaseRegressed, "ticket", ticketID, nil)
	e.publishTransition(ticketID, ticket.PhaseID, toPhaseID, reason)
	return nil
}

// Block marks a ticket blocked with an explicit reason.
func (e *Engine) Block(ctx context.Context, ticketID, reason string) error {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	sess, err := store.Begin(ctx, e.store.DB(), true)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := store.SetTicketBlocked(sess, ticketID, true, reason, ticket.Version, "system"); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	e.publish(eventbus.TicketBlocked, "ticket", ticketID, nil)
	return nil
}

// Unblock clears a ticket's blocked status, returning it to in_progress.
func (e *Engine) Unblock(ctx context.Context, ticketID string) error {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	sess, err := store.Begin(ctx, e.store.DB(), true)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := store.SetTicketBlocked(sess, ticketID, false, "", ticket.Version, "system"); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	e.publish(eventbus.TicketUnblocked, "ticket", ticketID, nil)
	return nil
}

func (e *Engine) transition(ctx context.Context, ticket *domain.Ticket, from domain.Phase, toPhaseID, reason string) error {
	target, ok := e.catalog.Get(toPhaseID)
	if !ok {
		return engerr.New(engerr.Fatal, "successor phase %s not found in catalog", toPhaseID)
	}

	newStatus := domain.TicketInProgress
	if target.IsTerminal {
		newStatus = domain.TicketCompleted
	}

	sess, err := store.Begin(ctx, e.store.DB(), true)
	if err != nil {
		return err
	}
	if err := store.UpdateTicketPhaseStatus(sess, ticket.ID, toPhaseID, newStatus, ticket.Version, "system", reason); err != nil {
		sess.Close()
		return err
	}
	if err := sess.Commit(); err != nil {
		sess.Close()
		return err
	}
	sess.Close()

	if !target.IsTerminal && target.SeedTaskType != "" {
		if _, err := e.queue.Enqueue(ctx, ticket.ID, toPhaseID, target.SeedTaskType, target.InitialPrompt, domain.PriorityMedium, nil, 0, 0); err != nil {
			return err
		}
	}

	e.publishTransition(ticket.ID, from.ID, toPhaseID, reason)
	if target.IsTerminal {
		e.publish(eventbus.TicketCompleted, "ticket", ticket.ID, nil)
	}
	return nil
}

func (e *Engine) satisfiedGateFlags(ctx context.Context, ticketID string) (map[string]bool, error) {
	var flags map[string]bool
	err := e.withSession(ctx, func(sess *store.Session) error {
		var err error
		flags, err = store.SatisfiedGateFlags(sess, ticketID)
		return err
	})
	return flags, err
}

func (e *Engine) withSession(ctx context.Context, fn func(*store.Session) error) error {
	sess, err := store.Begin(ctx, e.store.DB(), false)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}

func (e *Engine) publishTransition(ticketID, fromPhase, toPhase, reason string) {
	payload, _ := json.Marshal(transitionPayload{TicketID: ticketID, FromPhase: fromPhase, ToPhase: toPhase, Reason: reason})
	e.publish(eventbus.PhaseTransitioned, "ticket", ticketID, payload)
}

// publish publishes to the event bus and, for the well-known
// durably-mirrored subset, first appends the event to the
// Store's events table in its own short transaction so the audit trail
// survives even if no subscriber was listening at publish time.
func (e *Engine) publish(eventType, entityType, entityID string, payload json.RawMessage) {
	evt := domain.Event{
		ID:         clock.NewPrefixedID("evt"),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  e.clock.Now(),
	}
	if eventbus.ShouldMirrorToStore(eventType) {
		if sess, err := store.Begin(context.Background(), e.store.DB(), true); err == nil {
			if err := store.AppendEvent(sess, &evt); err == nil {
				sess.Commit()
			}
			sess.Close()
		}
	}
	if e.bus == nil {
		return
	}
	e.bus.Publish(evt)
}

