// Package guardian is the engine's authority-gated intervention surface:
// cancel a task, reallocate capacity between agents, override a task's
// priority, or revert a prior action's audit record. Cancel, reallocate
// and override each write a store-backed GuardianAction row keyed by the
// target entity id; Revert stamps reverted_at on an existing row. The
// authority-level gate refuses the call outright — no log entry
// at all — when the caller's authority is insufficient.
package guardian

import (
	"context"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/registry"
	"github.com/rivergate/foreman/store"
)

// Guardian performs authority-gated interventions, recording a
// GuardianAction audit row in the same transaction as every mutation.
type Guardian struct {
	store *store.Store
	reg   *registry.Registry
	bus   *eventbus.Bus
	clock clock.Clock
}

// New constructs a Guardian over the given collaborators.
func New(st *store.Store, reg *registry.Registry, bus *eventbus.Bus, clk clock.Clock) *Guardian {
	if clk == nil {
		clk = clock.System{}
	}
	return &Guardian{store: st, reg: reg, bus: bus, clock: clk}
}

// requireAuthority enforces that every cancel_task, reallocate_capacity,
// and override_priority call carries authority_level >=
// domain.AuthorityGuardian. The check happens before any transaction is
// opened, so an unauthorized call leaves no GuardianAction row at all.
func requireAuthority(authorityLevel int) error {
	if authorityLevel < domain.AuthorityGuardian {
		return engerr.PermissionDeniedf(domain.AuthorityGuardian, authorityLevel)
	}
	return nil
}

// CancelTask forces a task to cancelled and releases the holding agent's
// load, recording the audit row in the same transaction.
func (g *Guardian) CancelTask(ctx context.Context, taskID, reason, initiatedBy string, authorityLevel int) (string, error) {
	if err := requireAuthority(authorityLevel); err != nil {
		return "", err
	}

	actionID := clock.NewPrefixedID("gact")
	err := g.withSession(ctx, func(sess *store.Session) error {
		before, err := store.GetTaskInSession(sess, taskID)
		if err != nil {
			return err
		}
		beforeJSON := snapshotTask(before)

		heldBy, err := store.CancelTask(sess, taskID, reason)
		if err != nil {
			return err
		}
		if heldBy != "" {
			if err := g.reg.AdjustLoad(sess, heldBy, -1); err != nil {
				return err
			}
		}

		after, err := store.GetTaskInSession(sess, taskID)
		if err != nil {
			return err
		}
		action := &domain.GuardianAction{
			ID: actionID, ActionType: domain.ActionCancelTask, TargetEntityID: taskID,
			AuthorityLevel: authorityLevel, Reason: reason, InitiatedBy: initiatedBy,
			AuditBefore: beforeJSON, AuditAfter: snapshotTask(after), ExecutedAt: g.clock.Now(),
		}
		return store.RecordGuardianAction(sess, action)
	})
	if err != nil {
		g.publishRejected(taskID, domain.ActionCancelTask, err)
		return "", err
	}
	g.publishApplied(actionID, taskID, domain.ActionCancelTask)
	return actionID, nil
}

// ReallocateCapacity moves amount of capacity from one agent to another,
// requiring from_agent.current_load + (from_agent.capacity - amount) >= 0.
func (g *Guardian) ReallocateCapacity(ctx context.Context, fromAgentID, toAgentID string, amount int, reason, initiatedBy string, authorityLevel int) (string, error) {
	if err := requireAuthority(authorityLevel); err != nil {
		return "", err
	}

	actionID := clock.NewPrefixedID("gact")
	err := g.withSession(ctx, func(sess *store.Session) error {
		from, err := store.GetAgentInSession(sess, fromAgentID)
		if err != nil {
			return err
		}
		if from.CurrentLoad+(from.Capacity-amount) < 0 {
			return engerr.New(engerr.Validation, "reallocating %d from agent %s would leave capacity below current load", amount, fromAgentID)
		}
		to, err := store.GetAgentInSession(sess, toAgentID)
		if err != nil {
			return err
		}
		beforeJSON := snapshotReallocation(from, to, amount)

		if err := store.ReallocateCapacity(sess, fromAgentID, toAgentID, amount); err != nil {
			return err
		}

		afterFrom, err := store.GetAgentInSession(sess, fromAgentID)
		if err != nil {
			return err
		}
		afterTo, err := store.GetAgentInSession(sess, toAgentID)
		if err != nil {
			return err
		}
		action := &domain.GuardianAction{
			ID: actionID, ActionType: domain.ActionReallocateCapacity, TargetEntityID: fromAgentID,
			AuthorityLevel: authorityLevel, Reason: reason, InitiatedBy: initiatedBy,
			AuditBefore: beforeJSON, AuditAfter: snapshotReallocation(afterFrom, afterTo, amount), ExecutedAt: g.clock.Now(),
		}
		return store.RecordGuardianAction(sess, action)
	})
	if err != nil {
		g.publishRejected(fromAgentID, domain.ActionReallocateCapacity, err)
		return "", err
	}
	g.publishApplied(actionID, fromAgentID, domain.ActionReallocateCapacity)
	return actionID, nil
}

// OverridePriority writes a task's new priority; it affects future queue
// ordering only and does not preempt already-assigned work.
func (g *Guardian) OverridePriority(ctx context.Context, taskID string, newPriority domain.Priority, reason, initiatedBy string, authorityLevel int) (string, error) {
	if err := requireAuthority(authorityLevel); err != nil {
		return "", err
	}

	actionID := clock.NewPrefixedID("gact")
	err := g.withSession(ctx, func(sess *store.Session) error {
		before, err := store.GetTaskInSession(sess, taskID)
		if err != nil {
			return err
		}
		beforeJSON := snapshotTask(before)

		if err := store.OverrideTaskPriority(sess, taskID, newPriority, before.Version); err != nil {
			return err
		}

		after, err := store.GetTaskInSession(sess, taskID)
		if err != nil {
			return err
		}
		action := &domain.GuardianAction{
			ID: actionID, ActionType: domain.ActionOverridePriority, TargetEntityID: taskID,
			AuthorityLevel: authorityLevel, Reason: reason, InitiatedBy: initiatedBy,
			AuditBefore: beforeJSON, AuditAfter: snapshotTask(after), ExecutedAt: g.clock.Now(),
		}
		return store.RecordGuardianAction(sess, action)
	})
	if err != nil {
		g.publishRejected(taskID, domain.ActionOverridePriority, err)
		return "", err
	}
	g.publishApplied(actionID, taskID, domain.ActionOverridePriority)
	return actionID, nil
}

// Revert stamps reverted_at on a prior GuardianAction. It is an auditing
// primitive only: it does not automatically undo the action's side
// effects, which remain the caller's responsibility via further
// operations.
func (g *Guardian) Revert(ctx context.Context, actionID, reason, initiatedBy string) error {
	err := g.withSession(ctx, func(sess *store.Session) error {
		if _, err := store.GetGuardianAction(sess, actionID); err != nil {
			return err
		}
		return store.MarkGuardianActionReverted(sess, actionID)
	})
	if err != nil {
		return err
	}
	g.publish(eventbus.GuardianInterventionReverted, "guardian_action", actionID, nil)
	return nil
}

// ListActionsFor returns every recorded intervention against an entity,
// most recent first.
func (g *Guardian) ListActionsFor(ctx context.Context, targetEntityID string) ([]domain.GuardianAction, error) {
	return g.store.ListGuardianActionsForTarget(ctx, targetEntityID)
}

func (g *Guardian) withSession(ctx context.Context, fn func(*store.Session) error) error {
	sess, err := store.Begin(ctx, g.store.DB(), true)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}

func (g *Guardian) publishApplied(actionID, targetID string, actionType domain.GuardianActionType) {
	g.publish(eventbus.GuardianInterventionCompleted, "guardian_action", actionID, nil)
	_ = targetID
	_ = actionType
}

// publishRejected only fires for failures after the authority check has
// passed (a rejected intervention attempt that made it to the store but
// failed validation or hit a stale version) — an insufficient-authority
// call never reaches this path, the same as the unauthorized case the authority check rejects before any row is written.
func (g *Guardian) publishRejected(targetID string, actionType domain.GuardianActionType, cause error) {
	if engerr.Is(cause, engerr.PermissionDenied) {
		return
	}
	g.publish(eventbus.GuardianInterventionRejected, "task_or_agent", targetID, nil)
	_ = actionType
}

// publish publishes to the event bus and, for the well-known
// durably-mirrored subset, first appends the event to the
// Store's events table in its own short transaction so the audit trail
// survives even if no subscriber was listening at publish time.
func (g *Guardian) publish(eventType, entityType, entityID string, payload []byte) {
	evt := domain.Event{
		ID:         clock.NewPrefixedID("evt"),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  g.clock.Now(),
	}
	if eventbus.ShouldMirrorToStore(eventType) {
		if sess, err := store.Begin(context.Background(), g.store.DB(), true); err == nil {
			if err := store.AppendEvent(sess, &evt); err == nil {
				sess.Commit()
			}
			sess.Close()
		}
	}
	if g.bus == nil {
		return
	}
	g.bus.Publish(evt)
}
