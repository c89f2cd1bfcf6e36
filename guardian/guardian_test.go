package guardian

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/queue"
	"github.com/rivergate/foreman/registry"
	"github.com/rivergate/foreman/store"
)

func newTestGuardian(t *testing.T) (*Guardian, *store.Store, *registry.Registry, *queue.Queue) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.New(db)
	bus := eventbus.New(nil)
	reg := registry.New(st, bus, fake)
	q := queue.New(st, reg, bus, fake, queue.ScoreWeights{})
	g := New(st, reg, bus, fake)
	return g, st, reg, q
}

func TestCancelTaskRequiresGuardianAuthority(t *testing.T) {
	g, st, reg, q := newTestGuardian(t)
	ctx := context.Background()

	if err := st.CreateTicket(ctx, &domain.Ticket{ID: "tk1", Title: "t", PhaseID: "impl", Status: domain.TicketInProgress, Priority: domain.PriorityMedium}); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	taskID, err := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	agentID, err := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if _, err := q.NextAssignment(ctx, agentID); err != nil {
		t.Fatalf("next assignment: %v", err)
	}

	if _, err := g.CancelTask(ctx, taskID, "bad call", "u1", 3); !engerr.Is(err, engerr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied with authority 3, got %v", err)
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status == domain.TaskCancelled {
		t.Fatal("task should not have been cancelled by an unauthorized call")
	}

	actions, err := g.ListActionsFor(ctx, taskID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no GuardianAction row for a rejected-authority call, got %d", len(actions))
	}
}

func TestCancelTaskWithSufficientAuthorityCancelsAndRecordsAudit(t *testing.T) {
	g, st, reg, q := newTestGuardian(t)
	ctx := context.Background()

	if err := st.CreateTicket(ctx, &domain.Ticket{ID: "tk1", Title: "t", PhaseID: "impl", Status: domain.TicketInProgress, Priority: domain.PriorityMedium}); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	taskID, err := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	agentID, err := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if _, err := q.NextAssignment(ctx, agentID); err != nil {
		t.Fatalf("next assignment: %v", err)
	}

	actionID, err := g.CancelTask(ctx, taskID, "emergency stop", "u1", domain.AuthorityGuardian)
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if actionID == "" {
		t.Fatal("expected a non-empty action id")
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskCancelled {
		t.Errorf("expected task cancelled, got %s", task.Status)
	}

	agent, err := reg.Get(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentLoad != 0 {
		t.Errorf("expected agent load released to 0, got %d", agent.CurrentLoad)
	}

	actions, err := g.ListActionsFor(ctx, taskID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionType != domain.ActionCancelTask {
		t.Fatalf("expected one cancel_task action recorded, got %+v", actions)
	}
	if actions[0].AuthorityLevel != domain.AuthorityGuardian {
		t.Errorf("expected recorded authority level %d, got %d", domain.AuthorityGuardian, actions[0].AuthorityLevel)
	}
}

func TestReallocateCapacityRejectsWhenLoadWouldExceedCapacity(t *testing.T) {
	g, _, reg, _ := newTestGuardian(t)
	ctx := context.Background()

	fromID, _ := reg.Register(ctx, domain.AgentWorker, nil, 2, "impl", 1)
	toID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)

	if _, err := g.ReallocateCapacity(ctx, fromID, toID, 2, "rebalance", "u1", domain.AuthorityGuardian); err == nil {
		t.Fatal("expected reallocation to fail when it would leave capacity below current load")
	}
}

func TestReallocateCapacityMovesCapacityBetweenAgents(t *testing.T) {
	g, _, reg, _ := newTestGuardian(t)
	ctx := context.Background()

	fromID, _ := reg.Register(ctx, domain.AgentWorker, nil, 3, "impl", 1)
	toID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)

	actionID, err := g.ReallocateCapacity(ctx, fromID, toID, 2, "rebalance", "u1", domain.AuthorityGuardian)
	if err != nil {
		t.Fatalf("reallocate capacity: %v", err)
	}
	if actionID == "" {
		t.Fatal("expected a non-empty action id")
	}

	from, err := reg.Get(ctx, fromID)
	if err != nil {
		t.Fatalf("get from agent: %v", err)
	}
	to, err := reg.Get(ctx, toID)
	if err != nil {
		t.Fatalf("get to agent: %v", err)
	}
	if from.Capacity != 1 {
		t.Errorf("expected from agent capacity 1, got %d", from.Capacity)
	}
	if to.Capacity != 3 {
		t.Errorf("expected to agent capacity 3, got %d", to.Capacity)
	}
}

func TestOverridePriorityChangesFutureOrderingOnly(t *testing.T) {
	g, st, _, q := newTestGuardian(t)
	ctx := context.Background()

	if err := st.CreateTicket(ctx, &domain.Ticket{ID: "tk1", Title: "t", PhaseID: "impl", Status: domain.TicketInProgress, Priority: domain.PriorityMedium}); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	taskID, err := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityLow, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := g.OverridePriority(ctx, taskID, domain.PriorityCritical, "bump it", "u1", domain.AuthorityGuardian); err != nil {
		t.Fatalf("override priority: %v", err)
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Priority != domain.PriorityCritical {
		t.Errorf("expected priority critical, got %s", task.Priority)
	}
	if task.Status != domain.TaskPending {
		t.Errorf("expected status unchanged at pending, got %s", task.Status)
	}
}

func TestRevertStampsRevertedAtWithoutUndoingSideEffects(t *testing.T) {
	g, st, reg, q := newTestGuardian(t)
	ctx := context.Background()

	if err := st.CreateTicket(ctx, &domain.Ticket{ID: "tk1", Title: "t", PhaseID: "impl", Status: domain.TicketInProgress, Priority: domain.PriorityMedium}); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	taskID, err := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	agentID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	if _, err := q.NextAssignment(ctx, agentID); err != nil {
		t.Fatalf("next assignment: %v", err)
	}

	actionID, err := g.CancelTask(ctx, taskID, "stop", "u1", domain.AuthorityGuardian)
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}

	if err := g.Revert(ctx, actionID, "mistake", "u2"); err != nil {
		t.Fatalf("revert: %v", err)
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskCancelled {
		t.Errorf("expected revert to leave task cancelled (not undone), got %s", task.Status)
	}

	actions, err := g.ListActionsFor(ctx, taskID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if actions[0].RevertedAt == nil {
		t.Error("expected reverted_at to be stamped")
	}
}
