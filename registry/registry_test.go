package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/store"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(store.New(db), eventbus.New(nil), fake), fake
}

func TestRegisterCreatesIdleAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, domain.AgentWorker, []string{"go", "review"}, 2, "impl", 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != domain.AgentIdle {
		t.Errorf("expected idle status, got %s", a.Status)
	}
	if a.CurrentLoad != 0 {
		t.Errorf("expected zero load, got %d", a.CurrentLoad)
	}
	if a.Capacity != 2 {
		t.Errorf("expected capacity 2, got %d", a.Capacity)
	}
}

func TestFindEligibleFiltersByCapabilityAndPhase(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	capable, _ := reg.Register(ctx, domain.AgentWorker, []string{"go", "review"}, 1, "impl", 1)
	_, _ = reg.Register(ctx, domain.AgentWorker, []string{"python"}, 1, "impl", 1)
	_, _ = reg.Register(ctx, domain.AgentWorker, []string{"go", "review"}, 1, "testing", 1)

	eligible, err := reg.FindEligible(ctx, "impl", []string{"go", "review"})
	if err != nil {
		t.Fatalf("find eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != capable {
		t.Fatalf("expected only %s eligible, got %+v", capable, eligible)
	}
}

func TestFindEligibleOrdersByLoadThenHeartbeat(t *testing.T) {
	reg, fake := newTestRegistry(t)
	ctx := context.Background()

	busy, _ := reg.Register(ctx, domain.AgentWorker, []string{"go"}, 3, "impl", 1)
	idle, _ := reg.Register(ctx, domain.AgentWorker, []string{"go"}, 3, "impl", 1)

	sess, err := store.Begin(ctx, reg.store.DB(), true)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.AdjustLoad(sess, busy, 1); err != nil {
		t.Fatalf("adjust load: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	sess.Close()

	fake.Advance(time.Minute)
	if err := reg.Heartbeat(ctx, idle, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	eligible, err := reg.FindEligible(ctx, "impl", []string{"go"})
	if err != nil {
		t.Fatalf("find eligible: %v", err)
	}
	if len(eligible) != 2 {
		t.Fatalf("expected 2 eligible agents, got %d", len(eligible))
	}
	if eligible[0].ID != idle {
		t.Errorf("expected lower-load agent %s first, got %s", idle, eligible[0].ID)
	}
}

func TestMarkStaleDegradesAndRequeues(t *testing.T) {
	reg, fake := newTestRegistry(t)
	ctx := context.Background()

	agentID, _ := reg.Register(ctx, domain.AgentWorker, []string{"go"}, 2, "impl", 1)

	sess, err := store.Begin(ctx, reg.store.DB(), true)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.AdjustLoad(sess, agentID, 1); err != nil {
		t.Fatalf("adjust load: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	sess.Close()

	fake.Advance(200 * time.Second)

	requeued := map[string]bool{}
	result, err := reg.MarkStale(ctx, DefaultStaleThresholdSeconds, func(sess *store.Session, taskID string) (bool, error) {
		requeued[taskID] = true
		return true, nil
	})
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(result.DegradedAgentIDs) != 1 || result.DegradedAgentIDs[0] != agentID {
		t.Fatalf("expected agent %s degraded, got %+v", agentID, result.DegradedAgentIDs)
	}

	a, err := reg.Get(ctx, agentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != domain.AgentDegraded {
		t.Errorf("expected degraded status, got %s", a.Status)
	}
}

func TestMarkStaleRequeuesHeldTaskAndPublishesMatchingEvent(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	bus := eventbus.New(nil)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := New(st, bus, fake)
	ctx := context.Background()

	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	agentID, err := reg.Register(ctx, domain.AgentWorker, []string{"go"}, 2, "impl", 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ticket := &domain.Ticket{ID: "tk1", Title: "t", PhaseID: "impl", Status: domain.TicketInProgress, Priority: domain.PriorityMedium}
	if err := st.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	task := &domain.Task{ID: "task1", TicketID: "tk1", PhaseID: "impl", TaskType: "implement", Status: domain.TaskPending, Priority: domain.PriorityMedium, MaxRetries: 3}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	sess, err := store.Begin(ctx, db, true)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.AssignTask(sess, "task1", agentID, 1); err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if err := reg.AdjustLoad(sess, agentID, 1); err != nil {
		t.Fatalf("adjust load: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	sess.Close()

	fake.Advance(200 * time.Second)

	result, err := reg.MarkStale(ctx, DefaultStaleThresholdSeconds, func(sess *store.Session, taskID string) (bool, error) {
		return true, store.FailTask(sess, taskID, true, fake.Now(), domain.TaskFailed, "agent heartbeat went stale")
	})
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(result.RetriedTaskIDs) != 1 || result.RetriedTaskIDs[0] != "task1" {
		t.Fatalf("expected task1 retried, got %+v", result)
	}
	if len(result.FailedTaskIDs) != 0 {
		t.Fatalf("expected no terminally failed tasks, got %+v", result.FailedTaskIDs)
	}

	var sawAgentStale, sawTaskRetryQueued bool
	for done := false; !done; {
		select {
		case evt := <-sub.Events():
			switch evt.EventType {
			case eventbus.AgentStale:
				sawAgentStale = true
			case eventbus.TaskRetryQueued:
				sawTaskRetryQueued = true
			}
		default:
			done = true
		}
	}
	if !sawAgentStale {
		t.Error("expected an agent.stale event")
	}
	if !sawTaskRetryQueued {
		t.Error("expected a task.retry_queued event for the requeued task")
	}
}

func TestHeartbeatOnUnknownAgentIsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Heartbeat(context.Background(), "agent_missing", nil)
	if !engerr.Is(err, engerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
