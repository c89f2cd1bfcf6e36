package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/phase"
	"github.com/rivergate/foreman/queue"
	"github.com/rivergate/foreman/registry"
	"github.com/rivergate/foreman/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *queue.Queue, *registry.Registry) {
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
	catalog := phase.DefaultCatalog()
	ctx := context.Background()
	for _, p := range catalog.All() {
		if err := st.UpsertPhase(ctx, p); err != nil {
			t.Fatalf("upsert phase: %v", err)
		}
	}
	eng := phase.New(st, q, bus, fake, catalog)

	o := New(Config{CycleInterval: 10 * time.Millisecond}, q, eng, bus, st, nil, NewMetrics(nil))
	return o, st, q, reg
}

func TestRunCycleAssignsReadyTaskToIdleAgent(t *testing.T) {
	o, st, q, reg := newTestOrchestrator(t)
	ctx := context.Background()

	if err := st.CreateTicket(ctx, &domain.Ticket{ID: "tk1", Title: "t", PhaseID: "implementation", Status: domain.TicketInProgress, Priority: domain.PriorityMedium}); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	taskID, err := q.Enqueue(ctx, "tk1", "implementation", "implement", "do it", domain.PriorityHigh, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	agentID, err := reg.Register(ctx, domain.AgentWorker, nil, 1, "implementation", 1)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	if err := o.runCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskAssigned {
		t.Errorf("expected task assigned after cycle, got %s", task.Status)
	}
	if task.AssignedAgentID != agentID {
		t.Errorf("expected task assigned to %s, got %s", agentID, task.AssignedAgentID)
	}
}

func TestRunCycleNoopsWithNoReadyWork(t *testing.T) {
	o, _, _, reg := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, domain.AgentWorker, nil, 1, "implementation", 1); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	if err := o.runCycle(ctx); err != nil {
		t.Fatalf("run cycle on empty queue should not error: %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down after context cancel")
	}
}
