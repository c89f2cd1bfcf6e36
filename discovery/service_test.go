package discovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/queue"
	"github.com/rivergate/foreman/registry"
	"github.com/rivergate/foreman/store"
)

func newTestService(t *testing.T) (*Service, *store.Store, *queue.Queue, *clock.Fake) {
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

	return New(st, bus, fake), st, q, fake
}

func seedTicketAndTask(t *testing.T, ctx context.Context, st *store.Store, q *queue.Queue, priority domain.Priority) string {
	t.Helper()
	ticket := &domain.Ticket{ID: "tk1", Title: "t", PhaseID: "implementation", Status: domain.TicketInProgress, Priority: priority}
	if err := st.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	taskID, err := q.Enqueue(ctx, "tk1", "implementation", "implement", "do the thing", priority, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return taskID
}

func TestRecordAndBranchWritesDiscoveryAndSpawnsTask(t *testing.T) {
	svc, st, q, _ := newTestService(t)
	ctx := context.Background()
	sourceID := seedTicketAndTask(t, ctx, st, q, domain.PriorityMedium)

	discID, spawnID, err := svc.RecordAndBranch(ctx, sourceID, "missing_test_coverage", "no tests for edge case", "testing", "add regression test", domain.PriorityMedium, false)
	if err != nil {
		t.Fatalf("record and branch: %v", err)
	}
	if discID == "" || spawnID == "" {
		t.Fatalf("expected non-empty ids, got %q %q", discID, spawnID)
	}

	spawned, err := st.GetTask(ctx, spawnID)
	if err != nil {
		t.Fatalf("get spawned task: %v", err)
	}
	if spawned.PhaseID != "testing" {
		t.Errorf("expected spawned task in testing phase, got %s", spawned.PhaseID)
	}
	if spawned.Priority != domain.PriorityMedium {
		t.Errorf("expected unboosted priority MEDIUM, got %s", spawned.Priority)
	}
	if spawned.TaskType != "missing_test_coverage" {
		t.Errorf("expected task_type missing_test_coverage, got %s", spawned.TaskType)
	}

	discoveries, err := svc.ListForTask(ctx, sourceID)
	if err != nil {
		t.Fatalf("list discoveries: %v", err)
	}
	if len(discoveries) != 1 || discoveries[0].ID != discID {
		t.Fatalf("expected discovery %s recorded, got %+v", discID, discoveries)
	}
}

func TestRecordAndBranchBoostsPriorityOneLevel(t *testing.T) {
	svc, st, q, _ := newTestService(t)
	ctx := context.Background()
	sourceID := seedTicketAndTask(t, ctx, st, q, domain.PriorityMedium)

	_, spawnID, err := svc.RecordAndBranch(ctx, sourceID, "security_concern", "possible injection", "implementation", "harden input handling", domain.PriorityLow, true)
	if err != nil {
		t.Fatalf("record and branch: %v", err)
	}

	spawned, err := st.GetTask(ctx, spawnID)
	if err != nil {
		t.Fatalf("get spawned task: %v", err)
	}
	if spawned.Priority != domain.PriorityMedium {
		t.Errorf("expected priority bumped from LOW (spawn_priority) to MEDIUM, got %s", spawned.Priority)
	}
}

// TestRecordAndBranchBoostsPastExplicitSpawnPriority covers the case where
// the source task's own priority is lower than spawn_priority: the boost
// still applies one level above spawn_priority, not above the source's.
// source=MEDIUM, spawn_priority=HIGH, priority_boost=true must yield
// CRITICAL, not HIGH (the bump of the source's own MEDIUM).
func TestRecordAndBranchBoostsPastExplicitSpawnPriority(t *testing.T) {
	svc, st, q, _ := newTestService(t)
	ctx := context.Background()
	sourceID := seedTicketAndTask(t, ctx, st, q, domain.PriorityMedium)

	_, spawnID, err := svc.RecordAndBranch(ctx, sourceID, "security_concern", "possible injection", "implementation", "harden input handling", domain.PriorityHigh, true)
	if err != nil {
		t.Fatalf("record and branch: %v", err)
	}

	spawned, err := st.GetTask(ctx, spawnID)
	if err != nil {
		t.Fatalf("get spawned task: %v", err)
	}
	if spawned.Priority != domain.PriorityCritical {
		t.Errorf("expected priority bumped from HIGH (spawn_priority) to CRITICAL, got %s", spawned.Priority)
	}
}

func TestRecordAndBranchStripsDiagnosticPrefixFromTaskType(t *testing.T) {
	svc, st, q, _ := newTestService(t)
	ctx := context.Background()
	sourceID := seedTicketAndTask(t, ctx, st, q, domain.PriorityLow)

	_, spawnID, err := svc.RecordAndBranch(ctx, sourceID, domain.DiagnosticPrefix+"missing_test_coverage", "diagnostic finding", "testing", "investigate coverage gap", domain.PriorityLow, false)
	if err != nil {
		t.Fatalf("record and branch: %v", err)
	}

	spawned, err := st.GetTask(ctx, spawnID)
	if err != nil {
		t.Fatalf("get spawned task: %v", err)
	}
	if spawned.TaskType != "missing_test_coverage" {
		t.Errorf("expected diagnostic_ prefix stripped, got task_type %s", spawned.TaskType)
	}
}

func TestRecordAndBranchUnknownSourceTaskFails(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RecordAndBranch(ctx, "nonexistent", "missing_test_coverage", "x", "testing", "y", domain.PriorityLow, false)
	if err == nil {
		t.Fatal("expected error for unknown source task")
	}
}
