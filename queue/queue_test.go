package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/registry"
	"github.com/rivergate/foreman/store"
)

func newTestQueue(t *testing.T) (*Queue, *registry.Registry, *clock.Fake) {
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
	q := New(st, reg, bus, fake, ScoreWeights{})
	return q, reg, fake
}

func TestEnqueueAllowsDiamondDependencies(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, "tk1", "impl", "code", "first", domain.PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	b, err := q.Enqueue(ctx, "tk1", "impl", "code", "second", domain.PriorityMedium, []string{a}, 0, 0)
	if err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	// c depends on both a and b, forming a diamond rather than a cycle —
	// the DFS cycle check must not reject a converging dependency shape.
	_, err = q.Enqueue(ctx, "tk1", "impl", "code", "converges", domain.PriorityMedium, []string{b, a}, 0, 0)
	if err != nil {
		t.Fatalf("enqueue c: %v", err)
	}

	existing, err := q.store.ListTasksByTicket(ctx, "tk1")
	if err != nil || len(existing) != 3 {
		t.Fatalf("expected 3 tasks, got %d err %v", len(existing), err)
	}
}

func TestDependencyGraphRejectsActualCycle(t *testing.T) {
	// Exercises domain.DependencyGraph directly: Queue.Enqueue can never
	// construct a real cycle through its own API (new task ids are
	// generated after the dependency set is chosen), but the underlying
	// graph check it relies on must still reject one.
	graph := domain.NewDependencyGraph(map[string][]string{
		"a": {"b"},
		"b": {"c"},
	})
	if err := graph.ValidateNewTask("c", []string{"a"}); err == nil {
		t.Fatal("expected cycle rejection for c -> a -> b -> c")
	}
}

func TestNextAssignmentPicksHighestScore(t *testing.T) {
	q, reg, fake := newTestQueue(t)
	ctx := context.Background()

	agentID, err := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = q.Enqueue(ctx, "tk1", "impl", "code", "low priority", domain.PriorityLow, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	fake.Advance(time.Second)
	critical, err := q.Enqueue(ctx, "tk1", "impl", "code", "critical", domain.PriorityCritical, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue critical: %v", err)
	}

	assigned, err := q.NextAssignment(ctx, agentID)
	if err != nil {
		t.Fatalf("next assignment: %v", err)
	}
	if assigned != critical {
		t.Fatalf("expected critical task %s assigned, got %s", critical, assigned)
	}

	agent, err := reg.Get(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentLoad != 1 {
		t.Errorf("expected load 1, got %d", agent.CurrentLoad)
	}
}

func TestNextAssignmentSkipsUnmetDependencies(t *testing.T) {
	q, reg, _ := newTestQueue(t)
	ctx := context.Background()

	agentID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	blocker, err := q.Enqueue(ctx, "tk1", "impl", "code", "blocker", domain.PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	_, err = q.Enqueue(ctx, "tk1", "impl", "code", "dependent", domain.PriorityCritical, []string{blocker}, 0, 0)
	if err != nil {
		t.Fatalf("enqueue dependent: %v", err)
	}

	assigned, err := q.NextAssignment(ctx, agentID)
	if err != nil {
		t.Fatalf("next assignment: %v", err)
	}
	if assigned != blocker {
		t.Fatalf("expected blocker %s to be assigned first, got %s", blocker, assigned)
	}
}

func TestFullLifecycleAssignStartSubmitApprove(t *testing.T) {
	q, reg, _ := newTestQueue(t)
	ctx := context.Background()

	agentID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	taskID, err := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	assigned, err := q.NextAssignment(ctx, agentID)
	if err != nil || assigned != taskID {
		t.Fatalf("next assignment: %v, got %s", err, assigned)
	}
	if err := q.Start(ctx, taskID, agentID); err != nil {
		t.Fatalf("start: %v", err)
	}

	status, err := q.SubmitResult(ctx, taskID, agentID, true, &domain.TaskResult{SchemaVersion: 1, OutputKind: "text"})
	if err != nil {
		t.Fatalf("submit result: %v", err)
	}
	if status != domain.TaskUnderReview {
		t.Fatalf("expected under_review, got %s", status)
	}

	if err := q.Approve(ctx, taskID, agentID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}

	agent, err := reg.Get(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentLoad != 0 {
		t.Errorf("expected load released to 0, got %d", agent.CurrentLoad)
	}
}

func TestFailRetryableSchedulesBackoffAndPreservesRetryBudget(t *testing.T) {
	q, reg, _ := newTestQueue(t)
	ctx := context.Background()

	agentID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	taskID, err := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.NextAssignment(ctx, agentID); err != nil {
		t.Fatalf("next assignment: %v", err)
	}
	if err := q.Start(ctx, taskID, agentID); err != nil {
		t.Fatalf("start: %v", err)
	}

	cause := engerr.New(engerr.TransportError, "connection lost")
	if err := q.Fail(ctx, taskID, agentID, cause, false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("expected pending after retryable failure, got %s", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", task.RetryCount)
	}
	if !task.ScheduledAt.After(task.CreatedAt) {
		t.Errorf("expected scheduled_at pushed into the future, got %v vs %v", task.ScheduledAt, task.CreatedAt)
	}

	agent, err := reg.Get(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentLoad != 0 {
		t.Errorf("expected load released on failure, got %d", agent.CurrentLoad)
	}
}

func TestFailPermanentTerminatesTask(t *testing.T) {
	q, reg, _ := newTestQueue(t)
	ctx := context.Background()

	agentID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	taskID, _ := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 0, 0)
	if _, err := q.NextAssignment(ctx, agentID); err != nil {
		t.Fatalf("next assignment: %v", err)
	}
	if err := q.Start(ctx, taskID, agentID); err != nil {
		t.Fatalf("start: %v", err)
	}

	cause := engerr.New(engerr.Validation, "bad output")
	if err := q.Fail(ctx, taskID, agentID, cause, false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
}

func TestCancelReleasesAgentLoad(t *testing.T) {
	q, reg, _ := newTestQueue(t)
	ctx := context.Background()

	agentID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	taskID, _ := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 0, 0)
	if _, err := q.NextAssignment(ctx, agentID); err != nil {
		t.Fatalf("next assignment: %v", err)
	}

	if err := q.Cancel(ctx, taskID, "no longer needed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	agent, err := reg.Get(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentLoad != 0 {
		t.Errorf("expected load released on cancel, got %d", agent.CurrentLoad)
	}
}

func TestSweepTimeoutsMarksAndRetries(t *testing.T) {
	q, reg, fake := newTestQueue(t)
	ctx := context.Background()

	agentID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	taskID, err := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 5, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.NextAssignment(ctx, agentID); err != nil {
		t.Fatalf("next assignment: %v", err)
	}
	if err := q.Start(ctx, taskID, agentID); err != nil {
		t.Fatalf("start: %v", err)
	}

	fake.Advance(10 * time.Second)

	n, err := q.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("sweep timeouts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 timed-out task, got %d", n)
	}

	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("expected task returned to pending as a retryable timeout, got %s", task.Status)
	}
}

// TestFailWithTimedOutStatusStaysTimedOutWhenNotRetryable exercises the
// internal fail helper directly (the piece SweepTimeouts and Fail share)
// to confirm a timeout whose retry budget is exhausted lands on
// domain.TaskTimedOut rather than being collapsed into domain.TaskFailed.
func TestFailWithTimedOutStatusStaysTimedOutWhenNotRetryable(t *testing.T) {
	q, reg, _ := newTestQueue(t)
	ctx := context.Background()

	agentID, _ := reg.Register(ctx, domain.AgentWorker, nil, 1, "impl", 1)
	taskID, err := q.Enqueue(ctx, "tk1", "impl", "code", "work", domain.PriorityMedium, nil, 5, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.NextAssignment(ctx, agentID); err != nil {
		t.Fatalf("next assignment: %v", err)
	}
	if err := q.Start(ctx, taskID, agentID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// MaxRetries defaults to 0 retries remaining isn't realistic (Enqueue
	// floors maxRetries to 3 when <= 0), so exhaust the budget by driving
	// retry_count up to max_retries directly via repeated retryable fails.
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	for task.RetryCount < task.MaxRetries {
		scheduled, err := q.fail(ctx, taskID, engerr.New(engerr.TransportError, "task timed out"), false, domain.TaskTimedOut)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if !scheduled {
			t.Fatalf("expected retry to be scheduled with budget remaining")
		}
		if _, err := q.NextAssignment(ctx, agentID); err != nil {
			t.Fatalf("next assignment: %v", err)
		}
		if err := q.Start(ctx, taskID, agentID); err != nil {
			t.Fatalf("start: %v", err)
		}
		task, err = q.store.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
	}

	scheduled, err := q.fail(ctx, taskID, engerr.New(engerr.TransportError, "task timed out"), false, domain.TaskTimedOut)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if scheduled {
		t.Fatalf("expected retry budget exhausted, got another retry scheduled")
	}

	final, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != domain.TaskTimedOut {
		t.Errorf("expected terminal status timed_out once retry budget is exhausted, got %s", final.Status)
	}
}

func TestNextBackOffGrowsAndCaps(t *testing.T) {
	d0 := NextBackOff(0)
	if d0 < 750*time.Millisecond || d0 > 1250*time.Millisecond {
		t.Errorf("expected first backoff near 1s with jitter, got %v", d0)
	}

	dHigh := NextBackOff(10)
	if dHigh > 75*time.Second {
		t.Errorf("expected capped backoff near 60s with jitter, got %v", dHigh)
	}
}

func TestScoreOrdersOldLowOverFreshMedium(t *testing.T) {
	weights := DefaultScoreWeights()
	oldLow := weights.Score(domain.PriorityLow, time.Hour)
	freshMedium := weights.Score(domain.PriorityMedium, 0)
	if oldLow <= freshMedium {
		t.Errorf("expected an hour-old LOW task to outscore a fresh MEDIUM task, got %f vs %f", oldLow, freshMedium)
	}
}
