// Package health is the engine's Health Monitor: the three background
// sweeps that keep the store honest — agent heartbeat staleness,
// task-timeout enforcement, and a point-in-time system health report for
// human supervisors. Each sweep is one named duty running on its own
// goroutine with cycle-count/last-run bookkeeping and context-cancel
// shutdown, scheduled with github.com/robfig/cron/v3.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/queue"
	"github.com/rivergate/foreman/registry"
	"github.com/rivergate/foreman/store"
)

// Monitor runs the heartbeat, timeout, and system-health sweeps on their
// own cron schedules.
type Monitor struct {
	config Config
	store  *store.Store
	reg    *registry.Registry
	queue  *queue.Queue
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *slog.Logger

	cron *cronlib.Cron

	lastHealth *domain.SystemHealth
	runCounts  map[string]int
}

// New constructs a Monitor. logger may be nil, in which case
// slog.Default() is used.
func New(cfg Config, st *store.Store, reg *registry.Registry, q *queue.Queue, bus *eventbus.Bus, clk clock.Clock, logger *slog.Logger) *Monitor {
	if cfg.HeartbeatStaleSeconds <= 0 {
		cfg.HeartbeatStaleSeconds = registry.DefaultStaleThresholdSeconds
	}
	if cfg.StuckThresholdSeconds <= 0 {
		cfg.StuckThresholdSeconds = DefaultStuckThresholdSeconds
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = DefaultCooldownSeconds
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		config:    cfg,
		store:     st,
		reg:       reg,
		queue:     q,
		bus:       bus,
		clock:     clk,
		logger:    logger,
		runCounts: make(map[string]int),
	}
}

// Start registers the three sweeps on their configured schedules and
// starts the cron runner. It does not block; call Stop to shut down.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cronlib.New()

	if _, err := m.cron.AddFunc(m.config.HeartbeatSchedule, func() { m.runSweep(ctx, "heartbeat", m.sweepHeartbeats) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(m.config.TimeoutSchedule, func() { m.runSweep(ctx, "timeout", m.sweepTimeouts) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(m.config.SystemHealthSchedule, func() { m.runSweep(ctx, "system_health", m.sweepSystemHealth) }); err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("health monitor started",
		"heartbeat_schedule", m.config.HeartbeatSchedule,
		"timeout_schedule", m.config.TimeoutSchedule,
		"system_health_schedule", m.config.SystemHealthSchedule,
	)
	return nil
}

// Stop halts the cron runner, waiting for any in-flight sweep to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.logger.Info("health monitor stopped")
}

// runSweep wraps a sweep function with cycle-count bookkeeping and error
// logging shared across every background duty.
func (m *Monitor) runSweep(ctx context.Context, name string, fn func(context.Context) error) {
	m.runCounts[name]++
	if err := fn(ctx); err != nil {
		m.logger.Error("health sweep failed", "sweep", name, "cycle", m.runCounts[name], "error", err)
	}
}

// RunCount reports how many times the named sweep ("heartbeat",
// "timeout", or "system_health") has executed, for tests and diagnostics.
func (m *Monitor) RunCount(name string) int {
	return m.runCounts[name]
}

// sweepHeartbeats runs mark_stale and logs what it degraded and
// requeued.
func (m *Monitor) sweepHeartbeats(ctx context.Context) error {
	result, err := m.reg.MarkStale(ctx, m.config.HeartbeatStaleSeconds, m.requeueStaleTask)
	if err != nil {
		return err
	}
	if len(result.DegradedAgentIDs) > 0 {
		m.logger.Warn("agents marked stale", "count", len(result.DegradedAgentIDs), "agents", result.DegradedAgentIDs)
	}
	return nil
}

// requeueStaleTask is the mark_stale requeue callback: it applies the
// same retry-budget-consuming back-off as an ordinary retryable task
// failure, inside the same exclusive session as the agent's degrade, and
// reports back whether the task was retried or terminally failed so the
// caller can publish the matching event.
func (m *Monitor) requeueStaleTask(sess *store.Session, taskID string) (bool, error) {
	t, err := store.GetTaskInSession(sess, taskID)
	if err != nil {
		return false, err
	}
	retryable := t.RetryCount < t.MaxRetries
	var nextScheduledAt time.Time
	if retryable {
		nextScheduledAt = m.clock.Now().Add(queue.NextBackOff(t.RetryCount))
	}
	if err := store.FailTask(sess, taskID, retryable, nextScheduledAt, domain.TaskFailed, "agent heartbeat went stale"); err != nil {
		return false, err
	}
	return retryable, nil
}

// sweepTimeouts runs sweep_timeouts and logs how many tasks it caught.
func (m *Monitor) sweepTimeouts(ctx context.Context) error {
	n, err := m.queue.SweepTimeouts(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Warn("tasks timed out", "count", n)
	}
	return nil
}

// sweepSystemHealth is the stuck workflow sweep: a ticket is stuck iff
// it has at least one task, all tasks are terminal, no workflow result
// has been validated for it, and stuck_threshold_seconds have elapsed
// since the last task activity. Each newly-stuck ticket (outside its
// cooldown window) gets a diagnostic.stuck_detected event; the same
// pass also folds the result into the dashboard-facing SystemHealth
// report and publishes health.alert.raised when that report is anything
// other than stable.
func (m *Monitor) sweepSystemHealth(ctx context.Context) error {
	active, err := m.store.ListTicketsByStatus(ctx, domain.TicketInProgress)
	if err != nil {
		return err
	}
	blocked, err := m.store.ListTicketsByStatus(ctx, domain.TicketBlocked)
	if err != nil {
		return err
	}
	tickets := append(append([]domain.Ticket{}, active...), blocked...)

	histories := make(map[string][]domain.TicketHistoryEntry, len(tickets))
	var stuckIDs []string
	for _, t := range tickets {
		h, err := m.store.GetTicketHistory(ctx, t.ID)
		if err != nil {
			return err
		}
		histories[t.ID] = h

		stuck, err := m.checkStuckTicket(ctx, t)
		if err != nil {
			return err
		}
		if stuck {
			stuckIDs = append(stuckIDs, t.ID)
		}
	}

	report := computeSystemHealth(tickets, histories, stuckIDs, m.clock.Now())
	m.lastHealth = report

	if report.Status != domain.SystemHealthStable {
		m.logger.Warn("system health degraded", "status", report.Status, "message", report.Message)
		m.publishAlert(report)
	}
	return nil
}

// checkStuckTicket applies criteria (a)-(d) and, for tickets that meet
// them, the (e) cooldown against the most recent diagnostic.stuck_detected
// event persisted for that ticket — durable so the cooldown survives a
// monitor restart. It reports whether the ticket is currently stuck
// regardless of whether a new diagnostic was emitted this pass.
func (m *Monitor) checkStuckTicket(ctx context.Context, t domain.Ticket) (bool, error) {
	tasks, err := m.store.ListTasksByTicket(ctx, t.ID)
	if err != nil {
		return false, err
	}
	events, err := m.store.ListEventsForEntity(ctx, t.ID)
	if err != nil {
		return false, err
	}
	// Result Intake records workflow.result.accepted against the task.
	for _, task := range tasks {
		taskEvents, err := m.store.ListEventsForEntity(ctx, task.ID)
		if err != nil {
			return false, err
		}
		events = append(events, taskEvents...)
	}

	var validated bool
	var lastDetection time.Time
	for _, e := range events {
		switch e.EventType {
		case eventbus.WorkflowResultAccepted:
			validated = true
		case eventbus.DiagnosticStuckDetected:
			if e.Timestamp.After(lastDetection) {
				lastDetection = e.Timestamp
			}
		}
	}

	stuck, lastActivity := evaluateStuckTicket(tasks, validated, m.clock.Now(), m.config.StuckThresholdSeconds)
	if !stuck {
		return false, nil
	}
	if !lastDetection.IsZero() && m.clock.Now().Sub(lastDetection) < time.Duration(m.config.CooldownSeconds)*time.Second {
		return true, nil
	}
	m.emitStuckDetected(t, tasks, lastActivity)
	return true, nil
}

func (m *Monitor) emitStuckDetected(t domain.Ticket, tasks []domain.Task, lastActivity time.Time) {
	outcomes := make([]taskOutcome, 0, len(tasks))
	for _, task := range tasks {
		outcomes = append(outcomes, taskOutcome{TaskID: task.ID, Status: string(task.Status)})
	}
	payload, _ := json.Marshal(stuckEvidence{TicketID: t.ID, PhaseID: t.PhaseID, Tasks: outcomes})
	m.logger.Warn("ticket stuck", "ticket_id", t.ID, "phase_id", t.PhaseID, "last_activity", lastActivity)
	m.publish(eventbus.DiagnosticStuckDetected, "ticket", t.ID, payload)
}

// LastHealth returns the most recently computed system health report, or
// nil if sweepSystemHealth has never run.
func (m *Monitor) LastHealth() *domain.SystemHealth {
	return m.lastHealth
}

func (m *Monitor) publishAlert(report *domain.SystemHealth) {
	m.publish(eventbus.HealthAlertRaised, "system", "health", nil)
}

// publish publishes to the event bus and, for the well-known
// durably-mirrored subset, first appends the event to the Store's
// events table in its own short transaction — diagnostic.stuck_detected
// relies on this so the cooldown check above can read it back durably.
func (m *Monitor) publish(eventType, entityType, entityID string, payload []byte) {
	evt := domain.Event{
		ID:         clock.NewPrefixedID("evt"),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  m.clock.Now(),
	}
	if eventbus.ShouldMirrorToStore(eventType) {
		if sess, err := store.Begin(context.Background(), m.store.DB(), true); err == nil {
			if err := store.AppendEvent(sess, &evt); err == nil {
				sess.Commit()
			}
			sess.Close()
		}
	}
	if m.bus == nil {
		return
	}
	m.bus.Publish(evt)
}
