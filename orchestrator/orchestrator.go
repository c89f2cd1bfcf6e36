// Package orchestrator is the engine's Workflow Orchestrator: the
// ticker-driven loop that matches idle agents to ready tasks. A config
// struct, slog.Logger, Prometheus Metrics, and a ticker + WaitGroup +
// context.Done shutdown sequence run one generic assignment cycle
// regardless of what kind of work the tasks represent.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/phase"
	"github.com/rivergate/foreman/queue"
	"github.com/rivergate/foreman/store"
)

// Orchestrator drives the Task Queue's assignment loop on a fixed tick.
type Orchestrator struct {
	config  Config
	queue   *queue.Queue
	phase   *phase.Engine
	bus     *eventbus.Bus
	store   *store.Store
	logger  *slog.Logger
	metrics *Metrics

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
}

// New constructs an Orchestrator. logger and metrics may be nil, in which
// case slog.Default() and an unregistered Metrics instance are used.
func New(cfg Config, q *queue.Queue, ph *phase.Engine, bus *eventbus.Bus, st *store.Store, logger *slog.Logger, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Orchestrator{config: cfg, queue: q, phase: ph, bus: bus, store: st, logger: logger, metrics: metrics}
}

// Run starts the assignment loop and blocks until ctx is cancelled or Stop
// is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, o.cancelFunc = context.WithCancel(ctx)

	if o.bus != nil {
		sub := o.bus.Subscribe(eventbus.TaskCompleted)
		o.wg.Add(1)
		go o.watchTaskCompletions(ctx, sub)
	}

	ticker := time.NewTicker(o.config.CycleInterval)
	defer ticker.Stop()

	o.logger.Info("orchestrator starting", "cycle_interval", o.config.CycleInterval)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator shutting down")
			o.wg.Wait()
			return nil
		case <-ticker.C:
			if err := o.runCycle(ctx); err != nil {
				o.logger.Error("cycle failed", "error", err)
			}
		}
	}
}

// Stop cancels the loop started by Run.
func (o *Orchestrator) Stop() {
	if o.cancelFunc != nil {
		o.cancelFunc()
	}
}

// runCycle attempts next_assignment for every agent observed to have spare
// capacity, recording metrics for the cycle.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.metrics.CyclesTotal.Inc()

	agents, err := store.ListAssignableAgents(ctx, o.store)
	if err != nil {
		return err
	}
	o.metrics.AgentsIdle.Set(float64(len(agents)))

	depth, err := o.store.CountPendingTasks(ctx)
	if err != nil {
		return err
	}
	o.metrics.QueueDepth.Set(float64(depth))

	for _, agent := range agents {
		taskID, err := o.queue.NextAssignment(ctx, agent.ID)
		if err != nil {
			o.metrics.AssignmentErrors.Inc()
			o.logger.Warn("assignment attempt failed", "agent", agent.ID, "error", err)
			continue
		}
		if taskID != "" {
			o.metrics.TasksAssigned.Inc()
			o.logger.Debug("assigned task", "agent", agent.ID, "task", taskID)
		}
	}
	return nil
}

// watchTaskCompletions feeds the Phase Engine whenever a task completes, so
// ticket phase progression reacts to the event bus rather than polling.
func (o *Orchestrator) watchTaskCompletions(ctx context.Context, sub *eventbus.Subscription) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if o.phase == nil {
				continue
			}
			if err := o.phase.OnTaskCompleted(ctx, evt.EntityID); err != nil {
				o.logger.Warn("phase evaluation failed", "task", evt.EntityID, "error", err)
			}
		}
	}
}
