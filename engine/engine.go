// Package engine is the orchestration kernel's single entry point: it
// wires the Store, Event Bus, Agent Registry, Task Queue, Phase Engine,
// Discovery Service, Result Intake, Workflow Orchestrator, Health
// Monitor, and Guardian together and exposes the transport-agnostic
// command surface a CLI, HTTP handler, or RPC server adapts into its own
// wire format.
package engine

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rivergate/foreman/clock"
	"github.com/rivergate/foreman/discovery"
	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/eventbus"
	"github.com/rivergate/foreman/guardian"
	"github.com/rivergate/foreman/health"
	"github.com/rivergate/foreman/intake"
	"github.com/rivergate/foreman/orchestrator"
	"github.com/rivergate/foreman/phase"
	"github.com/rivergate/foreman/queue"
	"github.com/rivergate/foreman/registry"
	"github.com/rivergate/foreman/store"
)

var validate = validator.New()

// Engine holds every collaborator and is the sole object a transport
// layer needs to construct to serve the command surface.
type Engine struct {
	Store   *store.Store
	Bus     *eventbus.Bus
	Clock   clock.Clock
	Catalog *phase.Catalog

	Registry     *registry.Registry
	Queue        *queue.Queue
	Phase        *phase.Engine
	Discovery    *discovery.Service
	Intake       *intake.Service
	Orchestrator *orchestrator.Orchestrator
	Health       *health.Monitor
	Guardian     *guardian.Guardian

	logger *slog.Logger
}

// Config bundles the sub-package configs a caller may want to override;
// zero values fall back to each package's own defaults.
type Config struct {
	Orchestrator orchestrator.Config
	Health       health.Config
	QueueWeights queue.ScoreWeights

	// Registerer receives the orchestrator's Prometheus collectors; nil
	// leaves them unregistered (the default, and what tests that build
	// more than one Engine in-process want).
	Registerer prometheus.Registerer
}

// New constructs the full dependency graph. db must already be open;
// catalog defines the phase set tickets progress through (phase.DefaultCatalog()
// if the caller has no customization); schemas registers the JSON Schemas
// Result Intake validates task results against. logger may be nil.
func New(db *store.DB, catalog *phase.Catalog, schemas *intake.SchemaRegistry, cfg Config, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	st := store.New(db)
	bus := eventbus.New(logger)

	reg := registry.New(st, bus, clk)
	q := queue.New(st, reg, bus, clk, cfg.QueueWeights)
	ph := phase.New(st, q, bus, clk, catalog)
	disc := discovery.New(st, bus, clk)
	in, err := intake.New(st, bus, clk, catalog, schemas)
	if err != nil {
		return nil, err
	}
	g := guardian.New(st, reg, bus, clk)

	orchCfg := cfg.Orchestrator
	if orchCfg == (orchestrator.Config{}) {
		orchCfg = orchestrator.DefaultConfig()
	}
	orch := orchestrator.New(orchCfg, q, ph, bus, st, logger, orchestrator.NewMetrics(cfg.Registerer))

	healthCfg := cfg.Health
	if healthCfg == (health.Config{}) {
		healthCfg = health.DefaultConfig()
	}
	mon := health.New(healthCfg, st, reg, q, bus, clk, logger)

	return &Engine{
		Store:        st,
		Bus:          bus,
		Clock:        clk,
		Catalog:      catalog,
		Registry:     reg,
		Queue:        q,
		Phase:        ph,
		Discovery:    disc,
		Intake:       in,
		Orchestrator: orch,
		Health:       mon,
		Guardian:     g,
		logger:       logger,
	}, nil
}

// Start runs the Workflow Orchestrator loop and Health Monitor sweeps.
// It does not block; Run's context governs both until cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Health.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := e.Orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("orchestrator exited", "error", err)
		}
	}()
	return nil
}

// Stop halts the orchestrator loop and health sweeps.
func (e *Engine) Stop() {
	e.Orchestrator.Stop()
	e.Health.Stop()
}

// --- Command surface ---

// CreateTicketRequest is the input to CreateTicket.
type CreateTicketRequest struct {
	Title       string         `validate:"required"`
	Description string         `validate:""`
	Priority    domain.Priority `validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	PhaseID     string         `validate:""`
	Tags        []string       `validate:""`
}

// CreateTicket creates a ticket and, if PhaseID is empty, assigns the
// phase catalog's initial phase.
func (e *Engine) CreateTicket(ctx context.Context, req CreateTicketRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", engerr.Wrap(engerr.Validation, err, "create ticket request")
	}
	phaseID := req.PhaseID
	if phaseID == "" {
		initial, ok := e.Catalog.Initial()
		if !ok {
			return "", engerr.New(engerr.Validation, "phase catalog has no initial phase")
		}
		phaseID = initial.ID
	}

	id := clock.NewPrefixedID("tkt")
	t := &domain.Ticket{
		ID:          id,
		Title:       req.Title,
		Description: req.Description,
		PhaseID:     phaseID,
		Status:      domain.TicketPending,
		Priority:    req.Priority,
		Tags:        req.Tags,
		CreatedAt:   e.Clock.Now(),
	}
	if err := e.Store.CreateTicket(ctx, t); err != nil {
		return "", err
	}
	e.publish(eventbus.TicketCreated, "ticket", id, nil)
	if err := e.Phase.StartTicket(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// GetTicket returns a ticket by id.
func (e *Engine) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return e.Store.GetTicket(ctx, ticketID)
}

// EnqueueTaskRequest is the input to EnqueueTask.
type EnqueueTaskRequest struct {
	TicketID       string          `validate:"required"`
	PhaseID        string          `validate:"required"`
	TaskType       string          `validate:"required"`
	Description    string          `validate:"required"`
	Priority       domain.Priority `validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	Dependencies   []string        `validate:""`
	TimeoutSeconds int             `validate:"gte=0"`
	MaxRetries     int             `validate:"gte=0"`
}

// EnqueueTask enqueues a task under a ticket's current phase.
func (e *Engine) EnqueueTask(ctx context.Context, req EnqueueTaskRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", engerr.Wrap(engerr.Validation, err, "enqueue task request")
	}
	return e.Queue.Enqueue(ctx, req.TicketID, req.PhaseID, req.TaskType, req.Description, req.Priority, req.Dependencies, req.TimeoutSeconds, req.MaxRetries)
}

// AssignNext matches the given agent against ready work; returns ""
// if nothing is currently assignable.
func (e *Engine) AssignNext(ctx context.Context, agentID string) (string, error) {
	return e.Queue.NextAssignment(ctx, agentID)
}

// StartTask marks an assigned task running.
func (e *Engine) StartTask(ctx context.Context, taskID, agentID string) error {
	return e.Queue.Start(ctx, taskID, agentID)
}

// SubmitTaskResult submits a task's result; requiresReview routes it to
// under_review instead of completed. On acceptance the Phase Engine
// re-evaluates the owning ticket's gate.
func (e *Engine) SubmitTaskResult(ctx context.Context, taskID, agentID string, requiresReview bool, result *domain.TaskResult) (domain.TaskStatus, error) {
	ok, err := e.Intake.Validate(ctx, taskID, result)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", engerr.New(engerr.Validation, "task %s result failed schema validation", taskID)
	}
	status, err := e.Queue.SubmitResult(ctx, taskID, agentID, requiresReview, result)
	if err != nil {
		return "", err
	}
	if status == domain.TaskCompleted {
		if err := e.Phase.OnTaskCompleted(ctx, taskID); err != nil {
			return status, err
		}
	}
	return status, nil
}

// FailTask records a task failure; it is retried or permanently failed
// per the task's retry budget.
func (e *Engine) FailTask(ctx context.Context, taskID, agentID string, cause error, agentClassifiedFatal bool) error {
	return e.Queue.Fail(ctx, taskID, agentID, cause, agentClassifiedFatal)
}

// CancelTask cancels a task outright (the plain, non-authority-gated
// path — for the Guardian's forced cancellation see Guardian.CancelTask).
func (e *Engine) CancelTask(ctx context.Context, taskID, reason string) error {
	return e.Queue.Cancel(ctx, taskID, reason)
}

// RegisterAgentRequest is the input to RegisterAgent.
type RegisterAgentRequest struct {
	AgentType      domain.AgentType `validate:"required,oneof=worker monitor watchdog guardian"`
	Capabilities   []string         `validate:""`
	Capacity       int              `validate:"gte=1"`
	PhaseID        string           `validate:""`
	AuthorityLevel int              `validate:"gte=1,lte=5"`
}

// RegisterAgent registers a new agent worker.
func (e *Engine) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", engerr.Wrap(engerr.Validation, err, "register agent request")
	}
	return e.Registry.Register(ctx, req.AgentType, req.Capabilities, req.Capacity, req.PhaseID, req.AuthorityLevel)
}

// Heartbeat refreshes an agent's last_heartbeat.
func (e *Engine) Heartbeat(ctx context.Context, agentID string, statusHint *domain.AgentStatus) error {
	return e.Registry.Heartbeat(ctx, agentID, statusHint)
}

// DiscoverAndBranch records a discovery and spawns the branched task.
func (e *Engine) DiscoverAndBranch(ctx context.Context, sourceTaskID, discoveryType, description, spawnPhaseID, spawnDescription string, spawnPriority domain.Priority, priorityBoost bool) (discoveryID, spawnedTaskID string, err error) {
	return e.Discovery.RecordAndBranch(ctx, sourceTaskID, discoveryType, description, spawnPhaseID, spawnDescription, spawnPriority, priorityBoost)
}

func (e *Engine) publish(eventType, entityType, entityID string, payload []byte) {
	evt := domain.Event{
		ID:         clock.NewPrefixedID("evt"),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  e.Clock.Now(),
	}
	if eventbus.ShouldMirrorToStore(eventType) {
		if sess, err := store.Begin(context.Background(), e.Store.DB(), true); err == nil {
			if err := store.AppendEvent(sess, &evt); err == nil {
				sess.Commit()
			}
			sess.Close()
		}
	}
	e.Bus.Publish(evt)
}
