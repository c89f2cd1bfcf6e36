// Package domain defines the engine's entities: Ticket, Task, Agent,
// Phase, Discovery, GuardianAction, and Event. These are plain Go structs
// with explicit, versioned JSON shapes — no component ever hangs
// behaviour off a raw map. The Store is the only owner of persistent
// rows; everything here is a value type, copied freely between
// components.
package domain

import (
	"encoding/json"
	"time"
)

// TicketStatus is the lifecycle status of a Ticket.
type TicketStatus string

const (
	TicketPending    TicketStatus = "pending"
	TicketInProgress TicketStatus = "in_progress"
	TicketBlocked    TicketStatus = "blocked"
	TicketCompleted  TicketStatus = "completed"
	TicketFailed     TicketStatus = "failed"
	TicketCancelled  TicketStatus = "cancelled"
)

// Priority is the four-level priority class shared by tickets and tasks.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Weight returns the P value used by the score model.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.7
	case PriorityMedium:
		return 0.4
	case PriorityLow:
		return 0.1
	default:
		return 0.1
	}
}

// Bump returns the priority one level above p, saturating at CRITICAL.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	default:
		return PriorityCritical
	}
}

// Ticket is a user-facing unit of work tracked through phases.
type Ticket struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	PhaseID           string       `json:"phase_id"`
	Status            TicketStatus `json:"status"`
	Priority          Priority     `json:"priority"`
	BlockedByTickets  []string     `json:"blocked_by_ticket_ids,omitempty"`
	BlockedReason     string       `json:"blocked_reason,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
	Version           int64        `json:"version"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskAssigned    TaskStatus = "assigned"
	TaskRunning     TaskStatus = "running"
	TaskUnderReview TaskStatus = "under_review"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
	TaskTimedOut    TaskStatus = "timed_out"
	TaskBlocked     TaskStatus = "blocked"
)

// IsTerminal reports whether status admits no further transitions under
// ordinary operation (cancel/guardian override aside).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	default:
		return false
	}
}

// HoldsAgent reports whether a task in this status must carry a non-nil
// AssignedAgentID.
func (s TaskStatus) HoldsAgent() bool {
	switch s {
	case TaskAssigned, TaskRunning, TaskUnderReview:
		return true
	default:
		return false
	}
}

// TaskResult is the explicit, versioned shape of a task's result blob.
// RawExtra holds only what arrives under the "raw_extra" key; other unknown
// fields on an incoming payload are dropped by encoding/json, not kept.
type TaskResult struct {
	SchemaVersion  int             `json:"schema_version"`
	OutputKind     string          `json:"output_kind"`
	Summary        string          `json:"summary,omitempty"`
	Artifacts      []Artifact      `json:"artifacts,omitempty"`
	NominatedPhase string          `json:"nominated_phase,omitempty"`
	Category       string          `json:"category,omitempty"` // agent-supplied error classification
	RawExtra       json.RawMessage `json:"raw_extra,omitempty"`
}

// Artifact is a single produced output, matched against a Phase's
// ExpectedOutputs during gate evaluation.
type Artifact struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// Task is a single schedulable operation belonging to exactly one ticket
// and phase.
type Task struct {
	ID              string      `json:"id"`
	TicketID        string      `json:"ticket_id"`
	PhaseID         string      `json:"phase_id"`
	TaskType        string      `json:"task_type"`
	Description     string      `json:"description"`
	Status          TaskStatus  `json:"status"`
	Priority        Priority    `json:"priority"`
	AssignedAgentID string      `json:"assigned_agent_id,omitempty"`
	Dependencies    []string    `json:"dependencies,omitempty"`
	RetryCount      int         `json:"retry_count"`
	MaxRetries      int         `json:"max_retries"`
	TimeoutSeconds  int         `json:"timeout_seconds,omitempty"`
	Result          *TaskResult `json:"result,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	SandboxID       string      `json:"sandbox_id,omitempty"`
	Version         int64       `json:"version"`
	CreatedAt       time.Time   `json:"created_at"`
	ScheduledAt     time.Time   `json:"scheduled_at"` // retry back-off eligibility time
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// EligibleDependenciesMet reports whether every dependency id in deps
// resolves to a task with status completed.
func EligibleDependenciesMet(deps []string, byID map[string]TaskStatus) bool {
	for _, d := range deps {
		if byID[d] != TaskCompleted {
			return false
		}
	}
	return true
}

// AgentType is the kind of agent record.
type AgentType string

const (
	AgentWorker    AgentType = "worker"
	AgentMonitor   AgentType = "monitor"
	AgentWatchdog  AgentType = "watchdog"
	AgentGuardian  AgentType = "guardian"
)

// AgentStatus is the lifecycle status of an Agent.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentDegraded   AgentStatus = "degraded"
	AgentFailed     AgentStatus = "failed"
	AgentTerminated AgentStatus = "terminated"
)

// AuthorityLevel gates Guardian interventions.
const (
	AuthorityWorker   = 1
	AuthorityMonitor  = 2
	AuthorityWatchdog = 3
	AuthorityGuardian = 4
)

// Agent is an external executor registered with the engine.
type Agent struct {
	ID             string      `json:"id"`
	AgentType      AgentType   `json:"agent_type"`
	PhaseID        string      `json:"phase_id,omitempty"`
	Status         AgentStatus `json:"status"`
	Capabilities   []string    `json:"capabilities"`
	Capacity       int         `json:"capacity"`
	CurrentLoad    int         `json:"current_load"`
	AuthorityLevel int         `json:"authority_level"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	CreatedAt      time.Time   `json:"created_at"`
	Version        int64       `json:"version"`
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required.
func (a Agent) HasCapabilities(required []string) bool {
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Phase is a stage in a workflow (configuration data, not per-ticket state).
type Phase struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	SequenceOrder      int      `json:"sequence_order"`
	AllowedTransitions []string `json:"allowed_transitions"`
	IsTerminal         bool     `json:"is_terminal"`
	DoneDefinitions    []string `json:"done_definitions"`
	ExpectedOutputs    []string `json:"expected_outputs"`
	InitialPrompt      string   `json:"initial_prompt"`
	NextStepsGuidance  string   `json:"next_steps_guidance"`
	SeedTaskType       string   `json:"seed_task_type"`
	RequiresReview     bool     `json:"requires_review"`
}

// Discovery records that an agent, while running a task, found additional
// work. Immutable once written.
type Discovery struct {
	ID            string    `json:"id"`
	SourceTaskID  string    `json:"source_task_id"`
	Type          string    `json:"type"`
	Description   string    `json:"description"`
	SpawnPhaseID  string    `json:"spawn_phase_id"`
	SpawnTaskID   string    `json:"spawn_task_id"`
	PriorityBoost bool      `json:"priority_boost"`
	CreatedAt     time.Time `json:"created_at"`
}

// DiagnosticPrefix marks diagnostic discovery types, which exist purely
// as an audit distinction and carry no special engine behavior.
const DiagnosticPrefix = "diagnostic_"

// GuardianActionType is the kind of Guardian intervention.
type GuardianActionType string

const (
	ActionCancelTask         GuardianActionType = "cancel_task"
	ActionReallocateCapacity GuardianActionType = "reallocate_capacity"
	ActionOverridePriority   GuardianActionType = "override_priority"
)

// RequiresGuardianAuthority reports whether t is one of the three
// authority-gated intervention types.
func (t GuardianActionType) RequiresGuardianAuthority() bool {
	switch t {
	case ActionCancelTask, ActionReallocateCapacity, ActionOverridePriority:
		return true
	default:
		return false
	}
}

// GuardianAction is an authority-gated intervention, immutable except for
// RevertedAt.
type GuardianAction struct {
	ID             string             `json:"id"`
	ActionType     GuardianActionType `json:"action_type"`
	TargetEntityID string             `json:"target_entity_id"`
	AuthorityLevel int                `json:"authority_level"`
	Reason         string             `json:"reason"`
	InitiatedBy    string             `json:"initiated_by"`
	ApprovedBy     string             `json:"approved_by,omitempty"`
	AuditBefore    json.RawMessage    `json:"audit_before,omitempty"`
	AuditAfter     json.RawMessage    `json:"audit_after,omitempty"`
	ExecutedAt     time.Time          `json:"executed_at"`
	RevertedAt     *time.Time         `json:"reverted_at,omitempty"`
}

// Event is an append-only domain event published on the bus and, for a
// well-known subset, mirrored into the store.
type Event struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
