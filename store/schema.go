package store

// migrationTickets creates the tickets and ticket_history tables.
// dependencies/blocked_by are stored as JSON arrays in a TEXT column;
// SQLite's json_each/json_extract provide the containment-query support
// a document-shaped column needs.
const migrationTickets = `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT,
    phase_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    priority TEXT NOT NULL DEFAULT 'MEDIUM',
    blocked_by_ticket_ids TEXT DEFAULT '[]',
    blocked_reason TEXT,
    tags TEXT NOT NULL DEFAULT '[]',
    version INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tickets_phase ON tickets(phase_id);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);

CREATE TABLE IF NOT EXISTS ticket_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    by TEXT,
    note TEXT,
    at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_ticket_history_ticket ON ticket_history(ticket_id);
`

// migrationTasks creates the tasks table. result is a JSON document
// column; dependencies is a JSON array.
const migrationTasks = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    ticket_id TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    phase_id TEXT NOT NULL,
    task_type TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    priority TEXT NOT NULL DEFAULT 'MEDIUM',
    assigned_agent_id TEXT,
    dependencies TEXT DEFAULT '[]',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    timeout_seconds INTEGER,
    result TEXT,
    error_message TEXT,
    sandbox_id TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    scheduled_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_ticket ON tasks(ticket_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_phase ON tasks(phase_id);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent_id);
`

// migrationAgents creates the agents table. capabilities is a JSON array,
// decoded and checked for the "capabilities superset" in Go by
// FindEligibleAgents.
const migrationAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    agent_type TEXT NOT NULL,
    phase_id TEXT,
    status TEXT NOT NULL DEFAULT 'idle',
    capabilities TEXT DEFAULT '[]',
    capacity INTEGER NOT NULL DEFAULT 1,
    current_load INTEGER NOT NULL DEFAULT 0,
    authority_level INTEGER NOT NULL DEFAULT 1,
    last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agents_phase ON agents(phase_id);
`

// migrationPhasesAndDiscoveries creates the phase catalog table (loaded
// from the engine's static catalog on startup, upserted here so the Store
// remains the single source of truth for FK references) and discoveries.
const migrationPhasesAndDiscoveries = `
CREATE TABLE IF NOT EXISTS phases (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    sequence_order INTEGER NOT NULL,
    allowed_transitions TEXT DEFAULT '[]',
    is_terminal INTEGER NOT NULL DEFAULT 0,
    done_definitions TEXT DEFAULT '[]',
    expected_outputs TEXT DEFAULT '[]',
    initial_prompt TEXT,
    next_steps_guidance TEXT,
    seed_task_type TEXT,
    requires_review INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS discoveries (
    id TEXT PRIMARY KEY,
    source_task_id TEXT NOT NULL,
    type TEXT NOT NULL,
    description TEXT,
    spawn_phase_id TEXT NOT NULL,
    spawn_task_id TEXT NOT NULL,
    priority_boost INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_discoveries_source ON discoveries(source_task_id);

CREATE TABLE IF NOT EXISTS phase_gate_flags (
    ticket_id TEXT NOT NULL,
    definition TEXT NOT NULL,
    satisfied_by_artifact TEXT,
    satisfied_at DATETIME,
    PRIMARY KEY (ticket_id, definition)
);
`

// migrationGuardianAndEvents creates the guardian_actions and events
// tables. audit_before/audit_after are JSON document columns.
const migrationGuardianAndEvents = `
CREATE TABLE IF NOT EXISTS guardian_actions (
    id TEXT PRIMARY KEY,
    action_type TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    authority_level INTEGER NOT NULL,
    reason TEXT,
    initiated_by TEXT,
    approved_by TEXT,
    audit_before TEXT,
    audit_after TEXT,
    executed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    reverted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_guardian_actions_target ON guardian_actions(target_entity_id);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    payload TEXT,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id);
`
