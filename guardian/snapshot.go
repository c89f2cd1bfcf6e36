package guardian

import (
	"encoding/json"

	"github.com/rivergate/foreman/domain"
)

// taskSnapshot is the audit_before/audit_after shape recorded for
// cancel_task and override_priority — just the fields a reviewer would
// need to understand what changed, not the full row.
type taskSnapshot struct {
	Status          domain.TaskStatus `json:"status"`
	Priority        domain.Priority   `json:"priority"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
}

func snapshotTask(t *domain.Task) json.RawMessage {
	body, _ := json.Marshal(taskSnapshot{Status: t.Status, Priority: t.Priority, AssignedAgentID: t.AssignedAgentID})
	return body
}

// reallocationSnapshot is the audit_before/audit_after shape recorded for
// reallocate_capacity.
type reallocationSnapshot struct {
	FromAgentID     string `json:"from_agent_id"`
	FromCapacity    int    `json:"from_capacity"`
	FromCurrentLoad int    `json:"from_current_load"`
	ToAgentID       string `json:"to_agent_id"`
	ToCapacity      int    `json:"to_capacity"`
	ToCurrentLoad   int    `json:"to_current_load"`
	Amount          int    `json:"amount"`
}

func snapshotReallocation(from, to *domain.Agent, amount int) json.RawMessage {
	body, _ := json.Marshal(reallocationSnapshot{
		FromAgentID: from.ID, FromCapacity: from.Capacity, FromCurrentLoad: from.CurrentLoad,
		ToAgentID: to.ID, ToCapacity: to.Capacity, ToCurrentLoad: to.CurrentLoad,
		Amount: amount,
	})
	return body
}
