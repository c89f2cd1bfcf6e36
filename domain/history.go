package domain

import "time"

// TicketHistoryEntry records one status transition of a ticket, distinct
// from the Guardian's audit log: it covers every ordinary phase/status
// change, not just authority-gated interventions.
type TicketHistoryEntry struct {
	Status TicketStatus `json:"status"`
	At     time.Time    `json:"at"`
	By     string       `json:"by"` // agent id, "system", or "guardian"
	Note   string       `json:"note,omitempty"`
}

// SystemHealthStatus summarizes the overall health of the pipeline for
// human supervisors. Derived/read-only; never authoritative state.
type SystemHealthStatus string

const (
	SystemHealthStable       SystemHealthStatus = "stable"
	SystemHealthThrashing    SystemHealthStatus = "thrashing"
	SystemHealthReworking    SystemHealthStatus = "reworking"
	SystemHealthAccumulating SystemHealthStatus = "accumulating"
	SystemHealthStalled      SystemHealthStatus = "stalled"
)

// SystemHealth is a computed, point-in-time report. The Health Monitor
// produces it from store state; nothing treats it as authoritative.
type SystemHealth struct {
	Status           SystemHealthStatus `json:"status"`
	Message          string             `json:"message"`
	BlockedCount     int                `json:"blocked_count"`
	ActiveCount      int                `json:"active_count"`
	BlockedRatio     float64            `json:"blocked_ratio"`
	StuckTicketIDs   []string           `json:"stuck_ticket_ids,omitempty"`
	ComputedAt       time.Time          `json:"computed_at"`
}
