package health

import (
	"fmt"
	"time"

	"github.com/rivergate/foreman/domain"
)

// thrashingWindow and thrashingThreshold: a ticket is flagged once any
// single status appears at
// least this many times within the trailing window of its history. This
// is a supplemental signal folded into the dashboard-facing report
// alongside the literal stuck-ticket criteria below; it never gates
// diagnostic.stuck_detected emission on its own.
const (
	thrashingWindow    = 10
	thrashingThreshold = 3
	thrashingMinLen    = 6

	// DefaultStuckThresholdSeconds and DefaultCooldownSeconds are the
	// stuck workflow sweep's default parameters.
	DefaultStuckThresholdSeconds = 60
	DefaultCooldownSeconds       = 60
)

// stuckEvidence is the diagnostic.stuck_detected payload: ticket id,
// phase, and the evidence summary of recent task ids and outcomes.
type stuckEvidence struct {
	TicketID string        `json:"ticket_id"`
	PhaseID  string        `json:"phase_id"`
	Tasks    []taskOutcome `json:"tasks"`
}

type taskOutcome struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// evaluateStuckTicket applies the stuck workflow sweep's criteria (a)
// through (d): at least one task, all tasks terminal, no validated
// result, and at least thresholdSeconds since the last task activity.
// Criterion (e) — the per-ticket cooldown — is cooldown state the caller
// tracks from persisted diagnostic.stuck_detected events, not something
// this pure function can see.
func evaluateStuckTicket(tasks []domain.Task, resultValidated bool, now time.Time, thresholdSeconds int) (stuck bool, lastActivity time.Time) {
	if len(tasks) == 0 {
		return false, time.Time{}
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false, time.Time{}
		}
		activity := t.CreatedAt
		if t.StartedAt != nil && t.StartedAt.After(activity) {
			activity = *t.StartedAt
		}
		if t.CompletedAt != nil && t.CompletedAt.After(activity) {
			activity = *t.CompletedAt
		}
		if activity.After(lastActivity) {
			lastActivity = activity
		}
	}
	if resultValidated {
		return false, lastActivity
	}
	if now.Sub(lastActivity) < time.Duration(thresholdSeconds)*time.Second {
		return false, lastActivity
	}
	return true, lastActivity
}

// computeSystemHealth reduces a snapshot of active/blocked tickets, their
// status history, and the literal stuck-ticket ids this sweep already
// computed into the point-in-time domain.SystemHealth report. It tracks
// StuckTicketIDs directly rather than a separate rework-rate/avg-idle-time
// pair, and has no "reworking" cascade tier, since ticket history here
// tracks status transitions only, not phase-order regressions.
func computeSystemHealth(tickets []domain.Ticket, histories map[string][]domain.TicketHistoryEntry, stuckIDs []string, now time.Time) *domain.SystemHealth {
	var blocked, active int
	thrashing := make(map[string]bool)

	for _, t := range tickets {
		switch t.Status {
		case domain.TicketBlocked:
			blocked++
		case domain.TicketInProgress:
			active++
		}
		if isThrashing(histories[t.ID]) {
			thrashing[t.ID] = true
		}
	}

	total := blocked + active
	if total == 0 {
		return &domain.SystemHealth{
			Status:     domain.SystemHealthStable,
			Message:    "no active work in progress",
			ComputedAt: now,
		}
	}

	flagged := append([]string{}, stuckIDs...)
	for id := range thrashing {
		if !containsString(flagged, id) {
			flagged = append(flagged, id)
		}
	}

	blockedRatio := float64(blocked) / float64(total)
	health := &domain.SystemHealth{
		BlockedCount:   blocked,
		ActiveCount:    active,
		BlockedRatio:   blockedRatio,
		StuckTicketIDs: flagged,
		ComputedAt:     now,
	}

	switch {
	case len(stuckIDs) > 0 || len(thrashing) >= thrashingThreshold:
		health.Status = domain.SystemHealthThrashing
		health.Message = fmt.Sprintf("%d tickets stuck or cycling without progress", len(flagged))
	case active == 0 && blocked > 0:
		health.Status = domain.SystemHealthStalled
		health.Message = "all active work is blocked - intervention may be needed"
	case blockedRatio > 0.5:
		health.Status = domain.SystemHealthAccumulating
		health.Message = fmt.Sprintf("%d blocked vs %d active - blockers piling up", blocked, active)
	default:
		health.Status = domain.SystemHealthStable
		health.Message = fmt.Sprintf("%d active, %d blocked - normal operation", active, blocked)
	}
	return health
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// isThrashing reports whether any status appears thrashingThreshold or
// more times within the trailing thrashingWindow entries of history.
func isThrashing(history []domain.TicketHistoryEntry) bool {
	if len(history) < thrashingMinLen {
		return false
	}
	recent := history
	if len(recent) > thrashingWindow {
		recent = recent[len(recent)-thrashingWindow:]
	}
	counts := make(map[domain.TicketStatus]int, len(recent))
	for _, e := range recent {
		counts[e.Status]++
		if counts[e.Status] >= thrashingThreshold {
			return true
		}
	}
	return false
}
