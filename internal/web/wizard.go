package web

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engine"
)

// ticketWizardData holds the collected fields across the ticket-creation
// wizard's steps, scoped down to the fields CreateTicketRequest actually
// accepts.
type ticketWizardData struct {
	Title       string
	Description string
	Priority    string
	PhaseID     string
	Tags        string
}

// ticketWizardSession tracks one in-flight wizard session, keyed by a
// random id the hidden form field round-trips, held in an in-memory map.
type ticketWizardSession struct {
	ID        string
	Step      int
	Data      ticketWizardData
	UpdatedAt time.Time
}

var (
	wizardSessions   = make(map[string]*ticketWizardSession)
	wizardSessionsMu sync.Mutex
)

const wizardStepCount = 3

// handleWizard renders the ticket-creation wizard, creating a fresh
// session if none is referenced by the session query parameter.
func (s *Server) handleWizard(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")

	wizardSessionsMu.Lock()
	session, ok := wizardSessions[sessionID]
	if !ok {
		session = &ticketWizardSession{
			ID:        uuid.New().String(),
			Step:      1,
			Data:      ticketWizardData{Priority: string(domain.PriorityMedium)},
			UpdatedAt: time.Now(),
		}
		wizardSessions[session.ID] = session
	}
	wizardSessionsMu.Unlock()

	s.render(w, "wizard.html", map[string]any{
		"Title":     "New Ticket",
		"Step":      session.Step,
		"Steps":     wizardStepCount,
		"SessionID": session.ID,
		"Data":      session.Data,
	})
}

// apiWizard advances the wizard, or on the final step creates the ticket
// through engine.CreateTicket and redirects the browser back to the board.
func (s *Server) apiWizard(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.jsonError(w, "invalid form data", http.StatusBadRequest)
		return
	}
	sessionID := r.FormValue("session_id")
	action := r.FormValue("action")

	wizardSessionsMu.Lock()
	session, ok := wizardSessions[sessionID]
	if !ok {
		session = &ticketWizardSession{ID: sessionID, Step: 1, Data: ticketWizardData{Priority: string(domain.PriorityMedium)}}
		wizardSessions[sessionID] = session
	}
	wizardSessionsMu.Unlock()

	applyWizardForm(&session.Data, r)
	session.UpdatedAt = time.Now()

	switch action {
	case "back":
		if session.Step > 1 {
			session.Step--
		}
	case "next":
		if session.Step < wizardStepCount {
			session.Step++
		}
	case "create":
		id, err := s.engine.CreateTicket(r.Context(), engine.CreateTicketRequest{
			Title:       session.Data.Title,
			Description: session.Data.Description,
			Priority:    domain.Priority(session.Data.Priority),
			PhaseID:     session.Data.PhaseID,
			Tags:        splitTags(session.Data.Tags),
		})
		if err != nil {
			s.logger.Error("create ticket from wizard", "error", err)
			s.jsonError(w, err.Error(), httpStatusFor(err))
			return
		}

		wizardSessionsMu.Lock()
		delete(wizardSessions, sessionID)
		wizardSessionsMu.Unlock()

		w.Header().Set("HX-Trigger", "board-update")
		w.Header().Set("HX-Redirect", "/tickets/"+id)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.render(w, "wizard.html", map[string]any{
		"Title":     "New Ticket",
		"Step":      session.Step,
		"Steps":     wizardStepCount,
		"SessionID": session.ID,
		"Data":      session.Data,
	})
}

func applyWizardForm(d *ticketWizardData, r *http.Request) {
	if v := r.FormValue("title"); v != "" {
		d.Title = v
	}
	if v := r.FormValue("description"); v != "" {
		d.Description = v
	}
	if v := r.FormValue("priority"); v != "" {
		d.Priority = v
	}
	if v := r.FormValue("phase_id"); v != "" {
		d.PhaseID = v
	}
	if v := r.FormValue("tags"); v != "" {
		d.Tags = v
	}
}

// splitTags turns a comma-separated form field into a trimmed, non-empty
// label slice.
func splitTags(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// cleanupWizardSessions drops sessions idle for more than a day;
// Server.Start runs it hourly via sweepWizardSessions.
func cleanupWizardSessions() {
	wizardSessionsMu.Lock()
	defer wizardSessionsMu.Unlock()
	cutoff := time.Now().Add(-24 * time.Hour)
	for id, session := range wizardSessions {
		if session.UpdatedAt.Before(cutoff) {
			delete(wizardSessions, id)
		}
	}
}
