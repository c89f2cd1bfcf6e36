package web

import (
	"net/http"

	"github.com/rivergate/foreman/domain"
)

// boardColumn groups tickets under one phase for the board view, one
// column per entry in the engine's phase catalog.
type boardColumn struct {
	Phase   domain.Phase
	Tickets []domain.Ticket
}

func (s *Server) groupTicketsByPhase(tickets []domain.Ticket) []boardColumn {
	byPhase := make(map[string][]domain.Ticket)
	for _, t := range tickets {
		byPhase[t.PhaseID] = append(byPhase[t.PhaseID], t)
	}
	columns := make([]boardColumn, 0, len(byPhase))
	for _, p := range s.engine.Catalog.All() {
		columns = append(columns, boardColumn{Phase: p, Tickets: byPhase[p.ID]})
	}
	return columns
}

// handleBoard renders the main dashboard view: every ticket grouped by
// its current phase, plus the latest system health snapshot.
func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tickets, err := s.engine.Store.ListAllTickets(ctx)
	if err != nil {
		s.logger.Error("list tickets", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"Title":   "Workflow Orchestration Dashboard",
		"Columns": s.groupTicketsByPhase(tickets),
		"Health":  s.engine.Health.LastHealth(),
	}
	s.render(w, "board.html", data)
}

// handleTicketDetail renders a single ticket's tasks and history.
func (s *Server) handleTicketDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	ticket, err := s.engine.GetTicket(ctx, id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	tasks, err := s.engine.Store.ListTasksByTicket(ctx, id)
	if err != nil {
		s.logger.Error("list tasks for ticket", "ticket_id", id, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	history, err := s.engine.Store.GetTicketHistory(ctx, id)
	if err != nil {
		s.logger.Error("get ticket history", "ticket_id", id, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	phase, _ := s.engine.Catalog.Get(ticket.PhaseID)

	data := map[string]any{
		"Title":   "Ticket " + ticket.ID,
		"Ticket":  ticket,
		"Tasks":   tasks,
		"History": history,
		"Phase":   phase,
	}
	s.render(w, "ticket_detail.html", data)
}

// handleAgents renders the current agent roster.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.engine.Store.ListAllAgents(r.Context())
	if err != nil {
		s.logger.Error("list agents", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data := map[string]any{"Title": "Agents", "Agents": agents}
	s.render(w, "agents.html", data)
}

// handleHealthPage renders the most recent system health report.
func (s *Server) handleHealthPage(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"Title": "System Health", "Health": s.engine.Health.LastHealth()}
	s.render(w, "health.html", data)
}
