package web

import "net/http"

// partialBoard returns just the board column markup for an htmx refresh.
func (s *Server) partialBoard(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.engine.Store.ListAllTickets(r.Context())
	if err != nil {
		s.logger.Error("list tickets", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data := map[string]any{
		"Columns": s.groupTicketsByPhase(tickets),
		"Health":  s.engine.Health.LastHealth(),
	}
	s.render(w, "partials/board_content.html", data)
}

// partialTicket returns a single ticket card for htmx.
func (s *Server) partialTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ticket, err := s.engine.GetTicket(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.render(w, "partials/ticket_card.html", ticket)
}
