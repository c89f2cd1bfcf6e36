package web

import (
	"encoding/json"
	"net/http"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engerr"
	"github.com/rivergate/foreman/engine"
)

// httpStatusFor maps the engine's closed error-kind taxonomy onto HTTP
// status codes, one status per Kind rather than a blanket 400/500.
func httpStatusFor(err error) int {
	switch engerr.KindOf(err) {
	case engerr.Validation:
		return http.StatusBadRequest
	case engerr.NotFound:
		return http.StatusNotFound
	case engerr.IllegalTransition, engerr.WrongAgent, engerr.StaleVersion:
		return http.StatusConflict
	case engerr.PermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) apiCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.engine.CreateTicket(r.Context(), req)
	if err != nil {
		s.logger.Error("create ticket", "error", err)
		s.jsonError(w, err.Error(), httpStatusFor(err))
		return
	}

	w.Header().Set("HX-Trigger", "board-update")
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) apiRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req engine.RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.engine.RegisterAgent(r.Context(), req)
	if err != nil {
		s.logger.Error("register agent", "error", err)
		s.jsonError(w, err.Error(), httpStatusFor(err))
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) apiCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled from dashboard"
	}

	if err := s.engine.CancelTask(r.Context(), id, body.Reason); err != nil {
		s.logger.Error("cancel task", "task_id", id, "error", err)
		s.jsonError(w, err.Error(), httpStatusFor(err))
		return
	}

	w.Header().Set("HX-Trigger", "board-update")
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) apiHealthSnapshot(w http.ResponseWriter, r *http.Request) {
	got := s.engine.Health.LastHealth()
	if got == nil {
		s.writeJSON(w, http.StatusOK, domain.SystemHealth{Status: domain.SystemHealthStable})
		return
	}
	s.writeJSON(w, http.StatusOK, got)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode json response", "error", err)
	}
}
