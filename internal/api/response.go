package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/zephy0808/mailcampaign/internal/composer"
	"github.com/zephy0808/mailcampaign/internal/dispatch"
	"github.com/zephy0808/mailcampaign/internal/models"
)

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges an action
type StatusResponse struct {
	Status string `json:"status"`
}

// ListResponse wraps a page of results
type ListResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendServiceError maps domain errors to HTTP statuses
func (s *Server) sendServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, dispatch.ErrCampaignNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, models.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrDispatchInProgress):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, composer.ErrAttachmentUnreadable):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", "action", action, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pagination reads limit and offset query parameters
func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
