package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zephy0808/mailcampaign/internal/models"
)

// handleListEmails handles GET /api/emails?campanha=&status=
func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := models.EmailListFilter{
		CampaignID: r.URL.Query().Get("campanha"),
		Status:     models.EmailStatus(r.URL.Query().Get("status")),
		Limit:      limit,
		Offset:     offset,
	}

	records, total, err := s.Emails.List(filter)
	if err != nil {
		s.sendServiceError(w, err, "list emails")
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: records, Total: total, Limit: limit, Offset: offset})
}

// handleGetEmail handles GET /api/emails/{id}
func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Emails.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "get email")
		return
	}
	if rec == nil {
		s.sendError(w, http.StatusNotFound, "Email not found")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleListReports handles GET /api/relatorios
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	list, err := s.Reports.List()
	if err != nil {
		s.sendServiceError(w, err, "list reports")
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: list, Total: len(list)})
}

// handleGetReport handles GET /api/relatorios/{id}, where id is the campaign ID
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Reports.GetByCampaign(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "get report")
		return
	}
	if rep == nil {
		s.sendError(w, http.StatusNotFound, "Report not found")
		return
	}
	s.sendJSON(w, http.StatusOK, rep)
}

// handleRefreshReport handles POST /api/relatorios/{id}/atualizar
func (s *Server) handleRefreshReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Aggregator.RecomputeIfExists(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "refresh report")
		return
	}
	if rep == nil {
		s.sendError(w, http.StatusNotFound, "Report not found")
		return
	}
	s.sendJSON(w, http.StatusOK, rep)
}

// handleExportReports handles GET /api/relatorios/exportar
func (s *Server) handleExportReports(w http.ResponseWriter, r *http.Request) {
	list, err := s.Aggregator.RefreshAll()
	if err != nil {
		s.sendServiceError(w, err, "refresh reports")
		return
	}
	s.sendCSV(w, "relatorios.csv", list)
}
