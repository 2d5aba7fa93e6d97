package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zephy0808/mailcampaign/internal/metrics"
	"github.com/zephy0808/mailcampaign/internal/models"
)

// transparentGIF is a 1x1 transparent GIF89a
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0xff, 0xff,
	0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// ClickResponse is the response for the click endpoint
type ClickResponse struct {
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
}

// handleTrackOpen handles GET /api/emails/{id}/rastreamento.
// The pixel is always served; unknown or unsent records are left alone.
func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.Emails.RecordEngagement(id, models.EmailOpened, s.now())
	switch {
	case err == nil && rec != nil:
		metrics.IncTrackingEvent(string(models.EmailOpened))
		s.refreshReport(rec.CampaignID)
	case errors.Is(err, models.ErrInvalidTransition):
		s.logger.Debug("open ignored", "record_id", id, "error", err)
	case err != nil:
		s.logger.Error("failed to record open", "record_id", id, "error", err)
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

// handleTrackClick handles GET|POST /api/emails/{id}/clique?url=
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	s.trackEngagement(w, r, models.EmailClicked, func(w http.ResponseWriter) {
		redirect := r.URL.Query().Get("url")
		if redirect == "" {
			redirect = "/"
		}
		s.sendJSON(w, http.StatusOK, ClickResponse{Status: "Clique registrado", RedirectURL: redirect})
	})
}

// handleTrackResponse handles POST /api/emails/{id}/resposta
func (s *Server) handleTrackResponse(w http.ResponseWriter, r *http.Request) {
	s.trackEngagement(w, r, models.EmailResponded, func(w http.ResponseWriter) {
		s.sendJSON(w, http.StatusOK, StatusResponse{Status: "Resposta registrada"})
	})
}

func (s *Server) trackEngagement(w http.ResponseWriter, r *http.Request, event models.EmailStatus, respond func(http.ResponseWriter)) {
	id := chi.URLParam(r, "id")

	rec, err := s.Emails.RecordEngagement(id, event, s.now())
	if errors.Is(err, models.ErrInvalidTransition) {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to record engagement", "record_id", id, "event", event, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}
	if rec == nil {
		s.sendError(w, http.StatusNotFound, "Email not found")
		return
	}

	metrics.IncTrackingEvent(string(event))
	s.refreshReport(rec.CampaignID)
	respond(w)
}

// refreshReport recomputes the report of a campaign if it has one
func (s *Server) refreshReport(campaignID string) {
	if s.Aggregator == nil {
		return
	}
	if _, err := s.Aggregator.RecomputeIfExists(campaignID); err != nil {
		s.logger.Warn("failed to refresh report", "campaign_id", campaignID, "error", err)
	}
}
