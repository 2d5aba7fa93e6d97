package api

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zephy0808/mailcampaign/internal/composer"
	"github.com/zephy0808/mailcampaign/internal/dispatch"
	"github.com/zephy0808/mailcampaign/internal/models"
	"github.com/zephy0808/mailcampaign/internal/reports"
)

// number of email records embedded in the campaign detail
const detailEmailLimit = 10

// CampaignRequest is the request body for creating or updating a campaign
type CampaignRequest struct {
	Title       string   `json:"titulo"`
	Description string   `json:"descricao"`
	Subject     string   `json:"assunto"`
	Body        string   `json:"corpo"`
	AllClients  bool     `json:"todos_clientes"`
	GroupIDs    []string `json:"grupos"`
}

// CampaignDetail is a campaign with its attachments, report and first email records
type CampaignDetail struct {
	*models.Campaign
	Attachments []models.Attachment  `json:"anexos"`
	Report      *models.Report       `json:"relatorio"`
	Emails      []models.EmailRecord `json:"emails"`
}

// ScheduleRequest is the request body for scheduling a campaign
type ScheduleRequest struct {
	ScheduledAt string `json:"data_agendamento"`
}

// SendTestRequest is the request body for sending a test email
type SendTestRequest struct {
	Email string `json:"email"`
}

// StartSendingResponse is the response for starting a campaign
type StartSendingResponse struct {
	Status  string `json:"status"`
	Created int    `json:"emails_criados"`
}

// RetryResponse is the response for re-queueing failed emails
type RetryResponse struct {
	Status string `json:"status"`
	Reset  int    `json:"reenfileirados"`
}

func (req *CampaignRequest) validate() string {
	switch {
	case strings.TrimSpace(req.Title) == "":
		return "titulo is required"
	case strings.TrimSpace(req.Subject) == "":
		return "assunto is required"
	case strings.TrimSpace(req.Body) == "":
		return "corpo is required"
	}
	return ""
}

// handleListCampaigns handles GET /api/campanhas
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := models.CampaignListFilter{
		Search: r.URL.Query().Get("search"),
		Status: models.CampaignStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	campaigns, total, err := s.Campaigns.List(filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	s.sendJSON(w, http.StatusOK, ListResponse{Items: campaigns, Total: total, Limit: limit, Offset: offset})
}

// handleCreateCampaign handles POST /api/campanhas
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}
	if !s.checkGroups(w, req.GroupIDs) {
		return
	}

	campaign := &models.Campaign{
		Title:       req.Title,
		Description: req.Description,
		Subject:     req.Subject,
		Body:        req.Body,
		AllClients:  req.AllClients,
		GroupIDs:    req.GroupIDs,
	}
	if user := userFromContext(r.Context()); user != nil {
		campaign.CreatedBy = user.ID
	}

	if err := s.Campaigns.Create(campaign); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created", "campaign_id", campaign.ID, "title", campaign.Title)
	s.sendJSON(w, http.StatusCreated, campaign)
}

// handleGetCampaign handles GET /api/campanhas/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	detail := CampaignDetail{Campaign: campaign}
	var err error
	if detail.Attachments, err = s.Attachments.ListByCampaign(campaign.ID); err != nil {
		s.sendServiceError(w, err, "load attachments")
		return
	}
	if detail.Report, err = s.Reports.GetByCampaign(campaign.ID); err != nil {
		s.sendServiceError(w, err, "load report")
		return
	}
	if detail.Emails, _, err = s.Emails.List(models.EmailListFilter{CampaignID: campaign.ID, Limit: detailEmailLimit}); err != nil {
		s.sendServiceError(w, err, "load emails")
		return
	}

	s.sendJSON(w, http.StatusOK, detail)
}

// handleUpdateCampaign handles PUT /api/campanhas/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	switch campaign.Status {
	case models.CampaignDraft, models.CampaignScheduled, models.CampaignFailed:
	default:
		s.sendError(w, http.StatusConflict, "A "+string(campaign.Status)+" campaign cannot be edited")
		return
	}

	var req CampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}
	if !s.checkGroups(w, req.GroupIDs) {
		return
	}

	campaign.Title = req.Title
	campaign.Description = req.Description
	campaign.Subject = req.Subject
	campaign.Body = req.Body
	campaign.AllClients = req.AllClients
	campaign.GroupIDs = req.GroupIDs

	if err := s.Campaigns.Update(campaign); err != nil {
		s.sendServiceError(w, err, "update campaign")
		return
	}

	s.sendJSON(w, http.StatusOK, campaign)
}

// handleDeleteCampaign handles DELETE /api/campanhas/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	if campaign.Status == models.CampaignSending {
		s.sendError(w, http.StatusConflict, "A sending campaign cannot be deleted; cancel it first")
		return
	}

	if err := s.Campaigns.Delete(campaign.ID); err != nil {
		s.sendServiceError(w, err, "delete campaign")
		return
	}

	s.logger.Info("campaign deleted", "campaign_id", campaign.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleScheduleCampaign handles POST /api/campanhas/{id}/agendar
func (s *Server) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ScheduledAt == "" {
		s.sendError(w, http.StatusBadRequest, "data_agendamento is required")
		return
	}
	when, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "data_agendamento must be an RFC 3339 timestamp")
		return
	}

	campaign, err := s.Engine.Schedule(r.Context(), chi.URLParam(r, "id"), when)
	if err != nil {
		s.sendServiceError(w, err, "schedule campaign")
		return
	}

	s.sendJSON(w, http.StatusOK, campaign)
}

// handleStartSending handles POST /api/campanhas/{id}/iniciar_envio
func (s *Server) handleStartSending(w http.ResponseWriter, r *http.Request) {
	_, created, err := s.Engine.StartSending(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "start sending")
		return
	}

	s.sendJSON(w, http.StatusOK, StartSendingResponse{
		Status:  "Envio de campanha iniciado com sucesso",
		Created: created,
	})
}

// handleCancelCampaign handles POST /api/campanhas/{id}/cancelar
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.Engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "cancel campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, campaign)
}

// handleSendTest handles POST /api/campanhas/{id}/enviar_teste
func (s *Server) handleSendTest(w http.ResponseWriter, r *http.Request) {
	var req SendTestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" {
		s.sendError(w, http.StatusBadRequest, "email is required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid email")
		return
	}

	err := s.Engine.SendTest(r.Context(), chi.URLParam(r, "id"), req.Email)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrCampaignNotFound), errors.Is(err, composer.ErrAttachmentUnreadable):
		s.sendServiceError(w, err, "send test email")
		return
	default:
		s.logger.Warn("test email failed", "campaign_id", chi.URLParam(r, "id"), "error", err)
		s.sendError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, StatusResponse{Status: "Email de teste enviado com sucesso"})
}

// handleRetryFailed handles POST /api/campanhas/{id}/reenviar_falhas
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.Engine.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "retry failed emails")
		return
	}
	s.sendJSON(w, http.StatusOK, RetryResponse{Status: "Falhas reenfileiradas", Reset: n})
}

// handleCampaignStats handles GET /api/campanhas/{id}/estatisticas
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	rep, err := s.Aggregator.Refresh(campaign.ID)
	if err != nil {
		s.sendServiceError(w, err, "compute statistics")
		return
	}
	s.sendJSON(w, http.StatusOK, rep)
}

// handleExportCampaignReport handles GET /api/campanhas/{id}/exportar_relatorio
func (s *Server) handleExportCampaignReport(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	rep, err := s.Aggregator.Refresh(campaign.ID)
	if err != nil {
		s.sendServiceError(w, err, "compute report")
		return
	}

	s.sendCSV(w, "relatorio_"+campaign.Title+".csv", []models.Report{*rep})
}

// sendCSV renders reports as a CSV download
func (s *Server) sendCSV(w http.ResponseWriter, filename string, rows []models.Report) {
	var buf bytes.Buffer
	if err := reports.ExportCSV(&buf, rows); err != nil {
		s.sendServiceError(w, err, "export report")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) checkGroups(w http.ResponseWriter, ids []string) bool {
	for _, id := range ids {
		g, err := s.Groups.GetByID(id)
		if err != nil {
			s.sendServiceError(w, err, "load group")
			return false
		}
		if g == nil {
			s.sendError(w, http.StatusBadRequest, "Unknown group: "+id)
			return false
		}
	}
	return true
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	campaign, err := s.Campaigns.GetByID(id)
	if err != nil {
		s.logger.Error("failed to get campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return nil, false
	}
	if campaign == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return campaign, true
}
