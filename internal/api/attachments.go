package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zephy0808/mailcampaign/internal/models"
)

// handleListAttachments handles GET /api/anexos?campanha=
func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campanha")
	if campaignID == "" {
		s.sendError(w, http.StatusBadRequest, "campanha is required")
		return
	}

	attachments, err := s.Attachments.ListByCampaign(campaignID)
	if err != nil {
		s.sendServiceError(w, err, "list attachments")
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: attachments, Total: len(attachments)})
}

// handleUploadAttachment handles POST /api/anexos (multipart: campanha, arquivo)
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.storage.MaxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid multipart upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	campaignID := r.FormValue("campanha")
	campaign, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		s.sendServiceError(w, err, "load campaign")
		return
	}
	if campaign == nil {
		s.sendError(w, http.StatusBadRequest, "Unknown campaign")
		return
	}

	file, header, err := r.FormFile("arquivo")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "arquivo is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	rel := filepath.Join(campaign.ID, uuid.New().String()+filepath.Ext(name))
	if err := s.storeFile(rel, file); err != nil {
		s.logger.Error("failed to store attachment", "campaign_id", campaign.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store attachment")
		return
	}

	att := &models.Attachment{
		CampaignID:  campaign.ID,
		FilePath:    rel,
		Name:        name,
		ContentType: header.Header.Get("Content-Type"),
	}
	if err := s.Attachments.Create(att); err != nil {
		os.Remove(filepath.Join(s.storage.AttachmentsDir, rel))
		s.sendServiceError(w, err, "create attachment")
		return
	}

	s.logger.Info("attachment uploaded", "campaign_id", campaign.ID, "attachment_id", att.ID, "name", name)
	s.sendJSON(w, http.StatusCreated, att)
}

// handleGetAttachment handles GET /api/anexos/{id}
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	att, ok := s.loadAttachment(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, att)
}

// handleDeleteAttachment handles DELETE /api/anexos/{id}
func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	att, ok := s.loadAttachment(w, r)
	if !ok {
		return
	}

	if err := s.Attachments.Delete(att.ID); err != nil {
		s.sendServiceError(w, err, "delete attachment")
		return
	}
	if !filepath.IsAbs(att.FilePath) {
		if err := os.Remove(filepath.Join(s.storage.AttachmentsDir, att.FilePath)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove attachment file", "attachment_id", att.ID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeFile(rel string, src io.Reader) error {
	path := filepath.Join(s.storage.AttachmentsDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create attachment directory: %w", err)
	}

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}

func (s *Server) loadAttachment(w http.ResponseWriter, r *http.Request) (*models.Attachment, bool) {
	id := chi.URLParam(r, "id")
	att, err := s.Attachments.GetByID(id)
	if err != nil {
		s.sendServiceError(w, err, "get attachment")
		return nil, false
	}
	if att == nil {
		s.sendError(w, http.StatusNotFound, "Attachment not found")
		return nil, false
	}
	return att, true
}
