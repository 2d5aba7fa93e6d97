package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zephy0808/mailcampaign/internal/models"
)

type AttachmentRepository struct {
	db *sql.DB
}

func NewAttachmentRepository(db *sql.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create registers an attachment for a campaign
func (r *AttachmentRepository) Create(a *models.Attachment) error {
	a.ID = uuid.New().String()
	a.UploadedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO attachments (id, campaign_id, file_path, name, content_type, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.CampaignID, a.FilePath, a.Name, a.ContentType, a.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create attachment: %w", err)
	}
	return nil
}

// GetByID returns an attachment by ID
func (r *AttachmentRepository) GetByID(id string) (*models.Attachment, error) {
	a := &models.Attachment{}
	err := r.db.QueryRow(`
		SELECT id, campaign_id, file_path, name, content_type, uploaded_at FROM attachments WHERE id = ?`, id,
	).Scan(&a.ID, &a.CampaignID, &a.FilePath, &a.Name, &a.ContentType, &a.UploadedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListByCampaign returns the attachments of a campaign in upload order
func (r *AttachmentRepository) ListByCampaign(campaignID string) ([]models.Attachment, error) {
	rows, err := r.db.Query(`
		SELECT id, campaign_id, file_path, name, content_type, uploaded_at
		FROM attachments WHERE campaign_id = ? ORDER BY uploaded_at, id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attachments := []models.Attachment{}
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.FilePath, &a.Name, &a.ContentType, &a.UploadedAt); err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// Delete deletes an attachment record
func (r *AttachmentRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM attachments WHERE id = ?", id)
	return err
}
