package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zephy0808/mailcampaign/internal/models"
)

type ReportRepository struct {
	db *sql.DB
}

func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

const reportColumns = `r.campaign_id, COALESCE(c.title, ''), r.total_sent, r.total_opened, r.total_clicked,
	r.total_responded, r.open_rate, r.click_rate, r.response_rate, r.updated_at`

// GetOrCreate returns the report of a campaign, creating an empty one if none exists
func (r *ReportRepository) GetOrCreate(campaignID string) (*models.Report, error) {
	_, err := r.db.Exec(`INSERT OR IGNORE INTO reports (campaign_id, updated_at) VALUES (?, ?)`,
		campaignID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	return r.GetByCampaign(campaignID)
}

// GetByCampaign returns the report of a campaign
func (r *ReportRepository) GetByCampaign(campaignID string) (*models.Report, error) {
	rep, err := scanReport(r.db.QueryRow(`SELECT `+reportColumns+`
		FROM reports r LEFT JOIN campaigns c ON c.id = r.campaign_id
		WHERE r.campaign_id = ?`, campaignID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rep, err
}

// List returns all reports ordered by campaign creation
func (r *ReportRepository) List() ([]models.Report, error) {
	rows, err := r.db.Query(`SELECT ` + reportColumns + `
		FROM reports r LEFT JOIN campaigns c ON c.id = r.campaign_id
		ORDER BY c.created_at, r.campaign_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []models.Report{}
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *rep)
	}
	return reports, rows.Err()
}

// Save persists the counts and rates of a report
func (r *ReportRepository) Save(rep *models.Report) error {
	rep.UpdatedAt = time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE reports SET total_sent = ?, total_opened = ?, total_clicked = ?, total_responded = ?,
			open_rate = ?, click_rate = ?, response_rate = ?, updated_at = ?
		WHERE campaign_id = ?`,
		rep.TotalSent, rep.TotalOpened, rep.TotalClicked, rep.TotalResponded,
		rep.OpenRate, rep.ClickRate, rep.ResponseRate, rep.UpdatedAt, rep.CampaignID,
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func scanReport(row rowScanner) (*models.Report, error) {
	rep := &models.Report{}
	err := row.Scan(&rep.CampaignID, &rep.CampaignTitle, &rep.TotalSent, &rep.TotalOpened, &rep.TotalClicked,
		&rep.TotalResponded, &rep.OpenRate, &rep.ClickRate, &rep.ResponseRate, &rep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rep, nil
}
