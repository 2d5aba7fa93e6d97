package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zephy0808/mailcampaign/internal/models"
)

type EmailRepository struct {
	db *sql.DB
}

func NewEmailRepository(db *sql.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

const emailColumns = `e.id, e.campaign_id, e.client_id, COALESCE(c.email, ''), e.status, e.error,
	e.sent_at, e.opened_at, e.clicked_at, e.responded_at, e.created_at`

// CreateForClients creates a pending record for every client that has none yet
// in the campaign. Existing records are left untouched, so calling it again with
// the same audience creates nothing. Returns the number of records created.
func (r *EmailRepository) CreateForClients(campaignID string, clientIDs []string) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO email_records (id, campaign_id, client_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	created := 0
	for _, clientID := range clientIDs {
		res, err := stmt.Exec(uuid.New().String(), campaignID, clientID, models.EmailPending, now)
		if err != nil {
			return 0, fmt.Errorf("failed to create email record for client %s: %w", clientID, err)
		}
		n, _ := res.RowsAffected()
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

// GetByID returns an email record by its tracking ID
func (r *EmailRepository) GetByID(id string) (*models.EmailRecord, error) {
	e, err := scanEmail(r.db.QueryRow(`SELECT `+emailColumns+`
		FROM email_records e LEFT JOIN clients c ON c.id = e.client_id
		WHERE e.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// List returns email records with optional filtering
func (r *EmailRepository) List(filter models.EmailListFilter) ([]models.EmailRecord, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.CampaignID != "" {
		where += " AND e.campaign_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.Status != "" {
		where += " AND e.status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM email_records e"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + emailColumns + `
		FROM email_records e LEFT JOIN clients c ON c.id = e.client_id` + where + " ORDER BY e.created_at, e.id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	records, err := r.queryEmails(query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// GetPending returns every pending record of a campaign
func (r *EmailRepository) GetPending(campaignID string) ([]models.EmailRecord, error) {
	return r.queryEmails(`SELECT `+emailColumns+`
		FROM email_records e LEFT JOIN clients c ON c.id = e.client_id
		WHERE e.campaign_id = ? AND e.status = ?
		ORDER BY e.created_at, e.id`, campaignID, models.EmailPending)
}

// CountPending returns the number of pending records of a campaign
func (r *EmailRepository) CountPending(campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM email_records WHERE campaign_id = ? AND status = ?",
		campaignID, models.EmailPending).Scan(&n)
	return n, err
}

// CountAllPending returns the number of pending records across all campaigns
func (r *EmailRepository) CountAllPending() (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM email_records WHERE status = ?", models.EmailPending).Scan(&n)
	return n, err
}

// MarkSent moves a pending record to sent
func (r *EmailRepository) MarkSent(id string, at time.Time) error {
	return r.completeDelivery(id, models.EmailSent, "", at)
}

// MarkFailed moves a pending record to failed and keeps the cause
func (r *EmailRepository) MarkFailed(id string, cause string) error {
	return r.completeDelivery(id, models.EmailFailed, cause, time.Time{})
}

func (r *EmailRepository) completeDelivery(id string, to models.EmailStatus, cause string, at time.Time) error {
	var sentAt any
	if to == models.EmailSent {
		sentAt = at
	}

	res, err := r.db.Exec(`
		UPDATE email_records SET status = ?, error = ?, sent_at = COALESCE(?, sent_at)
		WHERE id = ? AND status = ?`,
		to, cause, sentAt, id, models.EmailPending,
	)
	if err != nil {
		return fmt.Errorf("failed to update email record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: email %s is no longer pending", models.ErrInvalidTransition, id)
	}
	return nil
}

// RecordEngagement applies an open, click or response event to a record.
// Events that a record has already moved past are acknowledged without change,
// and each engagement timestamp is set only the first time. A click or
// response also stamps the earlier engagement timestamps if they are missing.
// Returns the updated record, or nil if the record does not exist.
func (r *EmailRepository) RecordEngagement(id string, event models.EmailStatus, at time.Time) (*models.EmailRecord, error) {
	rec, err := r.GetByID(id)
	if err != nil || rec == nil {
		return nil, err
	}

	if rec.Status.Supersedes(event) {
		return rec, nil
	}
	if err := rec.Status.CheckTransition(event); err != nil {
		return nil, err
	}

	var query string
	args := []any{event, at}
	switch event {
	case models.EmailOpened:
		query = "UPDATE email_records SET status = ?, opened_at = COALESCE(opened_at, ?)"
	case models.EmailClicked:
		query = "UPDATE email_records SET status = ?, opened_at = COALESCE(opened_at, ?), clicked_at = COALESCE(clicked_at, ?)"
		args = append(args, at)
	case models.EmailResponded:
		query = "UPDATE email_records SET status = ?, opened_at = COALESCE(opened_at, ?), responded_at = COALESCE(responded_at, ?)"
		args = append(args, at)
	default:
		return nil, fmt.Errorf("%w: %s is not an engagement event", models.ErrInvalidTransition, event)
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, rec.Status)

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", event, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another event won the race; re-read and re-apply against the new state
		return r.RecordEngagement(id, event, at)
	}

	return r.GetByID(id)
}

// ResetFailed moves every failed record of a campaign back to pending
func (r *EmailRepository) ResetFailed(campaignID string) (int, error) {
	res, err := r.db.Exec(`
		UPDATE email_records SET status = ?, error = '' WHERE campaign_id = ? AND status = ?`,
		models.EmailPending, campaignID, models.EmailFailed)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetStats returns per-status counts over all records of a campaign
func (r *EmailRepository) GetStats(campaignID string) (models.EmailStats, error) {
	var stats models.EmailStats
	err := r.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'opened' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'clicked' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'responded' THEN 1 ELSE 0 END), 0)
		FROM email_records WHERE campaign_id = ?`, campaignID,
	).Scan(&stats.Total, &stats.Pending, &stats.Sent, &stats.Failed, &stats.Opened, &stats.Clicked, &stats.Responded)
	return stats, err
}

func (r *EmailRepository) queryEmails(query string, args ...any) ([]models.EmailRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.EmailRecord{}
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *e)
	}
	return records, rows.Err()
}

func scanEmail(row rowScanner) (*models.EmailRecord, error) {
	e := &models.EmailRecord{}
	var sentAt, openedAt, clickedAt, respondedAt sql.NullTime

	err := row.Scan(&e.ID, &e.CampaignID, &e.ClientID, &e.ClientEmail, &e.Status, &e.Error,
		&sentAt, &openedAt, &clickedAt, &respondedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	if openedAt.Valid {
		e.OpenedAt = &openedAt.Time
	}
	if clickedAt.Valid {
		e.ClickedAt = &clickedAt.Time
	}
	if respondedAt.Valid {
		e.RespondedAt = &respondedAt.Time
	}
	return e, nil
}
