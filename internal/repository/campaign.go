package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zephy0808/mailcampaign/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, title, description, subject, body, status, created_by, all_clients,
	created_at, updated_at, scheduled_at, send_started_at, send_finished_at`

// Create creates a new campaign in draft status together with its target groups
func (r *CampaignRepository) Create(c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.Status = models.CampaignDraft
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO campaigns (id, title, description, subject, body, status, created_by, all_clients, created_at, updated_at, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, c.Subject, c.Body, c.Status, nullString(c.CreatedBy), c.AllClients,
		c.CreatedAt, c.UpdatedAt, c.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	if err := setCampaignGroups(tx, c.ID, c.GroupIDs); err != nil {
		return err
	}

	return tx.Commit()
}

// GetByID returns a campaign by ID including its target group IDs
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRow("SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.GroupIDs, err = r.GetGroupIDs(id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetGroupIDs returns the target group IDs of a campaign
func (r *CampaignRepository) GetGroupIDs(campaignID string) ([]string, error) {
	rows, err := r.db.Query("SELECT group_id FROM campaign_groups WHERE campaign_id = ? ORDER BY group_id", campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns campaigns with optional filtering. Group IDs are not loaded.
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Search != "" {
		where += " AND (title LIKE ? OR description LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + campaignColumns + " FROM campaigns" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	campaigns, err := r.queryCampaigns(query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ListByStatus returns all campaigns currently in the given status
func (r *CampaignRepository) ListByStatus(status models.CampaignStatus) ([]models.Campaign, error) {
	return r.queryCampaigns("SELECT "+campaignColumns+" FROM campaigns WHERE status = ? ORDER BY created_at", status)
}

// CountByStatus returns the number of campaigns per status
func (r *CampaignRepository) CountByStatus() (map[string]int, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM campaigns GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GetScheduledDue returns scheduled campaigns whose schedule time is at or before now
func (r *CampaignRepository) GetScheduledDue(now time.Time) ([]models.Campaign, error) {
	scheduled, err := r.queryCampaigns(`SELECT `+campaignColumns+` FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL ORDER BY scheduled_at`, models.CampaignScheduled)
	if err != nil {
		return nil, err
	}

	due := []models.Campaign{}
	for _, c := range scheduled {
		if !c.ScheduledAt.After(now) {
			due = append(due, c)
		}
	}
	return due, nil
}

// Update updates the editable content of a campaign and replaces its target groups
func (r *CampaignRepository) Update(c *models.Campaign) error {
	c.UpdatedAt = time.Now().UTC()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE campaigns SET title = ?, description = ?, subject = ?, body = ?, all_clients = ?, updated_at = ?
		WHERE id = ?`,
		c.Title, c.Description, c.Subject, c.Body, c.AllClients, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM campaign_groups WHERE campaign_id = ?", c.ID); err != nil {
		return err
	}
	if err := setCampaignGroups(tx, c.ID, c.GroupIDs); err != nil {
		return err
	}

	return tx.Commit()
}

// Delete deletes a campaign; attachments, email records and report are removed by cascade
func (r *CampaignRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM campaigns WHERE id = ?", id)
	return err
}

// Transition moves a campaign to a new status if the transition table allows it.
// The update is a compare-and-swap on the current status so concurrent writers
// cannot both succeed from the same state. Entering sending stamps send_started_at,
// entering completed stamps send_finished_at and entering scheduled sets scheduled_at
// to at.
func (r *CampaignRepository) Transition(id string, to models.CampaignStatus, at time.Time) (*models.Campaign, error) {
	current, err := r.GetByID(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	if err := current.Status.CheckTransition(to); err != nil {
		return nil, err
	}

	query := "UPDATE campaigns SET status = ?, updated_at = ?"
	args := []any{to, time.Now().UTC()}
	switch to {
	case models.CampaignScheduled:
		query += ", scheduled_at = ?"
		args = append(args, at)
	case models.CampaignSending:
		query += ", send_started_at = ?, send_finished_at = NULL"
		args = append(args, at)
	case models.CampaignCompleted:
		query += ", send_finished_at = ?"
		args = append(args, at)
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, current.Status)

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: campaign %s changed concurrently", models.ErrInvalidTransition, id)
	}

	return r.GetByID(id)
}

// Schedule moves a campaign to scheduled with the given send time
func (r *CampaignRepository) Schedule(id string, when time.Time) (*models.Campaign, error) {
	return r.Transition(id, models.CampaignScheduled, when.UTC())
}

func (r *CampaignRepository) queryCampaigns(query string, args ...any) ([]models.Campaign, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var createdBy sql.NullString
	var scheduledAt, startedAt, finishedAt sql.NullTime

	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Subject, &c.Body, &c.Status, &createdBy, &c.AllClients,
		&c.CreatedAt, &c.UpdatedAt, &scheduledAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	c.CreatedBy = createdBy.String
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		c.SendStartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		c.SendFinishedAt = &finishedAt.Time
	}
	return c, nil
}

func setCampaignGroups(tx *sql.Tx, campaignID string, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO campaign_groups (campaign_id, group_id) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, groupID := range groupIDs {
		if _, err := stmt.Exec(campaignID, groupID); err != nil {
			return fmt.Errorf("failed to attach group %s: %w", groupID, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
