package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zephy0808/mailcampaign/internal/models"
)

type GroupRepository struct {
	db *sql.DB
}

func NewGroupRepository(db *sql.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// Create creates a new client group
func (r *GroupRepository) Create(g *models.ClientGroup) error {
	g.ID = uuid.New().String()
	g.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO client_groups (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

// GetByID returns a group by ID with its member count
func (r *GroupRepository) GetByID(id string) (*models.ClientGroup, error) {
	g := &models.ClientGroup{}
	err := r.db.QueryRow(`
		SELECT g.id, g.name, g.description, g.created_at,
			(SELECT COUNT(*) FROM group_members gm WHERE gm.group_id = g.id)
		FROM client_groups g WHERE g.id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt, &g.MemberCount)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// List returns all groups
func (r *GroupRepository) List() ([]models.ClientGroup, error) {
	rows, err := r.db.Query(`
		SELECT g.id, g.name, g.description, g.created_at,
			(SELECT COUNT(*) FROM group_members gm WHERE gm.group_id = g.id)
		FROM client_groups g ORDER BY g.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []models.ClientGroup{}
	for rows.Next() {
		var g models.ClientGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt, &g.MemberCount); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Update updates group name and description
func (r *GroupRepository) Update(g *models.ClientGroup) error {
	_, err := r.db.Exec("UPDATE client_groups SET name = ?, description = ? WHERE id = ?",
		g.Name, g.Description, g.ID)
	return err
}

// Delete deletes a group; memberships are removed by cascade
func (r *GroupRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM client_groups WHERE id = ?", id)
	return err
}

// AddMembers adds clients to a group. Existing members and unknown client IDs are skipped.
// Returns the number of memberships created.
func (r *GroupRepository) AddMembers(groupID string, clientIDs []string) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO group_members (group_id, client_id)
		SELECT ?, id FROM clients WHERE id = ?`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, clientID := range clientIDs {
		res, err := stmt.Exec(groupID, clientID)
		if err != nil {
			return 0, fmt.Errorf("failed to add member %s: %w", clientID, err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// RemoveMembers removes clients from a group
func (r *GroupRepository) RemoveMembers(groupID string, clientIDs []string) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM group_members WHERE group_id = ? AND client_id = ?")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	removed := 0
	for _, clientID := range clientIDs {
		res, err := stmt.Exec(groupID, clientID)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}
