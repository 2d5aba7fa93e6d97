package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zephy0808/mailcampaign/internal/models"
)

type ClientRepository struct {
	db *sql.DB
}

func NewClientRepository(db *sql.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

const clientColumns = "id, name, surname, email, phone, active, registered_at"

// Create creates a new client
func (r *ClientRepository) Create(c *models.Client) error {
	c.ID = uuid.New().String()
	c.Email = strings.TrimSpace(strings.ToLower(c.Email))
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO clients (id, name, surname, email, phone, active, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Surname, c.Email, c.Phone, c.Active, c.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetByID returns a client by ID
func (r *ClientRepository) GetByID(id string) (*models.Client, error) {
	c, err := scanClient(r.db.QueryRow("SELECT "+clientColumns+" FROM clients WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetByEmail returns a client by email address
func (r *ClientRepository) GetByEmail(email string) (*models.Client, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	c, err := scanClient(r.db.QueryRow("SELECT "+clientColumns+" FROM clients WHERE email = ?", email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// List returns clients with optional filtering
func (r *ClientRepository) List(filter models.ClientListFilter) ([]models.Client, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Search != "" {
		where += " AND (c.name LIKE ? OR c.surname LIKE ? OR c.email LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}
	if filter.GroupID != "" {
		where += " AND c.id IN (SELECT client_id FROM group_members WHERE group_id = ?)"
		args = append(args, filter.GroupID)
	}
	if filter.Active != nil {
		where += " AND c.active = ?"
		args = append(args, *filter.Active)
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM clients c"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT c.id, c.name, c.surname, c.email, c.phone, c.active, c.registered_at FROM clients c` +
		where + " ORDER BY c.name, c.surname"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	clients, err := r.queryClients(query, args...)
	if err != nil {
		return nil, 0, err
	}
	return clients, total, nil
}

// ListActive returns every active client
func (r *ClientRepository) ListActive() ([]models.Client, error) {
	return r.queryClients("SELECT " + clientColumns + " FROM clients WHERE active = 1 ORDER BY registered_at, id")
}

// ListActiveInGroups returns the active members of any of the given groups.
// A client belonging to several of the groups is returned once.
func (r *ClientRepository) ListActiveInGroups(groupIDs []string) ([]models.Client, error) {
	if len(groupIDs) == 0 {
		return []models.Client{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(groupIDs)), ",")
	args := make([]any, len(groupIDs))
	for i, id := range groupIDs {
		args[i] = id
	}

	return r.queryClients(`
		SELECT DISTINCT c.id, c.name, c.surname, c.email, c.phone, c.active, c.registered_at
		FROM clients c
		JOIN group_members gm ON gm.client_id = c.id
		WHERE c.active = 1 AND gm.group_id IN (`+placeholders+`)
		ORDER BY c.registered_at, c.id`, args...)
}

// Update updates client contact fields and the active flag
func (r *ClientRepository) Update(c *models.Client) error {
	c.Email = strings.TrimSpace(strings.ToLower(c.Email))
	_, err := r.db.Exec(`
		UPDATE clients SET name = ?, surname = ?, email = ?, phone = ?, active = ?
		WHERE id = ?`,
		c.Name, c.Surname, c.Email, c.Phone, c.Active, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

// Delete deletes a client
func (r *ClientRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM clients WHERE id = ?", id)
	return err
}

func (r *ClientRepository) queryClients(query string, args ...any) ([]models.Client, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := []models.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*models.Client, error) {
	c := &models.Client{}
	var registeredAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.Surname, &c.Email, &c.Phone, &c.Active, &registeredAt); err != nil {
		return nil, err
	}
	if registeredAt.Valid {
		c.RegisteredAt = registeredAt.Time
	}
	return c, nil
}
