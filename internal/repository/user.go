package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zephy0808/mailcampaign/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new user; PasswordHash must already be set
func (r *UserRepository) Create(u *models.User) error {
	u.ID = uuid.New().String()
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))
	u.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO users (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByEmail returns a user by email
func (r *UserRepository) GetByEmail(email string) (*models.User, error) {
	u := &models.User{}
	var name sql.NullString
	err := r.db.QueryRow(`
		SELECT id, email, name, password_hash, created_at FROM users WHERE email = ?`,
		strings.TrimSpace(strings.ToLower(email)),
	).Scan(&u.ID, &u.Email, &name, &u.PasswordHash, &u.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Name = name.String
	return u, nil
}

// List returns all users
func (r *UserRepository) List() ([]models.User, error) {
	rows, err := r.db.Query("SELECT id, email, name, created_at FROM users ORDER BY email")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		var name sql.NullString
		if err := rows.Scan(&u.ID, &u.Email, &name, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Name = name.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdatePassword replaces the password hash of the user with the given email.
// Returns false if no such user exists.
func (r *UserRepository) UpdatePassword(email, passwordHash string) (bool, error) {
	res, err := r.db.Exec("UPDATE users SET password_hash = ? WHERE email = ?",
		passwordHash, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		return false, fmt.Errorf("failed to update password: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteByEmail deletes a user; campaigns it created keep running with no creator.
// Returns false if no such user exists.
func (r *UserRepository) DeleteByEmail(email string) (bool, error) {
	res, err := r.db.Exec("DELETE FROM users WHERE email = ?", strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
