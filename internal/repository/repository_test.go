package repository

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/zephy0808/mailcampaign/internal/db"
	"github.com/zephy0808/mailcampaign/internal/models"
)

// setupTestDB creates a temporary SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return database.DB
}

func createTestClient(t *testing.T, repo *ClientRepository, name, email string, active bool) *models.Client {
	t.Helper()
	c := &models.Client{Name: name, Surname: "Silva", Email: email, Active: active}
	if err := repo.Create(c); err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

func createTestCampaign(t *testing.T, repo *CampaignRepository, groupIDs ...string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Title:    "Black Friday",
		Subject:  "Oi {{nome}}",
		Body:     "Ofertas para {{email}}",
		GroupIDs: groupIDs,
	}
	if err := repo.Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}
