package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/zephy0808/mailcampaign/internal/models"
)

func setupEmailFixture(t *testing.T) (*EmailRepository, *models.Campaign, []*models.Client) {
	t.Helper()
	database := setupTestDB(t)
	clients := NewClientRepository(database)
	c := createTestCampaign(t, NewCampaignRepository(database))

	list := []*models.Client{
		createTestClient(t, clients, "Ana", "ana@example.com", true),
		createTestClient(t, clients, "Bia", "bia@example.com", true),
		createTestClient(t, clients, "Caio", "caio@example.com", true),
	}
	return NewEmailRepository(database), c, list
}

func TestEmailRepository_CreateForClientsIdempotent(t *testing.T) {
	repo, c, clients := setupEmailFixture(t)
	ids := []string{clients[0].ID, clients[1].ID}

	created, err := repo.CreateForClients(c.ID, ids)
	if err != nil {
		t.Fatalf("CreateForClients() error = %v", err)
	}
	if created != 2 {
		t.Errorf("created = %d, want 2", created)
	}

	created, err = repo.CreateForClients(c.ID, append(ids, clients[2].ID))
	if err != nil {
		t.Fatalf("second CreateForClients() error = %v", err)
	}
	if created != 1 {
		t.Errorf("second created = %d, want 1", created)
	}

	_, total, err := repo.List(models.EmailListFilter{CampaignID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("total records = %d, want 3", total)
	}

	pending, err := repo.CountPending(c.ID)
	if err != nil || pending != 3 {
		t.Errorf("CountPending() = %d, %v; want 3", pending, err)
	}
}

func TestEmailRepository_MarkSentAndFailed(t *testing.T) {
	repo, c, clients := setupEmailFixture(t)
	repo.CreateForClients(c.ID, []string{clients[0].ID, clients[1].ID})

	pending, err := repo.GetPending(c.ID)
	if err != nil || len(pending) != 2 {
		t.Fatalf("GetPending() = %d, %v", len(pending), err)
	}
	if pending[0].ClientEmail == "" {
		t.Error("ClientEmail not joined")
	}

	now := time.Now().UTC()
	if err := repo.MarkSent(pending[0].ID, now); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if err := repo.MarkFailed(pending[1].ID, "550 mailbox unavailable"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	sent, _ := repo.GetByID(pending[0].ID)
	if sent.Status != models.EmailSent || sent.SentAt == nil {
		t.Errorf("sent record = %+v", sent)
	}
	failed, _ := repo.GetByID(pending[1].ID)
	if failed.Status != models.EmailFailed || failed.Error == "" {
		t.Errorf("failed record = %+v", failed)
	}

	// A record that is no longer pending cannot be marked again
	if err := repo.MarkSent(pending[0].ID, now); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second MarkSent() error = %v, want ErrInvalidTransition", err)
	}

	n, err := repo.ResetFailed(c.ID)
	if err != nil || n != 1 {
		t.Errorf("ResetFailed() = %d, %v; want 1", n, err)
	}
	reset, _ := repo.GetByID(pending[1].ID)
	if reset.Status != models.EmailPending || reset.Error != "" {
		t.Errorf("reset record = %+v", reset)
	}
}

func TestEmailRepository_RecordEngagement(t *testing.T) {
	repo, c, clients := setupEmailFixture(t)
	repo.CreateForClients(c.ID, []string{clients[0].ID, clients[1].ID})
	pending, _ := repo.GetPending(c.ID)
	rec := pending[0]

	first := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	// pending records cannot be opened
	if _, err := repo.RecordEngagement(rec.ID, models.EmailOpened, first); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("open on pending error = %v, want ErrInvalidTransition", err)
	}

	repo.MarkSent(rec.ID, first)

	got, err := repo.RecordEngagement(rec.ID, models.EmailOpened, first)
	if err != nil {
		t.Fatalf("RecordEngagement(opened) error = %v", err)
	}
	if got.Status != models.EmailOpened || got.OpenedAt == nil || !got.OpenedAt.Equal(first) {
		t.Errorf("after open = %+v", got)
	}

	// second open keeps the first timestamp
	got, err = repo.RecordEngagement(rec.ID, models.EmailOpened, later)
	if err != nil {
		t.Fatalf("second open error = %v", err)
	}
	if !got.OpenedAt.Equal(first) {
		t.Errorf("OpenedAt = %v, want %v", got.OpenedAt, first)
	}

	got, err = repo.RecordEngagement(rec.ID, models.EmailClicked, later)
	if err != nil {
		t.Fatalf("RecordEngagement(clicked) error = %v", err)
	}
	if got.Status != models.EmailClicked || got.ClickedAt == nil {
		t.Errorf("after click = %+v", got)
	}

	// an open after a click does not downgrade the record
	got, err = repo.RecordEngagement(rec.ID, models.EmailOpened, later)
	if err != nil {
		t.Fatalf("open after click error = %v", err)
	}
	if got.Status != models.EmailClicked {
		t.Errorf("Status = %s, want clicked", got.Status)
	}

	missing, err := repo.RecordEngagement("nope", models.EmailOpened, later)
	if err != nil || missing != nil {
		t.Errorf("RecordEngagement(missing) = %v, %v; want nil, nil", missing, err)
	}

	// a click on a sent record stamps the open time too
	other := pending[1]
	repo.MarkSent(other.ID, first)
	got, err = repo.RecordEngagement(other.ID, models.EmailClicked, later)
	if err != nil {
		t.Fatalf("click on sent error = %v", err)
	}
	if got.OpenedAt == nil || got.ClickedAt == nil {
		t.Errorf("click on sent record = %+v", got)
	}
}

func TestEmailRepository_GetStats(t *testing.T) {
	repo, c, clients := setupEmailFixture(t)
	repo.CreateForClients(c.ID, []string{clients[0].ID, clients[1].ID, clients[2].ID})
	pending, _ := repo.GetPending(c.ID)

	now := time.Now().UTC()
	repo.MarkSent(pending[0].ID, now)
	repo.MarkSent(pending[1].ID, now)
	repo.RecordEngagement(pending[1].ID, models.EmailResponded, now)

	stats, err := repo.GetStats(c.ID)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	want := models.EmailStats{Total: 3, Pending: 1, Sent: 1, Responded: 1}
	if stats != want {
		t.Errorf("GetStats() = %+v, want %+v", stats, want)
	}

	empty, err := repo.GetStats("nope")
	if err != nil || empty.Total != 0 {
		t.Errorf("GetStats(missing) = %+v, %v", empty, err)
	}
}

func TestEmailRepository_CountAllPending(t *testing.T) {
	repo, c, clients := setupEmailFixture(t)
	repo.CreateForClients(c.ID, []string{clients[0].ID, clients[1].ID})
	pending, _ := repo.GetPending(c.ID)
	repo.MarkFailed(pending[0].ID, "550 no such user")

	n, err := repo.CountAllPending()
	if err != nil || n != 1 {
		t.Errorf("CountAllPending() = %d, %v; want 1", n, err)
	}

	reset, err := repo.ResetFailed(c.ID)
	if err != nil || reset != 1 {
		t.Errorf("ResetFailed() = %d, %v; want 1", reset, err)
	}
	if n, _ := repo.CountAllPending(); n != 2 {
		t.Errorf("CountAllPending() after reset = %d, want 2", n)
	}
}
