package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/zephy0808/mailcampaign/internal/models"
)

func TestCampaignRepository_CreateWithGroups(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	groups := NewGroupRepository(database)

	g1 := &models.ClientGroup{Name: "A"}
	g2 := &models.ClientGroup{Name: "B"}
	groups.Create(g1)
	groups.Create(g2)

	c := createTestCampaign(t, campaigns, g1.ID, g2.ID)
	if c.Status != models.CampaignDraft {
		t.Errorf("Status = %s, want draft", c.Status)
	}

	got, err := campaigns.GetByID(c.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %v, %v", got, err)
	}
	if len(got.GroupIDs) != 2 {
		t.Errorf("GroupIDs = %v, want 2 entries", got.GroupIDs)
	}
	if got.ScheduledAt != nil {
		t.Errorf("ScheduledAt = %v, want nil", got.ScheduledAt)
	}

	got.GroupIDs = []string{g1.ID}
	got.Title = "Renamed"
	if err := campaigns.Update(got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ = campaigns.GetByID(c.ID)
	if got.Title != "Renamed" || len(got.GroupIDs) != 1 {
		t.Errorf("after Update got %+v", got)
	}
}

func TestCampaignRepository_Transition(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo)

	when := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := repo.Schedule(c.ID, when)
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if got.Status != models.CampaignScheduled {
		t.Errorf("Status = %s, want scheduled", got.Status)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(when) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, when)
	}

	now := time.Now().UTC()
	got, err = repo.Transition(c.ID, models.CampaignSending, now)
	if err != nil {
		t.Fatalf("Transition(sending) error = %v", err)
	}
	if got.SendStartedAt == nil {
		t.Error("SendStartedAt not stamped")
	}

	got, err = repo.Transition(c.ID, models.CampaignCompleted, now)
	if err != nil {
		t.Fatalf("Transition(completed) error = %v", err)
	}
	if got.SendFinishedAt == nil {
		t.Error("SendFinishedAt not stamped")
	}

	_, err = repo.Transition(c.ID, models.CampaignSending, now)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Transition(completed->sending) error = %v, want ErrInvalidTransition", err)
	}

	missing, err := repo.Transition("nope", models.CampaignSending, now)
	if err != nil || missing != nil {
		t.Errorf("Transition(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestCampaignRepository_GetScheduledDue(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	now := time.Now().UTC()

	past := createTestCampaign(t, repo)
	future := createTestCampaign(t, repo)
	createTestCampaign(t, repo) // draft

	repo.Schedule(past.ID, now.Add(-time.Minute))
	repo.Schedule(future.ID, now.Add(time.Hour))

	due, err := repo.GetScheduledDue(now)
	if err != nil {
		t.Fatalf("GetScheduledDue() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != past.ID {
		t.Errorf("GetScheduledDue() = %v, want only %s", due, past.ID)
	}

	scheduled, err := repo.ListByStatus(models.CampaignScheduled)
	if err != nil || len(scheduled) != 2 {
		t.Errorf("ListByStatus(scheduled) = %d campaigns, err %v", len(scheduled), err)
	}
}

func TestCampaignRepository_DeleteCascades(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	clients := NewClientRepository(database)
	emails := NewEmailRepository(database)
	reports := NewReportRepository(database)
	attachments := NewAttachmentRepository(database)

	c := createTestCampaign(t, campaigns)
	ana := createTestClient(t, clients, "Ana", "ana@example.com", true)
	emails.CreateForClients(c.ID, []string{ana.ID})
	reports.GetOrCreate(c.ID)
	attachments.Create(&models.Attachment{CampaignID: c.ID, FilePath: "a.pdf", Name: "a.pdf"})

	if err := campaigns.Delete(c.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	for _, table := range []string{"email_records", "reports", "attachments"} {
		var n int
		database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		if n != 0 {
			t.Errorf("%s has %d rows after campaign delete", table, n)
		}
	}
}

func TestCampaignRepository_CountByStatus(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	createTestCampaign(t, repo)
	createTestCampaign(t, repo)
	c := createTestCampaign(t, repo)
	if _, err := repo.Transition(c.ID, models.CampaignSending, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	counts, err := repo.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts["draft"] != 2 || counts["sending"] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}
