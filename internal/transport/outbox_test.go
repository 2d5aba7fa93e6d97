package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	outbox, err := NewOutbox(db, testLogger())
	if err != nil {
		t.Fatalf("failed to create outbox: %v", err)
	}
	return outbox
}

func TestOutboxSendAndGet(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	msg := &Message{
		ID:         "m1@localhost",
		From:       "news@example.com",
		To:         []string{"ana@example.com"},
		Subject:    "Oi Ana",
		Data:       []byte("Subject: Oi Ana\r\n\r\nOla"),
		CampaignID: "c1",
		RecordID:   "r1",
	}
	if err := outbox.Send(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := outbox.Get(ctx, "m1@localhost")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected message, got nil")
	}
	if got.Subject != "Oi Ana" || got.CampaignID != "c1" || got.RecordID != "r1" {
		t.Errorf("unexpected message: %+v", got.Message)
	}
	if string(got.Data) != string(msg.Data) {
		t.Errorf("expected data %q, got %q", msg.Data, got.Data)
	}
	if got.CapturedAt.IsZero() {
		t.Error("CapturedAt should be set")
	}

	missing, err := outbox.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown message")
	}
}

func TestOutboxListNewestFirst(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	base := time.Date(2024, 11, 29, 9, 0, 0, 0, time.UTC)
	i := 0
	outbox.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Minute)
	}

	for _, m := range []*Message{
		{ID: "1", To: []string{"a@example.com"}, CampaignID: "c1", Data: []byte("x")},
		{ID: "2", To: []string{"b@example.com"}, CampaignID: "c2", Data: []byte("x")},
		{ID: "3", To: []string{"a@example.com"}, CampaignID: "c1", Data: []byte("x")},
	} {
		if err := outbox.Send(ctx, m); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	all, err := outbox.List(ctx, OutboxFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}
	if all[0].ID != "3" || all[2].ID != "1" {
		t.Errorf("expected newest first, got %s,%s,%s", all[0].ID, all[1].ID, all[2].ID)
	}
	if all[0].Data != nil {
		t.Error("List should omit message data")
	}

	byCampaign, _ := outbox.List(ctx, OutboxFilter{CampaignID: "c1"})
	if len(byCampaign) != 2 {
		t.Errorf("expected 2 messages for c1, got %d", len(byCampaign))
	}

	byRcpt, _ := outbox.List(ctx, OutboxFilter{To: "b@example.com"})
	if len(byRcpt) != 1 || byRcpt[0].ID != "2" {
		t.Errorf("unexpected recipient filter result: %v", byRcpt)
	}

	page, _ := outbox.List(ctx, OutboxFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "2" {
		t.Errorf("unexpected page: %v", page)
	}
}

func TestOutboxDeleteAndClear(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	now := time.Date(2024, 11, 29, 12, 0, 0, 0, time.UTC)
	outbox.now = func() time.Time { return now }

	outbox.Send(ctx, &Message{ID: "old", Data: []byte("x")})
	now = now.Add(2 * time.Hour)
	outbox.Send(ctx, &Message{ID: "new", Data: []byte("x")})
	outbox.Send(ctx, &Message{ID: "gone", Data: []byte("x")})

	if err := outbox.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if m, _ := outbox.Get(ctx, "gone"); m != nil {
		t.Error("message should be deleted")
	}

	removed, err := outbox.Clear(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if m, _ := outbox.Get(ctx, "new"); m == nil {
		t.Error("recent message should survive Clear")
	}

	removed, _ = outbox.Clear(ctx, 0)
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}

func TestOutboxSendCancelledContext(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := outbox.Send(ctx, &Message{ID: "x"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
