package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zephy0808/mailcampaign/internal/audience"
	"github.com/zephy0808/mailcampaign/internal/composer"
	"github.com/zephy0808/mailcampaign/internal/db"
	"github.com/zephy0808/mailcampaign/internal/models"
	"github.com/zephy0808/mailcampaign/internal/ratelimit"
	"github.com/zephy0808/mailcampaign/internal/reports"
	"github.com/zephy0808/mailcampaign/internal/repository"
	"github.com/zephy0808/mailcampaign/internal/transport"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []*transport.Message
	fail   map[string]error
	onSend func(*transport.Message)
}

func (s *fakeSender) Send(ctx context.Context, msg *transport.Message) error {
	if s.onSend != nil {
		s.onSend(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[msg.To[0]]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixture struct {
	db          *db.DB
	engine      *Engine
	sender      *fakeSender
	campaigns   *repository.CampaignRepository
	clients     *repository.ClientRepository
	groups      *repository.GroupRepository
	emails      *repository.EmailRepository
	reports     *repository.ReportRepository
	attachments *repository.AttachmentRepository
	deps        Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	comp, err := composer.New(composer.Config{
		From:            "news@example.com",
		TrackingBaseURL: "https://mail.example.com",
		AttachmentsDir:  t.TempDir(),
	}, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		db:          database,
		sender:      &fakeSender{fail: map[string]error{}},
		campaigns:   repository.NewCampaignRepository(database.DB),
		clients:     repository.NewClientRepository(database.DB),
		groups:      repository.NewGroupRepository(database.DB),
		emails:      repository.NewEmailRepository(database.DB),
		reports:     repository.NewReportRepository(database.DB),
		attachments: repository.NewAttachmentRepository(database.DB),
	}

	f.deps = Deps{
		Campaigns:   f.campaigns,
		Clients:     f.clients,
		Emails:      f.emails,
		Attachments: f.attachments,
		Reports:     f.reports,
		Aggregator:  reports.NewAggregator(f.emails, f.reports, logger),
		Audience:    audience.NewResolver(f.clients),
		Composer:    comp,
		Sender:      f.sender,
	}
	f.engine = NewEngine(f.deps, logger)
	return f
}

func (f *fixture) addClient(t *testing.T, name, email string, active bool) *models.Client {
	t.Helper()
	c := &models.Client{Name: name, Surname: "Silva", Email: email, Active: active}
	if err := f.clients.Create(c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) addCampaign(t *testing.T, allClients bool, groupIDs ...string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Title:      "Black Friday",
		Subject:    "Oi {{nome}}",
		Body:       "Ofertas para {{email}}",
		AllClients: allClients,
		GroupIDs:   groupIDs,
	}
	if err := f.campaigns.Create(c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) scheduleDue(t *testing.T, c *models.Campaign) {
	t.Helper()
	if _, err := f.engine.Schedule(context.Background(), c.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
}

func (f *fixture) status(t *testing.T, id string) models.CampaignStatus {
	t.Helper()
	c, err := f.campaigns.GetByID(id)
	if err != nil || c == nil {
		t.Fatalf("GetByID(%s) = %v, %v", id, c, err)
	}
	return c.Status
}

func TestDiscoverDueCampaignsCompletes(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	f.addClient(t, "Bia", "bia@example.com", true)
	f.addClient(t, "Caio", "caio@example.com", true)
	f.addClient(t, "Davi", "davi@example.com", false)

	c := f.addCampaign(t, true)
	f.scheduleDue(t, c)

	outcomes, err := f.engine.DiscoverDueCampaigns(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DiscoverDueCampaigns failed: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	out := outcomes[0]
	if out.Err != nil {
		t.Fatalf("unexpected outcome error: %v", out.Err)
	}
	if out.Counts.Sent != 3 || out.Counts.Failed != 0 {
		t.Errorf("counts = %+v, want 3 sent", out.Counts)
	}
	if out.Status != models.CampaignCompleted {
		t.Errorf("status = %s, want completed", out.Status)
	}

	got, _ := f.campaigns.GetByID(c.ID)
	if got.SendStartedAt == nil || got.SendFinishedAt == nil {
		t.Errorf("send timestamps not stamped: %+v", got)
	}

	rep, _ := f.reports.GetByCampaign(c.ID)
	if rep == nil || rep.TotalSent != 3 {
		t.Errorf("report = %+v, want total 3", rep)
	}
	if f.sender.count() != 3 {
		t.Errorf("sender got %d messages, want 3", f.sender.count())
	}
	for _, msg := range f.sender.sent {
		if msg.To[0] == "davi@example.com" {
			t.Error("inactive client must not receive email")
		}
	}
}

func TestDiscoverSkipsFutureCampaigns(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	c := f.addCampaign(t, true)

	if _, err := f.engine.Schedule(context.Background(), c.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	outcomes, err := f.engine.DiscoverDueCampaigns(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 0 {
		t.Errorf("expected no outcomes, got %+v", outcomes)
	}
	if s := f.status(t, c.ID); s != models.CampaignScheduled {
		t.Errorf("status = %s, want scheduled", s)
	}
}

func TestDispatchFailuresKeepCampaignSending(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	f.addClient(t, "Bia", "bia@example.com", true)
	f.addClient(t, "Caio", "caio@example.com", true)
	f.sender.fail["bia@example.com"] = &transport.DeliveryError{Temporary: false, Code: 550, Message: "no such user"}
	f.sender.fail["caio@example.com"] = &transport.DeliveryError{Temporary: true, Code: 421, Message: "try later"}

	c := f.addCampaign(t, true)
	f.scheduleDue(t, c)

	outcomes, _ := f.engine.DiscoverDueCampaigns(context.Background(), time.Now())
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Counts != (Counts{Sent: 1, Failed: 2}) {
		t.Errorf("counts = %+v, want 1 sent 2 failed", outcomes[0].Counts)
	}
	if s := f.status(t, c.ID); s != models.CampaignSending {
		t.Fatalf("status = %s, want sending", s)
	}

	failed, _, _ := f.emails.List(models.EmailListFilter{CampaignID: c.ID, Status: models.EmailFailed})
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed records, got %d", len(failed))
	}
	for _, r := range failed {
		if r.Error == "" {
			t.Errorf("failed record %s has no error text", r.ID)
		}
	}

	rep, _ := f.reports.GetByCampaign(c.ID)
	if rep.TotalSent != 3 {
		t.Errorf("report total = %d, want 3", rep.TotalSent)
	}

	// Nothing left pending: the next re-entry completes the campaign
	reentered, err := f.engine.ReenterSending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(reentered) != 1 || reentered[0].Status != models.CampaignCompleted {
		t.Errorf("ReenterSending() = %+v, want completed", reentered)
	}
	if f.sender.count() != 1 {
		t.Errorf("re-entry must not resend, sender got %d", f.sender.count())
	}
}

func TestRetryFailed(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	f.addClient(t, "Bia", "bia@example.com", true)
	f.sender.fail["bia@example.com"] = errors.New("connection reset")

	c := f.addCampaign(t, true)
	f.scheduleDue(t, c)
	f.engine.DiscoverDueCampaigns(context.Background(), time.Now())

	delete(f.sender.fail, "bia@example.com")
	n, err := f.engine.RetryFailed(context.Background(), c.ID)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed() = %d, %v; want 1", n, err)
	}

	outcomes, _ := f.engine.ReenterSending(context.Background())
	if len(outcomes) != 1 || outcomes[0].Counts.Sent != 1 {
		t.Fatalf("ReenterSending() = %+v", outcomes)
	}
	if s := f.status(t, c.ID); s != models.CampaignCompleted {
		t.Errorf("status = %s, want completed", s)
	}

	if _, err := f.engine.RetryFailed(context.Background(), c.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("RetryFailed on completed campaign = %v, want ErrInvalidTransition", err)
	}
}

func TestAudienceDeduplicatedAcrossGroups(t *testing.T) {
	f := newFixture(t)
	ana := f.addClient(t, "Ana", "ana@example.com", true)
	bia := f.addClient(t, "Bia", "bia@example.com", true)
	caio := f.addClient(t, "Caio", "caio@example.com", true)

	g1 := &models.ClientGroup{Name: "VIP"}
	g2 := &models.ClientGroup{Name: "Newsletter"}
	f.groups.Create(g1)
	f.groups.Create(g2)
	f.groups.AddMembers(g1.ID, []string{ana.ID, bia.ID})
	f.groups.AddMembers(g2.ID, []string{bia.ID, caio.ID})

	c := f.addCampaign(t, false, g1.ID, g2.ID)
	f.scheduleDue(t, c)

	f.engine.DiscoverDueCampaigns(context.Background(), time.Now())

	if f.sender.count() != 3 {
		t.Errorf("sender got %d messages, want 3", f.sender.count())
	}
	_, total, _ := f.emails.List(models.EmailListFilter{CampaignID: c.ID})
	if total != 3 {
		t.Errorf("records = %d, want 3", total)
	}
}

func TestStartSendingThenTrigger(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	f.addClient(t, "Bia", "bia@example.com", true)
	c := f.addCampaign(t, true)

	started, created, err := f.engine.StartSending(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("StartSending failed: %v", err)
	}
	if started.Status != models.CampaignSending || created != 2 {
		t.Errorf("StartSending() = %s, %d; want sending, 2", started.Status, created)
	}
	if f.sender.count() != 0 {
		t.Error("StartSending must not send")
	}
	if rep, _ := f.reports.GetByCampaign(c.ID); rep == nil {
		t.Error("StartSending should create the report")
	}

	// Starting twice is rejected
	if _, _, err := f.engine.StartSending(context.Background(), c.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second StartSending = %v, want ErrInvalidTransition", err)
	}

	if _, err := f.engine.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if f.sender.count() != 2 {
		t.Errorf("sender got %d, want 2", f.sender.count())
	}
	if s := f.status(t, c.ID); s != models.CampaignCompleted {
		t.Errorf("status = %s, want completed", s)
	}

	// A further trigger sends nothing and the campaign stays completed
	f.engine.RunOnce(context.Background(), time.Now())
	if f.sender.count() != 2 {
		t.Errorf("completed campaign was resent: %d messages", f.sender.count())
	}
}

func TestCompletedCampaignNeverReverts(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	c := f.addCampaign(t, true)
	f.scheduleDue(t, c)
	f.engine.RunOnce(context.Background(), time.Now())

	if s := f.status(t, c.ID); s != models.CampaignCompleted {
		t.Fatalf("status = %s, want completed", s)
	}

	ctx := context.Background()
	if _, _, err := f.engine.StartSending(ctx, c.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("StartSending = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.engine.Schedule(ctx, c.ID, time.Now()); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Schedule = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.engine.Cancel(ctx, c.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Cancel = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.engine.DispatchCampaign(ctx, c.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("DispatchCampaign = %v, want ErrInvalidTransition", err)
	}
}

func TestRecordsAreCreatedOnce(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	f.addClient(t, "Bia", "bia@example.com", true)
	c := f.addCampaign(t, true)

	started, _, err := f.engine.StartSending(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	created, err := f.engine.prepare(started)
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Errorf("second prepare created %d records, want 0", created)
	}
}

func TestDispatchLease(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	c := f.addCampaign(t, true)
	f.engine.StartSending(context.Background(), c.ID)

	if !f.engine.locks.TryLock(c.ID) {
		t.Fatal("lease should be free")
	}

	if _, err := f.engine.DispatchCampaign(context.Background(), c.ID); !errors.Is(err, ErrDispatchInProgress) {
		t.Errorf("DispatchCampaign = %v, want ErrDispatchInProgress", err)
	}
	if outcomes, _ := f.engine.ReenterSending(context.Background()); len(outcomes) != 0 {
		t.Errorf("ReenterSending should skip a leased campaign, got %+v", outcomes)
	}
	if f.sender.count() != 0 {
		t.Error("nothing should be sent while the lease is held")
	}

	f.engine.locks.Unlock(c.ID)
	counts, err := f.engine.DispatchCampaign(context.Background(), c.ID)
	if err != nil || counts.Sent != 1 {
		t.Errorf("DispatchCampaign after unlock = %+v, %v", counts, err)
	}
}

func TestConcurrentDispatchSendsOnce(t *testing.T) {
	f := newFixture(t)
	for _, e := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"} {
		f.addClient(t, "X", e, true)
	}
	c := f.addCampaign(t, true)
	f.engine.StartSending(context.Background(), c.ID)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.DispatchCampaign(context.Background(), c.ID)
		}()
	}
	wg.Wait()

	if f.sender.count() != 4 {
		t.Errorf("sender got %d messages, want exactly 4", f.sender.count())
	}
}

func TestDispatchQuotaDefersRemaining(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	f.addClient(t, "Bia", "bia@example.com", true)
	f.addClient(t, "Caio", "caio@example.com", true)

	state, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()
	quota, err := ratelimit.NewQuota(state, ratelimit.QuotaConfig{Global: &ratelimit.Limit{PerHour: 2}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer quota.Close()

	deps := f.deps
	deps.Quota = quota
	engine := NewEngine(deps, slog.New(slog.NewTextHandler(io.Discard, nil)))

	c := f.addCampaign(t, true)
	engine.StartSending(context.Background(), c.ID)

	counts, err := engine.DispatchCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts != (Counts{Sent: 2, Remaining: 1}) {
		t.Errorf("counts = %+v, want 2 sent 1 remaining", counts)
	}
	if s := f.status(t, c.ID); s != models.CampaignSending {
		t.Errorf("status = %s, want sending", s)
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	c := f.addCampaign(t, true)
	f.engine.StartSending(context.Background(), c.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	counts, err := f.engine.DispatchCampaign(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Sent != 0 || counts.Remaining != 1 {
		t.Errorf("counts = %+v, want nothing sent and 1 remaining", counts)
	}
	if s := f.status(t, c.ID); s != models.CampaignSending {
		t.Errorf("status = %s, want sending", s)
	}
}

func TestCancelStopsDispatch(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	c := f.addCampaign(t, true)
	f.engine.StartSending(context.Background(), c.ID)

	if _, err := f.engine.Cancel(context.Background(), c.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	f.engine.RunOnce(context.Background(), time.Now())

	if f.sender.count() != 0 {
		t.Error("cancelled campaign must not send")
	}
	if n, _ := f.emails.CountPending(c.ID); n != 1 {
		t.Errorf("pending records = %d, want 1 left untouched", n)
	}
}

func TestUnreadableAttachmentFailsRecords(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	c := f.addCampaign(t, true)
	f.attachments.Create(&models.Attachment{CampaignID: c.ID, FilePath: "missing.pdf", Name: "missing.pdf"})
	f.engine.StartSending(context.Background(), c.ID)

	counts, err := f.engine.DispatchCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Failed != 1 {
		t.Errorf("counts = %+v, want 1 failed", counts)
	}

	failed, _, _ := f.emails.List(models.EmailListFilter{CampaignID: c.ID, Status: models.EmailFailed})
	if len(failed) != 1 || !strings.Contains(failed[0].Error, "attachment unreadable") {
		t.Errorf("failed records = %+v", failed)
	}
}

func TestUnknownCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.DispatchCampaign(ctx, "nope"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("DispatchCampaign = %v", err)
	}
	if _, _, err := f.engine.StartSending(ctx, "nope"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("StartSending = %v", err)
	}
	if _, err := f.engine.Schedule(ctx, "nope", time.Now()); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("Schedule = %v", err)
	}
	if err := f.engine.SendTest(ctx, "nope", "qa@example.com"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("SendTest = %v", err)
	}
}

func TestSendTest(t *testing.T) {
	f := newFixture(t)
	c := f.addCampaign(t, true)

	if err := f.engine.SendTest(context.Background(), c.ID, "qa@example.com"); err != nil {
		t.Fatalf("SendTest failed: %v", err)
	}
	if f.sender.count() != 1 {
		t.Fatalf("sender got %d, want 1", f.sender.count())
	}
	msg := f.sender.sent[0]
	if msg.To[0] != "qa@example.com" || msg.Subject != "Oi {{nome}}" {
		t.Errorf("unexpected test message: to=%v subject=%q", msg.To, msg.Subject)
	}
	if _, total, _ := f.emails.List(models.EmailListFilter{CampaignID: c.ID}); total != 0 {
		t.Errorf("SendTest created %d records", total)
	}
	if s := f.status(t, c.ID); s != models.CampaignDraft {
		t.Errorf("status = %s, want draft", s)
	}
}

func TestOutboxCapturesPersonalisedMessages(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)

	state, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()
	outbox, err := transport.NewOutbox(state, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	deps := f.deps
	deps.Sender = outbox
	engine := NewEngine(deps, slog.New(slog.NewTextHandler(io.Discard, nil)))

	c := f.addCampaign(t, true)
	engine.StartSending(context.Background(), c.ID)
	engine.DispatchCampaign(context.Background(), c.ID)

	captured, _ := outbox.List(context.Background(), transport.OutboxFilter{CampaignID: c.ID})
	if len(captured) != 1 {
		t.Fatalf("expected 1 captured message, got %d", len(captured))
	}
	if captured[0].Subject != "Oi Ana" {
		t.Errorf("subject = %q, want Oi Ana", captured[0].Subject)
	}

	full, _ := outbox.Get(context.Background(), captured[0].ID)
	html := htmlPart(t, full.Data)
	if !strings.Contains(html, "Ofertas para ana@example.com") {
		t.Errorf("html part not personalised: %q", html)
	}
	if !strings.Contains(html, "/api/emails/"+captured[0].RecordID+"/rastreamento/") {
		t.Errorf("html part should carry the tracking pixel: %q", html)
	}
}

// htmlPart returns the decoded text/html part of a multipart/alternative message
func htmlPart(t *testing.T, data []byte) string {
	t.Helper()

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	_, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("ParseMediaType: %v", err)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err != nil {
			t.Fatalf("no html part found: %v", err)
		}
		if strings.HasPrefix(p.Header.Get("Content-Type"), "text/html") {
			body, _ := io.ReadAll(p)
			return string(body)
		}
	}
}

func TestDomainOf(t *testing.T) {
	tests := map[string]string{
		"ana@Example.com": "example.com",
		"a@b@c.org":       "c.org",
		"invalid":         "",
	}
	for in, want := range tests {
		if got := domainOf(in); got != want {
			t.Errorf("domainOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLocker(t *testing.T) {
	l := NewLocker()
	if !l.TryLock("a") {
		t.Fatal("first TryLock should succeed")
	}
	if l.TryLock("a") {
		t.Error("second TryLock should fail")
	}
	if !l.TryLock("b") {
		t.Error("leases are per campaign")
	}
	l.Unlock("a")
	if l.Held("a") || !l.TryLock("a") {
		t.Error("lease should be free after Unlock")
	}
}

// gatedSource blocks ListActive until release is closed
type gatedSource struct {
	*repository.ClientRepository
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) ListActive() ([]models.Client, error) {
	close(g.entered)
	<-g.release
	return g.ClientRepository.ListActive()
}

// brokenAllClients fails audiences that target every client
type brokenAllClients struct {
	*repository.ClientRepository
}

func (b *brokenAllClients) ListActive() ([]models.Client, error) {
	return nil, errors.New("clients table locked")
}

func TestReenterSkipsCampaignBeingPrepared(t *testing.T) {
	tests := []struct {
		name      string
		scheduled bool
		start     func(e *Engine, c *models.Campaign) error
	}{
		{"start sending", false, func(e *Engine, c *models.Campaign) error {
			_, _, err := e.StartSending(context.Background(), c.ID)
			return err
		}},
		{"discover due", true, func(e *Engine, c *models.Campaign) error {
			_, err := e.DiscoverDueCampaigns(context.Background(), time.Now())
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addClient(t, "Ana", "ana@example.com", true)
			f.addClient(t, "Bia", "bia@example.com", true)

			gate := &gatedSource{ClientRepository: f.clients, entered: make(chan struct{}), release: make(chan struct{})}
			deps := f.deps
			deps.Audience = audience.NewResolver(gate)
			engine := NewEngine(deps, slog.New(slog.NewTextHandler(io.Discard, nil)))

			c := f.addCampaign(t, true)
			if tt.scheduled {
				if _, err := engine.Schedule(context.Background(), c.ID, time.Now().Add(-time.Minute)); err != nil {
					t.Fatal(err)
				}
			}

			done := make(chan error, 1)
			go func() { done <- tt.start(engine, c) }()
			<-gate.entered

			// the campaign is sending but has no records yet
			outcomes, err := engine.ReenterSending(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(outcomes) != 0 {
				t.Errorf("ReenterSending() = %+v, want campaign skipped", outcomes)
			}
			if s := f.status(t, c.ID); s != models.CampaignSending {
				t.Fatalf("status = %s, want sending", s)
			}

			close(gate.release)
			if err := <-done; err != nil {
				t.Fatalf("start failed: %v", err)
			}

			engine.ReenterSending(context.Background())
			if f.sender.count() != 2 {
				t.Errorf("sender got %d messages, want 2", f.sender.count())
			}
			if s := f.status(t, c.ID); s != models.CampaignCompleted {
				t.Errorf("status = %s, want completed", s)
			}
			if n, _ := f.emails.CountPending(c.ID); n != 0 {
				t.Errorf("pending records = %d, want 0", n)
			}
		})
	}
}

func TestDiscoverContinuesAfterPrepareFailure(t *testing.T) {
	f := newFixture(t)
	ana := f.addClient(t, "Ana", "ana@example.com", true)

	deps := f.deps
	deps.Audience = audience.NewResolver(&brokenAllClients{f.clients})
	engine := NewEngine(deps, slog.New(slog.NewTextHandler(io.Discard, nil)))

	g := &models.ClientGroup{Name: "VIP"}
	f.groups.Create(g)
	f.groups.AddMembers(g.ID, []string{ana.ID})

	broken := f.addCampaign(t, true)
	healthy := f.addCampaign(t, false, g.ID)
	f.scheduleDue(t, broken)
	f.scheduleDue(t, healthy)

	outcomes, err := engine.DiscoverDueCampaigns(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DiscoverDueCampaigns failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %+v", outcomes)
	}

	for _, out := range outcomes {
		switch out.CampaignID {
		case broken.ID:
			if out.Err == nil || out.Status != models.CampaignFailed {
				t.Errorf("broken outcome = %+v, want failed with error", out)
			}
		case healthy.ID:
			if out.Err != nil || out.Status != models.CampaignCompleted || out.Counts.Sent != 1 {
				t.Errorf("healthy outcome = %+v, want completed with 1 sent", out)
			}
		}
	}

	if s := f.status(t, broken.ID); s != models.CampaignFailed {
		t.Errorf("broken status = %s, want failed", s)
	}
	if s := f.status(t, healthy.ID); s != models.CampaignCompleted {
		t.Errorf("healthy status = %s, want completed", s)
	}
}

func TestStartSendingPrepareFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)

	deps := f.deps
	deps.Audience = audience.NewResolver(&brokenAllClients{f.clients})
	engine := NewEngine(deps, slog.New(slog.NewTextHandler(io.Discard, nil)))

	c := f.addCampaign(t, true)
	if _, _, err := engine.StartSending(context.Background(), c.ID); err == nil {
		t.Fatal("expected StartSending to fail")
	}
	if s := f.status(t, c.ID); s != models.CampaignFailed {
		t.Errorf("status = %s, want failed", s)
	}
	if engine.locks.Held(c.ID) {
		t.Error("lease must be released after a failed start")
	}
}

func TestDispatchStoreErrorLeavesStatus(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	c := f.addCampaign(t, true)
	if _, _, err := f.engine.StartSending(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.db.Exec("DROP TABLE email_records"); err != nil {
		t.Fatal(err)
	}

	counts, err := f.engine.DispatchCampaign(context.Background(), c.ID)
	if err == nil {
		t.Fatal("expected an error when pending emails cannot be loaded")
	}
	if counts != (Counts{}) {
		t.Errorf("counts = %+v, want zero", counts)
	}
	if s := f.status(t, c.ID); s != models.CampaignSending {
		t.Errorf("status = %s, want sending", s)
	}
	if f.sender.count() != 0 {
		t.Errorf("sender got %d messages, want 0", f.sender.count())
	}
}

func TestUnrecordedSendIsNotCounted(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)
	f.addClient(t, "Bia", "bia@example.com", true)
	c := f.addCampaign(t, true)
	f.engine.StartSending(context.Background(), c.ID)

	// the record changes under the dispatcher, so MarkSent is rejected
	first := true
	f.sender.onSend = func(msg *transport.Message) {
		if first {
			first = false
			f.emails.MarkFailed(msg.RecordID, "changed elsewhere")
		}
	}

	counts, err := f.engine.DispatchCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts != (Counts{Remaining: 1}) {
		t.Errorf("counts = %+v, want nothing counted and 1 remaining", counts)
	}
	if s := f.status(t, c.ID); s != models.CampaignSending {
		t.Errorf("status = %s, want sending", s)
	}
	if f.sender.count() != 1 {
		t.Errorf("sender got %d messages, want 1", f.sender.count())
	}
}

func TestRunOnceReentersWhenDiscoveryFails(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "Ana", "ana@example.com", true)

	sending := f.addCampaign(t, true)
	if _, _, err := f.engine.StartSending(context.Background(), sending.ID); err != nil {
		t.Fatal(err)
	}

	// a due campaign whose row cannot be scanned breaks discovery
	corrupt := f.addCampaign(t, true)
	f.scheduleDue(t, corrupt)
	if _, err := f.db.Exec("UPDATE campaigns SET all_clients = 'abc' WHERE id = ?", corrupt.ID); err != nil {
		t.Fatal(err)
	}

	outcomes, err := f.engine.RunOnce(context.Background(), time.Now())
	if err == nil {
		t.Error("expected the discovery error to be returned")
	}
	if len(outcomes) != 1 || outcomes[0].CampaignID != sending.ID || outcomes[0].Counts.Sent != 1 {
		t.Errorf("RunOnce() outcomes = %+v, want the sending campaign dispatched", outcomes)
	}
	if s := f.status(t, sending.ID); s != models.CampaignCompleted {
		t.Errorf("status = %s, want completed", s)
	}
}
