// Package dispatch drives campaigns from scheduled to completed: it
// expands audiences into email records and sends them one at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zephy0808/mailcampaign/internal/audience"
	"github.com/zephy0808/mailcampaign/internal/composer"
	"github.com/zephy0808/mailcampaign/internal/metrics"
	"github.com/zephy0808/mailcampaign/internal/models"
	"github.com/zephy0808/mailcampaign/internal/ratelimit"
	"github.com/zephy0808/mailcampaign/internal/reports"
	"github.com/zephy0808/mailcampaign/internal/repository"
	"github.com/zephy0808/mailcampaign/internal/transport"
)

var (
	// ErrDispatchInProgress is returned when another dispatch holds the campaign lease
	ErrDispatchInProgress = errors.New("dispatch already in progress")
	// ErrCampaignNotFound is returned for unknown campaign ids
	ErrCampaignNotFound = errors.New("campaign not found")

	errPrepare = errors.New("failed to prepare campaign")
)

// Counts is the outcome of one dispatch run
type Counts struct {
	Sent      int `json:"enviados"`
	Failed    int `json:"falhas"`
	Remaining int `json:"pendentes"`
}

// Outcome is the result of processing one campaign during a trigger
type Outcome struct {
	CampaignID string
	Counts     Counts
	Status     models.CampaignStatus
	Err        error
}

// Deps are the collaborators of the engine
type Deps struct {
	Campaigns   *repository.CampaignRepository
	Clients     *repository.ClientRepository
	Emails      *repository.EmailRepository
	Attachments *repository.AttachmentRepository
	Reports     *repository.ReportRepository
	Aggregator  *reports.Aggregator
	Audience    *audience.Resolver
	Composer    *composer.Composer
	Sender      transport.Sender
	Throttle    *ratelimit.Throttle
	Quota       *ratelimit.Quota // optional
}

// Engine runs campaign dispatch
type Engine struct {
	Deps
	locks  *Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a dispatch engine
func NewEngine(deps Deps, logger *slog.Logger) *Engine {
	if deps.Throttle == nil {
		deps.Throttle = ratelimit.NewThrottle(0)
	}
	return &Engine{
		Deps:   deps,
		locks:  NewLocker(),
		logger: logger.With("component", "dispatch"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce is one periodic trigger: start every due scheduled campaign, then
// re-enter every campaign still sending. Re-entry runs even when discovery
// fails; both errors are returned.
func (e *Engine) RunOnce(ctx context.Context, now time.Time) ([]Outcome, error) {
	discovered, discoverErr := e.DiscoverDueCampaigns(ctx, now)
	if discoverErr != nil {
		e.logger.Error("discovery of due campaigns failed", "error", discoverErr)
	}

	reentered, reenterErr := e.ReenterSending(ctx)
	return append(discovered, reentered...), errors.Join(discoverErr, reenterErr)
}

// DiscoverDueCampaigns starts every scheduled campaign whose time has come.
// A campaign that cannot be prepared is marked failed and the others still run.
func (e *Engine) DiscoverDueCampaigns(ctx context.Context, now time.Time) ([]Outcome, error) {
	due, err := e.Campaigns.GetScheduledDue(now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}

	outcomes := make([]Outcome, 0, len(due))
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}

		logger := e.logger.With("campaign_id", c.ID)
		out := Outcome{CampaignID: c.ID}

		started, _, err := e.begin(c.ID, now.UTC())
		switch {
		case errors.Is(err, ErrCampaignNotFound):
			continue
		case errors.Is(err, errPrepare):
			out.Err = err
			out.Status = e.statusOf(c.ID)
			outcomes = append(outcomes, out)
			continue
		case err != nil:
			// lost the race against another trigger or an API action
			logger.Warn("could not start scheduled campaign", "error", err)
			out.Err = err
			outcomes = append(outcomes, out)
			continue
		}

		logger.Info("campaign started", "title", started.Title)

		out.Counts, out.Err = e.DispatchCampaign(ctx, c.ID)
		out.Status = e.statusOf(c.ID)
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

// ReenterSending resumes every campaign in sending. A campaign with no
// pending record left is completed; the others are dispatched again.
func (e *Engine) ReenterSending(ctx context.Context) ([]Outcome, error) {
	sending, err := e.Campaigns.ListByStatus(models.CampaignSending)
	if err != nil {
		return nil, fmt.Errorf("failed to list sending campaigns: %w", err)
	}

	outcomes := make([]Outcome, 0, len(sending))
	for _, c := range sending {
		if ctx.Err() != nil {
			break
		}

		// a campaign still being prepared holds the lease
		if !e.locks.TryLock(c.ID) {
			continue
		}
		pending, err := e.Emails.CountPending(c.ID)
		if err == nil && pending == 0 {
			err = e.complete(c.ID)
		}
		e.locks.Unlock(c.ID)

		out := Outcome{CampaignID: c.ID}

		if err != nil || pending == 0 {
			out.Err = err
			out.Status = e.statusOf(c.ID)
			outcomes = append(outcomes, out)
			continue
		}

		out.Counts, out.Err = e.DispatchCampaign(ctx, c.ID)
		if errors.Is(out.Err, ErrDispatchInProgress) {
			continue
		}
		out.Status = e.statusOf(c.ID)
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

// DispatchCampaign sends every pending record of a sending campaign, one
// at a time. Per-recipient failures mark only that record failed. The
// campaign is completed when the run had no failures and nothing is left
// pending.
func (e *Engine) DispatchCampaign(ctx context.Context, campaignID string) (Counts, error) {
	if !e.locks.TryLock(campaignID) {
		return Counts{}, ErrDispatchInProgress
	}
	defer e.locks.Unlock(campaignID)

	start := time.Now()
	defer func() { metrics.ObserveDispatch(time.Since(start).Seconds()) }()

	campaign, err := e.Campaigns.GetByID(campaignID)
	if err != nil {
		return Counts{}, err
	}
	if campaign == nil {
		return Counts{}, ErrCampaignNotFound
	}
	if campaign.Status != models.CampaignSending {
		return Counts{}, fmt.Errorf("%w: campaign %s is %s, not sending", models.ErrInvalidTransition, campaignID, campaign.Status)
	}

	attachments, err := e.Attachments.ListByCampaign(campaignID)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to load attachments: %w", err)
	}

	pending, err := e.Emails.GetPending(campaignID)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to load pending emails: %w", err)
	}

	logger := e.logger.With("campaign_id", campaignID)
	logger.Info("dispatch started", "pending", len(pending))

	var counts Counts
	stopped := false

	for i := range pending {
		rec := &pending[i]

		if err := e.Throttle.Wait(ctx); err != nil {
			stopped = true
			break
		}

		if !e.stillSending(campaignID) {
			logger.Info("campaign left sending, stopping dispatch")
			stopped = true
			break
		}

		if e.Quota != nil {
			d := e.Quota.Allow(ratelimit.Request{CampaignID: campaignID, RecipientDomain: domainOf(rec.ClientEmail)})
			if !d.Allowed {
				logger.Warn("send quota exhausted, deferring remaining emails",
					"scope", d.Scope,
					"retry_after", d.RetryAfter,
				)
				metrics.IncQuotaDeferred(string(d.Scope))
				stopped = true
				break
			}
		}

		switch e.sendOne(ctx, logger, campaign, rec, attachments) {
		case sendOK:
			counts.Sent++
		case sendFailed:
			counts.Failed++
		case sendUnrecorded, sendInterrupted:
			stopped = true
		}
		if stopped {
			break
		}
	}

	counts.Remaining, err = e.Emails.CountPending(campaignID)
	if err != nil {
		logger.Error("failed to count pending emails", "error", err)
	}

	if !stopped && err == nil && counts.Failed == 0 && counts.Remaining == 0 {
		if err := e.complete(campaignID); err != nil {
			logger.Warn("could not complete campaign", "error", err)
		}
	} else if _, err := e.Aggregator.RecomputeIfExists(campaignID); err != nil {
		logger.Error("failed to update report", "error", err)
	}

	logger.Info("dispatch finished",
		"sent", counts.Sent,
		"failed", counts.Failed,
		"remaining", counts.Remaining,
	)

	return counts, nil
}

type sendResult int

const (
	sendOK sendResult = iota
	sendFailed
	// delivered but the record could not be marked sent
	sendUnrecorded
	// ctx ended mid-send; the record stays pending
	sendInterrupted
)

// sendOne composes and sends one record
func (e *Engine) sendOne(ctx context.Context, logger *slog.Logger, campaign *models.Campaign, rec *models.EmailRecord, attachments []models.Attachment) sendResult {
	logger = logger.With("record_id", rec.ID, "email", rec.ClientEmail)

	client, err := e.Clients.GetByID(rec.ClientID)
	if err == nil && client == nil {
		err = fmt.Errorf("client %s not found", rec.ClientID)
	}
	if err != nil {
		e.fail(logger, rec, "compose", err)
		return sendFailed
	}

	msg, err := e.Composer.Compose(campaign, client, rec, attachments)
	if err != nil {
		e.fail(logger, rec, "compose", err)
		return sendFailed
	}

	if err := e.Sender.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return sendInterrupted
		}
		reason := "permanent"
		if transport.IsTemporaryError(err) {
			reason = "temporary"
		}
		e.fail(logger, rec, reason, err)
		return sendFailed
	}

	metrics.IncEmailsSent()
	if err := e.Emails.MarkSent(rec.ID, e.now()); err != nil {
		logger.Error("email sent but record not updated, a later run may send it again",
			"message_id", msg.ID,
			"error", err,
		)
		return sendUnrecorded
	}
	logger.Debug("email sent", "message_id", msg.ID)
	return sendOK
}

func (e *Engine) fail(logger *slog.Logger, rec *models.EmailRecord, reason string, cause error) {
	logger.Error("failed to send email", "reason", reason, "error", cause)
	metrics.IncEmailsFailed(reason)
	if err := e.Emails.MarkFailed(rec.ID, cause.Error()); err != nil {
		logger.Error("failed to mark email failed", "error", err)
	}
}

// begin moves a campaign to sending and prepares its records under the
// campaign lease. A prepare failure marks the campaign failed and is
// returned wrapped in errPrepare.
func (e *Engine) begin(campaignID string, at time.Time) (*models.Campaign, int, error) {
	if !e.locks.TryLock(campaignID) {
		return nil, 0, ErrDispatchInProgress
	}
	defer e.locks.Unlock(campaignID)

	c, err := e.Campaigns.Transition(campaignID, models.CampaignSending, at)
	if err != nil {
		return nil, 0, err
	}
	if c == nil {
		return nil, 0, ErrCampaignNotFound
	}

	created, err := e.prepare(c)
	if err != nil {
		e.logger.Error("failed to prepare campaign", "campaign_id", campaignID, "error", err)
		e.markFailed(campaignID)
		return nil, 0, fmt.Errorf("%w: %w", errPrepare, err)
	}
	return c, created, nil
}

// prepare creates the report and the email records of a campaign that
// just entered sending. It returns the number of records created.
func (e *Engine) prepare(campaign *models.Campaign) (int, error) {
	if _, err := e.Reports.GetOrCreate(campaign.ID); err != nil {
		return 0, err
	}

	clients, err := e.Audience.Resolve(campaign)
	if err != nil {
		return 0, err
	}

	created, err := e.Emails.CreateForClients(campaign.ID, audience.IDs(clients))
	if err != nil {
		return 0, fmt.Errorf("failed to create email records: %w", err)
	}

	e.logger.Info("email records created",
		"campaign_id", campaign.ID,
		"audience", len(clients),
		"created", created,
	)
	return created, nil
}

func (e *Engine) complete(campaignID string) error {
	c, err := e.Campaigns.Transition(campaignID, models.CampaignCompleted, e.now())
	if err != nil {
		return err
	}
	if c == nil {
		return ErrCampaignNotFound
	}

	metrics.IncCampaignsFinished(string(models.CampaignCompleted))
	e.logger.Info("campaign completed", "campaign_id", campaignID)

	if _, err := e.Aggregator.RecomputeIfExists(campaignID); err != nil {
		e.logger.Error("failed to update report", "campaign_id", campaignID, "error", err)
	}
	return nil
}

func (e *Engine) markFailed(campaignID string) models.CampaignStatus {
	if _, err := e.Campaigns.Transition(campaignID, models.CampaignFailed, e.now()); err != nil {
		e.logger.Error("failed to mark campaign failed", "campaign_id", campaignID, "error", err)
		return e.statusOf(campaignID)
	}
	metrics.IncCampaignsFinished(string(models.CampaignFailed))
	return models.CampaignFailed
}

func (e *Engine) stillSending(campaignID string) bool {
	return e.statusOf(campaignID) == models.CampaignSending
}

func (e *Engine) statusOf(campaignID string) models.CampaignStatus {
	c, err := e.Campaigns.GetByID(campaignID)
	if err != nil || c == nil {
		return ""
	}
	return c.Status
}

func domainOf(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}
