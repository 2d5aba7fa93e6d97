package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/zephy0808/mailcampaign/internal/metrics"
	"github.com/zephy0808/mailcampaign/internal/models"
)

// Schedule sets the send time of a campaign and moves it to scheduled
func (e *Engine) Schedule(ctx context.Context, campaignID string, when time.Time) (*models.Campaign, error) {
	c, err := e.Campaigns.Schedule(campaignID, when)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCampaignNotFound
	}

	e.logger.Info("campaign scheduled", "campaign_id", campaignID, "scheduled_at", c.ScheduledAt)
	return c, nil
}

// StartSending moves a draft or scheduled campaign to sending and creates
// its report and email records. Sending itself happens on the next trigger.
func (e *Engine) StartSending(ctx context.Context, campaignID string) (*models.Campaign, int, error) {
	current, err := e.Campaigns.GetByID(campaignID)
	if err != nil {
		return nil, 0, err
	}
	if current == nil {
		return nil, 0, ErrCampaignNotFound
	}
	if current.Status != models.CampaignDraft && current.Status != models.CampaignScheduled {
		return nil, 0, fmt.Errorf("%w: campaign is %s; only draft or scheduled campaigns can start sending",
			models.ErrInvalidTransition, current.Status)
	}

	return e.begin(campaignID, e.now())
}

// Cancel stops a campaign. Records still pending are left as they are.
func (e *Engine) Cancel(ctx context.Context, campaignID string) (*models.Campaign, error) {
	c, err := e.Campaigns.Transition(campaignID, models.CampaignCancelled, e.now())
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCampaignNotFound
	}

	metrics.IncCampaignsFinished(string(models.CampaignCancelled))
	e.logger.Info("campaign cancelled", "campaign_id", campaignID)
	return c, nil
}

// SendTest sends the raw campaign content to a single address. No email
// record is created and nothing is tracked.
func (e *Engine) SendTest(ctx context.Context, campaignID, to string) error {
	c, err := e.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrCampaignNotFound
	}

	attachments, err := e.Attachments.ListByCampaign(campaignID)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}

	msg, err := e.Composer.ComposeTest(c, to, attachments)
	if err != nil {
		return err
	}
	if err := e.Sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send test email: %w", err)
	}

	e.logger.Info("test email sent", "campaign_id", campaignID, "email", to)
	return nil
}

// RetryFailed moves the failed records of a campaign back to pending so the
// next trigger sends them again. Returns the number of records reset.
func (e *Engine) RetryFailed(ctx context.Context, campaignID string) (int, error) {
	c, err := e.Campaigns.GetByID(campaignID)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, ErrCampaignNotFound
	}
	if c.Status != models.CampaignSending {
		return 0, fmt.Errorf("%w: campaign is %s; failed emails can only be retried while sending",
			models.ErrInvalidTransition, c.Status)
	}

	n, err := e.Emails.ResetFailed(campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed emails: %w", err)
	}

	e.logger.Info("failed emails queued for retry", "campaign_id", campaignID, "count", n)
	return n, nil
}
