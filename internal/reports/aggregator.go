// Package reports rolls email record states up into campaign reports.
package reports

import (
	"fmt"
	"log/slog"

	"github.com/zephy0808/mailcampaign/internal/models"
)

// StatsSource returns per-status record counts of a campaign
type StatsSource interface {
	GetStats(campaignID string) (models.EmailStats, error)
}

// Store persists reports
type Store interface {
	GetOrCreate(campaignID string) (*models.Report, error)
	GetByCampaign(campaignID string) (*models.Report, error)
	List() ([]models.Report, error)
	Save(rep *models.Report) error
}

// Aggregator recomputes reports with a full rescan of the email records
type Aggregator struct {
	emails  StatsSource
	reports Store
	logger  *slog.Logger
}

// NewAggregator creates a new aggregator
func NewAggregator(emails StatsSource, reports Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		emails:  emails,
		reports: reports,
		logger:  logger.With("component", "reports"),
	}
}

// Rate returns count as a percentage of total, or 0 when total is 0
func Rate(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(count) / float64(total)
}

// Apply fills the report totals and rates from record counts. A record
// counts as opened once it reached opened or any later engagement state.
func Apply(rep *models.Report, stats models.EmailStats) {
	rep.TotalSent = stats.Total
	rep.TotalOpened = stats.Opened + stats.Clicked + stats.Responded
	rep.TotalClicked = stats.Clicked + stats.Responded
	rep.TotalResponded = stats.Responded

	rep.OpenRate = Rate(rep.TotalOpened, rep.TotalSent)
	rep.ClickRate = Rate(rep.TotalClicked, rep.TotalSent)
	rep.ResponseRate = Rate(rep.TotalResponded, rep.TotalSent)
}

// Recompute rescans the records of rep's campaign and persists the result
func (a *Aggregator) Recompute(rep *models.Report) error {
	stats, err := a.emails.GetStats(rep.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to count email records: %w", err)
	}

	Apply(rep, stats)

	if err := a.reports.Save(rep); err != nil {
		return err
	}

	a.logger.Debug("report recomputed",
		"campaign_id", rep.CampaignID,
		"total", rep.TotalSent,
		"opened", rep.TotalOpened,
		"clicked", rep.TotalClicked,
	)
	return nil
}

// Refresh gets or creates the report of a campaign and recomputes it
func (a *Aggregator) Refresh(campaignID string) (*models.Report, error) {
	rep, err := a.reports.GetOrCreate(campaignID)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, fmt.Errorf("report for campaign %s could not be created", campaignID)
	}
	if err := a.Recompute(rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// RecomputeIfExists recomputes the report of a campaign when one exists.
// Returns nil without error when the campaign has no report.
func (a *Aggregator) RecomputeIfExists(campaignID string) (*models.Report, error) {
	rep, err := a.reports.GetByCampaign(campaignID)
	if err != nil || rep == nil {
		return nil, err
	}
	if err := a.Recompute(rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// RefreshAll recomputes every existing report
func (a *Aggregator) RefreshAll() ([]models.Report, error) {
	list, err := a.reports.List()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if err := a.Recompute(&list[i]); err != nil {
			return nil, fmt.Errorf("campaign %s: %w", list[i].CampaignID, err)
		}
	}
	return list, nil
}
