// Package audience resolves the set of clients targeted by a campaign.
package audience

import (
	"fmt"

	"github.com/zephy0808/mailcampaign/internal/models"
)

// ClientSource provides active clients
type ClientSource interface {
	ListActive() ([]models.Client, error)
	ListActiveInGroups(groupIDs []string) ([]models.Client, error)
}

// Resolver computes campaign audiences
type Resolver struct {
	clients ClientSource
}

// NewResolver creates a new audience resolver
func NewResolver(clients ClientSource) *Resolver {
	return &Resolver{clients: clients}
}

// Resolve returns every active client targeted by the campaign, each exactly once.
// When the campaign targets all clients its groups are ignored.
func (r *Resolver) Resolve(campaign *models.Campaign) ([]models.Client, error) {
	var (
		clients []models.Client
		err     error
	)

	if campaign.AllClients {
		clients, err = r.clients.ListActive()
	} else {
		clients, err = r.clients.ListActiveInGroups(campaign.GroupIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience of campaign %s: %w", campaign.ID, err)
	}

	return dedupe(clients), nil
}

func dedupe(clients []models.Client) []models.Client {
	seen := make(map[string]struct{}, len(clients))
	out := make([]models.Client, 0, len(clients))
	for _, c := range clients {
		if !c.Active {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// IDs returns the client IDs in order
func IDs(clients []models.Client) []string {
	ids := make([]string, len(clients))
	for i, c := range clients {
		ids[i] = c.ID
	}
	return ids
}
