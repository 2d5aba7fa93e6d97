package models

import "time"

// EmailRecord tracks delivery and engagement of one campaign email to one client.
// ID is the opaque identifier embedded in tracking URLs.
type EmailRecord struct {
	ID          string      `json:"id"`
	CampaignID  string      `json:"campanha"`
	ClientID    string      `json:"cliente"`
	ClientEmail string      `json:"cliente_email,omitempty"` // joined field
	Status      EmailStatus `json:"status"`
	Error       string      `json:"erro,omitempty"`
	SentAt      *time.Time  `json:"data_envio,omitempty"`
	OpenedAt    *time.Time  `json:"data_abertura,omitempty"`
	ClickedAt   *time.Time  `json:"data_clique,omitempty"`
	RespondedAt *time.Time  `json:"data_resposta,omitempty"`
	CreatedAt   time.Time   `json:"data_criacao"`
}

// EmailListFilter for filtering email records
type EmailListFilter struct {
	CampaignID string
	Status     EmailStatus
	Limit      int
	Offset     int
}

// EmailStats holds per-status record counts of a campaign
type EmailStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
	Responded int `json:"responded"`
}
