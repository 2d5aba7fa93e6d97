package models

import "time"

// Report aggregates delivery metrics of a campaign
type Report struct {
	CampaignID     string    `json:"campanha"`
	CampaignTitle  string    `json:"campanha_titulo,omitempty"` // joined field
	TotalSent      int       `json:"total_envios"`
	TotalOpened    int       `json:"total_aberturas"`
	TotalClicked   int       `json:"total_cliques"`
	TotalResponded int       `json:"total_respostas"`
	OpenRate       float64   `json:"taxa_abertura"`
	ClickRate      float64   `json:"taxa_clique"`
	ResponseRate   float64   `json:"taxa_resposta"`
	UpdatedAt      time.Time `json:"data_atualizacao"`
}
