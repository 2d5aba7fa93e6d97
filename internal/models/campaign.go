package models

import "time"

// Campaign represents an email marketing campaign
type Campaign struct {
	ID             string         `json:"id"`
	Title          string         `json:"titulo"`
	Description    string         `json:"descricao"`
	Subject        string         `json:"assunto"`
	Body           string         `json:"corpo"`
	Status         CampaignStatus `json:"status"`
	CreatedBy      string         `json:"criador,omitempty"`
	AllClients     bool           `json:"todos_clientes"`
	GroupIDs       []string       `json:"grupos"`
	CreatedAt      time.Time      `json:"data_criacao"`
	UpdatedAt      time.Time      `json:"data_atualizacao"`
	ScheduledAt    *time.Time     `json:"data_agendamento,omitempty"`
	SendStartedAt  *time.Time     `json:"data_inicio_envio,omitempty"`
	SendFinishedAt *time.Time     `json:"data_fim_envio,omitempty"`
}

// Attachment is a file sent along with every email of a campaign
type Attachment struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campanha"`
	FilePath    string    `json:"arquivo"`
	Name        string    `json:"nome"`
	ContentType string    `json:"tipo"`
	UploadedAt  time.Time `json:"data_upload"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Search string
	Status CampaignStatus
	Limit  int
	Offset int
}
