package models

import "time"

// Client represents a contact that can receive campaign emails
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"nome"`
	Surname      string    `json:"sobrenome"`
	Email        string    `json:"email"`
	Phone        string    `json:"telefone,omitempty"`
	Active       bool      `json:"ativo"`
	RegisteredAt time.Time `json:"data_cadastro"`
}

// FullName returns name and surname joined by a space
func (c *Client) FullName() string {
	if c.Surname == "" {
		return c.Name
	}
	return c.Name + " " + c.Surname
}

// ClientGroup is a named set of clients
type ClientGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"nome"`
	Description string    `json:"descricao"`
	MemberCount int       `json:"total_clientes"`
	CreatedAt   time.Time `json:"data_criacao"`
}

// ClientListFilter for filtering clients
type ClientListFilter struct {
	Search  string
	GroupID string
	Active  *bool
	Limit   int
	Offset  int
}
