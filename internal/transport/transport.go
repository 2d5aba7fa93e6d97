// Package transport delivers composed campaign messages.
package transport

import (
	"context"
	"errors"
)

// Message is a fully composed email ready for delivery
type Message struct {
	ID         string   `json:"id"` // Message-ID without angle brackets
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
	Data       []byte   `json:"data"`
	CampaignID string   `json:"campaign_id,omitempty"`
	RecordID   string   `json:"record_id,omitempty"`
}

// Sender delivers messages
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Code      int
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
