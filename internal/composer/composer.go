// Package composer turns a campaign and a client into a deliverable message.
package composer

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zephy0808/mailcampaign/internal/models"
	"github.com/zephy0808/mailcampaign/internal/transport"
)

// ErrAttachmentUnreadable is returned when an attachment file cannot be read
var ErrAttachmentUnreadable = errors.New("attachment unreadable")

// Signer signs a raw message (DKIM)
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// Config configures message composition
type Config struct {
	From            string // header From, e.g. "Loja <news@example.com>"
	TrackingBaseURL string
	AttachmentsDir  string // base directory for relative attachment paths
	Hostname        string // right-hand side of generated Message-IDs
}

// Composer builds campaign messages
type Composer struct {
	cfg      Config
	envelope string
	signer   Signer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a composer. signer may be nil to send unsigned mail.
func New(cfg Config, signer Signer, logger *slog.Logger) (*Composer, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", cfg.From, err)
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	return &Composer{
		cfg:      cfg,
		envelope: from.Address,
		signer:   signer,
		logger:   logger.With("component", "composer"),
		now:      time.Now,
	}, nil
}

// Compose builds the personalised message for one recipient: placeholders
// substituted in subject and body, tracking pixel embedded in the HTML part
// and the campaign attachments added.
func (c *Composer) Compose(campaign *models.Campaign, client *models.Client, record *models.EmailRecord, attachments []models.Attachment) (*transport.Message, error) {
	files, err := c.readAttachments(attachments)
	if err != nil {
		return nil, err
	}

	subject := Substitute(campaign.Subject, client)
	body := Substitute(campaign.Body, client)
	html := WrapHTML(body, TrackingPixel(c.cfg.TrackingBaseURL, record.ID))

	to := mail.Address{Name: client.FullName(), Address: client.Email}
	msg, err := c.build(campaign.ID, to.String(), subject, body, html, files)
	if err != nil {
		return nil, err
	}

	msg.To = []string{client.Email}
	msg.RecordID = record.ID
	return msg, nil
}

// ComposeTest builds a preview of the campaign for a single address. The
// raw subject and body are sent as plain text, without substitution or
// tracking.
func (c *Composer) ComposeTest(campaign *models.Campaign, to string, attachments []models.Attachment) (*transport.Message, error) {
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	files, err := c.readAttachments(attachments)
	if err != nil {
		return nil, err
	}

	msg, err := c.build(campaign.ID, addr.String(), campaign.Subject, campaign.Body, "", files)
	if err != nil {
		return nil, err
	}
	msg.To = []string{addr.Address}
	return msg, nil
}

func (c *Composer) build(campaignID, to, subject, text, html string, files []attachmentData) (*transport.Message, error) {
	messageID := uuid.NewString() + "@" + c.cfg.Hostname

	var h header
	h.add("From", c.cfg.From)
	h.add("To", to)
	h.add("Subject", mime.QEncoding.Encode("utf-8", subject))
	h.add("Date", c.now().Format(time.RFC1123Z))
	h.add("Message-ID", "<"+messageID+">")
	h.add("MIME-Version", "1.0")
	if campaignID != "" {
		h.add("X-Campaign-ID", campaignID)
	}

	data, err := buildMessage(h, text, html, files)
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	if c.signer != nil {
		signed, err := c.signer.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned",
				"campaign_id", campaignID,
				"error", err,
			)
		} else {
			data = signed
		}
	}

	return &transport.Message{
		ID:         messageID,
		From:       c.envelope,
		Subject:    subject,
		Data:       data,
		CampaignID: campaignID,
	}, nil
}

func (c *Composer) readAttachments(attachments []models.Attachment) ([]attachmentData, error) {
	files := make([]attachmentData, 0, len(attachments))
	for _, att := range attachments {
		path := att.FilePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.cfg.AttachmentsDir, path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAttachmentUnreadable, att.Name, err)
		}

		name := att.Name
		if name == "" {
			name = filepath.Base(path)
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = detectContentType(name)
		}

		files = append(files, attachmentData{name: name, contentType: contentType, data: data})
	}
	return files, nil
}
