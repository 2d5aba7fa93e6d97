package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TLS policies for the relay connection
const (
	TLSOpportunistic = "opportunistic" // STARTTLS when offered
	TLSRequired      = "required"      // fail if STARTTLS is not offered
	TLSImplicit      = "implicit"      // TLS from the first byte (port 465)
	TLSNone          = "none"
)

// SMTPConfig configures the relay sender
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLSPolicy          string
	InsecureSkipVerify bool
	HeloName           string
	Timeout            time.Duration
}

// SMTPSender relays messages through a single SMTP server
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPSender creates a new relay sender
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TLSPolicy == "" {
		cfg.TLSPolicy = TLSOpportunistic
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	return &SMTPSender{
		cfg:    cfg,
		logger: logger.With("component", "smtp_sender"),
	}
}

// Send delivers msg to the relay
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		return &DeliveryError{Temporary: false, Message: "no recipients"}
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	client, err := s.connect(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello(s.cfg.HeloName); err != nil {
		return categorizeError(err, "HELO")
	}

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(msg.From, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}

	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return categorizeError(err, fmt.Sprintf("RCPT TO %s", rcpt))
		}
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}

	if _, err := bytes.NewReader(msg.Data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{Temporary: true, Message: fmt.Sprintf("failed to write message data: %v", err)}
	}

	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()

	s.logger.Debug("message relayed",
		"relay", addr,
		"message_id", msg.ID,
		"to", msg.To,
	)

	return nil
}

// connect opens a client session according to the TLS policy. With the
// opportunistic policy a server without STARTTLS is redialed in plain text.
func (s *SMTPSender) connect(ctx context.Context, addr string) (*smtp.Client, error) {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	switch s.cfg.TLSPolicy {
	case TLSOpportunistic, TLSRequired:
	default:
		return smtp.NewClient(conn), nil
	}

	client, err := smtp.NewClientStartTLS(conn, s.tlsConfig())
	if err == nil {
		return client, nil
	}
	if !startTLSUnsupported(err) {
		return nil, categorizeError(err, "STARTTLS")
	}
	if s.cfg.TLSPolicy == TLSRequired {
		return nil, &DeliveryError{Temporary: false, Message: fmt.Sprintf("%s does not support STARTTLS", addr)}
	}

	s.logger.Debug("relay does not offer STARTTLS, continuing in plain text", "relay", addr)

	conn, err = s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return smtp.NewClient(conn), nil
}

func (s *SMTPSender) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	var conn net.Conn
	var err error
	if s.cfg.TLSPolicy == TLSImplicit {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &DeliveryError{Temporary: true, Message: fmt.Sprintf("connection failed to %s: %v", addr, err)}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	return conn, nil
}

// startTLSUnsupported reports whether err came from a server that does not
// advertise STARTTLS. go-smtp returns an unexported plain error for it.
func startTLSUnsupported(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return false
	}
	return strings.Contains(err.Error(), "support STARTTLS")
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
}

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Temporary(),
			Code:      smtpErr.Code,
			Message:   msg,
		}
	}

	// Network and protocol errors without a reply code
	return &DeliveryError{Temporary: true, Message: msg}
}
