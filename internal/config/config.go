package config

import (
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mail transport modes
const (
	MailModeSMTP   = "smtp"
	MailModeOutbox = "outbox"
)

// Config is the main configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	State    StateConfig    `yaml:"state"`
	Storage  StorageConfig  `yaml:"storage"`
	Tracking TrackingConfig `yaml:"tracking"`
	Mail     MailConfig     `yaml:"mail"`
	DKIM     DKIMConfig     `yaml:"dkim"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Hostname       string        `yaml:"hostname"` // used in Message-IDs
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // default: 30s
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // default: 60s
}

// DatabaseConfig contains the SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StateConfig contains the BoltDB settings (outbox, send quotas)
type StateConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	AttachmentsDir string `yaml:"attachments_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"` // default: 10MB
}

// TrackingConfig contains open/click tracking settings
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"` // public URL the tracking pixel points at
}

// MailConfig contains outgoing mail settings
type MailConfig struct {
	Mode   string       `yaml:"mode"` // smtp or outbox
	From   string       `yaml:"from"`
	SMTP   SMTPConfig   `yaml:"smtp"`
	Outbox OutboxConfig `yaml:"outbox"`
}

// OutboxConfig contains retention for captured messages
type OutboxConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // default: 168h
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // default: 1h
}

// SMTPConfig contains relay settings
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLSPolicy          string        `yaml:"tls_policy"` // opportunistic, required, implicit, none
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// DispatchConfig contains the periodic trigger and pacing settings
type DispatchConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`   // default: 1m
	RatePerSecond float64       `yaml:"rate_per_second"` // default: 10, <0 disables throttling
	Quota         QuotaConfig   `yaml:"quota"`
}

// QuotaConfig contains send quotas persisted across restarts
type QuotaConfig struct {
	Global          *LimitValues  `yaml:"global,omitempty"`
	Campaign        *LimitValues  `yaml:"campaign,omitempty"`
	RecipientDomain *LimitValues  `yaml:"recipient_domain,omitempty"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// LimitValues contains quota values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// Enabled reports whether any quota is configured
func (q QuotaConfig) Enabled() bool {
	return q.Global != nil || q.Campaign != nil || q.RecipientDomain != nil
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"` // default: :9090
	Path            string        `yaml:"path"`        // default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"`
	AllowedIPs      []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to scrape
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/mailcampaign/mailcampaign.db"
	}
	if c.State.Path == "" {
		c.State.Path = "/var/lib/mailcampaign/state.db"
	}
	if c.Storage.AttachmentsDir == "" {
		c.Storage.AttachmentsDir = "/var/lib/mailcampaign/anexos"
	}
	if c.Storage.MaxUploadBytes == 0 {
		c.Storage.MaxUploadBytes = 10 * 1024 * 1024
	}

	if c.Tracking.BaseURL == "" {
		c.Tracking.BaseURL = "http://localhost" + c.Server.ListenAddr
	}

	if c.Mail.Mode == "" {
		c.Mail.Mode = MailModeSMTP
	}
	if c.Mail.SMTP.Port == 0 {
		c.Mail.SMTP.Port = 587
	}
	if c.Mail.SMTP.TLSPolicy == "" {
		c.Mail.SMTP.TLSPolicy = "opportunistic"
	}
	if c.Mail.SMTP.Timeout == 0 {
		c.Mail.SMTP.Timeout = 30 * time.Second
	}

	if c.Mail.Outbox.MaxAge == 0 {
		c.Mail.Outbox.MaxAge = 7 * 24 * time.Hour
	}
	if c.Mail.Outbox.CleanupInterval == 0 {
		c.Mail.Outbox.CleanupInterval = time.Hour
	}

	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = time.Minute
	}
	if c.Dispatch.RatePerSecond == 0 {
		c.Dispatch.RatePerSecond = 10
	}
	if c.Dispatch.Quota.FlushInterval == 0 {
		c.Dispatch.Quota.FlushInterval = 10 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mail.From == "" {
		return fmt.Errorf("mail.from is required")
	}
	if _, err := mail.ParseAddress(c.Mail.From); err != nil {
		return fmt.Errorf("invalid mail.from: %w", err)
	}

	switch c.Mail.Mode {
	case MailModeSMTP:
		if c.Mail.SMTP.Host == "" {
			return fmt.Errorf("mail.smtp.host is required when mail.mode is smtp")
		}
	case MailModeOutbox:
	default:
		return fmt.Errorf("invalid mail.mode: %s (must be smtp or outbox)", c.Mail.Mode)
	}

	validTLSPolicies := map[string]bool{"opportunistic": true, "required": true, "implicit": true, "none": true}
	if !validTLSPolicies[c.Mail.SMTP.TLSPolicy] {
		return fmt.Errorf("invalid mail.smtp.tls_policy: %s", c.Mail.SMTP.TLSPolicy)
	}

	u, err := url.Parse(c.Tracking.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("tracking.base_url must be an absolute http(s) URL")
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}
	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}

	return nil
}
