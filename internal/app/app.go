package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zephy0808/mailcampaign/internal/api"
	"github.com/zephy0808/mailcampaign/internal/audience"
	"github.com/zephy0808/mailcampaign/internal/composer"
	"github.com/zephy0808/mailcampaign/internal/config"
	"github.com/zephy0808/mailcampaign/internal/db"
	"github.com/zephy0808/mailcampaign/internal/dispatch"
	"github.com/zephy0808/mailcampaign/internal/dkim"
	"github.com/zephy0808/mailcampaign/internal/metrics"
	"github.com/zephy0808/mailcampaign/internal/ratelimit"
	"github.com/zephy0808/mailcampaign/internal/reports"
	"github.com/zephy0808/mailcampaign/internal/repository"
	"github.com/zephy0808/mailcampaign/internal/state"
	"github.com/zephy0808/mailcampaign/internal/transport"
	"github.com/zephy0808/mailcampaign/internal/worker"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	db    *db.DB
	state *bolt.DB

	deps    api.Deps
	outbox  *transport.Outbox
	quota   *ratelimit.Quota
	engine  *dispatch.Engine
	trigger *worker.Trigger

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := SetupLogger(cfg.Logging)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	stateDB, err := state.Open(cfg.State.Path)
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &App{
		config: cfg,
		logger: logger,
		db:     database,
		state:  stateDB,
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.config
	logger := a.logger

	deps := api.Deps{
		Clients:     repository.NewClientRepository(a.db.DB),
		Groups:      repository.NewGroupRepository(a.db.DB),
		Campaigns:   repository.NewCampaignRepository(a.db.DB),
		Emails:      repository.NewEmailRepository(a.db.DB),
		Attachments: repository.NewAttachmentRepository(a.db.DB),
		Reports:     repository.NewReportRepository(a.db.DB),
		Users:       repository.NewUserRepository(a.db.DB),
	}
	deps.Aggregator = reports.NewAggregator(deps.Emails, deps.Reports, logger)

	// The outbox is always opened so captured mail stays inspectable after a mode switch
	outbox, err := transport.NewOutbox(a.state, logger)
	if err != nil {
		return err
	}
	a.outbox = outbox

	var sender transport.Sender
	switch cfg.Mail.Mode {
	case config.MailModeOutbox:
		sender = outbox
		logger.Info("mail capture enabled, nothing will be delivered")
	default:
		sender = transport.NewSMTPSender(transport.SMTPConfig{
			Host:               cfg.Mail.SMTP.Host,
			Port:               cfg.Mail.SMTP.Port,
			Username:           cfg.Mail.SMTP.Username,
			Password:           cfg.Mail.SMTP.Password,
			TLSPolicy:          cfg.Mail.SMTP.TLSPolicy,
			InsecureSkipVerify: cfg.Mail.SMTP.InsecureSkipVerify,
			HeloName:           cfg.Server.Hostname,
			Timeout:            cfg.Mail.SMTP.Timeout,
		}, logger)
	}

	// Only assign the signer when enabled; a nil *dkim.Signer in the interface would not be nil
	var signer composer.Signer
	if cfg.DKIM.Enabled {
		s, err := dkim.LoadSigner(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return fmt.Errorf("failed to load DKIM key: %w", err)
		}
		signer = s
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	comp, err := composer.New(composer.Config{
		From:            cfg.Mail.From,
		TrackingBaseURL: cfg.Tracking.BaseURL,
		AttachmentsDir:  cfg.Storage.AttachmentsDir,
		Hostname:        cfg.Server.Hostname,
	}, signer, logger)
	if err != nil {
		return err
	}

	if cfg.Dispatch.Quota.Enabled() {
		a.quota, err = ratelimit.NewQuota(a.state, ratelimit.QuotaConfig{
			Global:          toLimit(cfg.Dispatch.Quota.Global),
			Campaign:        toLimit(cfg.Dispatch.Quota.Campaign),
			RecipientDomain: toLimit(cfg.Dispatch.Quota.RecipientDomain),
			FlushInterval:   cfg.Dispatch.Quota.FlushInterval,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create send quota: %w", err)
		}
		logger.Info("send quotas enabled")
	}

	a.engine = dispatch.NewEngine(dispatch.Deps{
		Campaigns:   deps.Campaigns,
		Clients:     deps.Clients,
		Emails:      deps.Emails,
		Attachments: deps.Attachments,
		Reports:     deps.Reports,
		Aggregator:  deps.Aggregator,
		Audience:    audience.NewResolver(deps.Clients),
		Composer:    comp,
		Sender:      sender,
		Throttle:    ratelimit.NewThrottle(cfg.Dispatch.RatePerSecond),
		Quota:       a.quota,
	}, logger)
	deps.Engine = a.engine
	a.deps = deps

	var cleaner worker.OutboxCleaner
	if cfg.Mail.Mode == config.MailModeOutbox {
		cleaner = outbox
	}
	a.trigger = worker.New(a.engine, cleaner, worker.Config{
		PollInterval:   cfg.Dispatch.PollInterval,
		OutboxMaxAge:   cfg.Mail.Outbox.MaxAge,
		OutboxInterval: cfg.Mail.Outbox.CleanupInterval,
	}, logger)

	a.apiServer = api.NewServer(deps, cfg, logger)

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
		a.collector = metrics.NewCollector(m, deps.Campaigns, deps.Emails, cfg.Metrics.CollectInterval, logger)
	}

	return nil
}

func toLimit(v *config.LimitValues) *ratelimit.Limit {
	if v == nil {
		return nil
	}
	return &ratelimit.Limit{PerHour: v.MessagesPerHour, PerDay: v.MessagesPerDay}
}

// Engine returns the dispatch engine
func (a *App) Engine() *dispatch.Engine { return a.engine }

// Outbox returns the captured-mail store
func (a *App) Outbox() *transport.Outbox { return a.outbox }

// Users returns the operator store
func (a *App) Users() *repository.UserRepository { return a.deps.Users }

// Logger returns the application logger
func (a *App) Logger() *slog.Logger { return a.logger }

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailcampaign",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.Server.ListenAddr,
		"mail_mode", a.config.Mail.Mode,
		"poll_interval", a.config.Dispatch.PollInterval,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.trigger.Start(ctx)

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the trigger first (stop starting new dispatch passes)
	a.trigger.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		a.collector.Stop()
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	err := a.Close()
	a.logger.Info("shutdown complete")
	return err
}

// Close releases storage; quota counters are flushed first
func (a *App) Close() error {
	var firstErr error
	if a.quota != nil {
		if err := a.quota.Close(); err != nil {
			a.logger.Error("quota flush error", "error", err)
			firstErr = err
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
