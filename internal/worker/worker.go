package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zephy0808/mailcampaign/internal/dispatch"
)

// Runner performs one dispatch pass
type Runner interface {
	RunOnce(ctx context.Context, now time.Time) ([]dispatch.Outcome, error)
}

// OutboxCleaner removes captured messages older than a given age
type OutboxCleaner interface {
	Clear(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config contains trigger settings
type Config struct {
	PollInterval time.Duration

	// Outbox retention; both must be set for cleanup to run
	OutboxMaxAge   time.Duration
	OutboxInterval time.Duration
}

// Trigger periodically discovers due campaigns and re-enters those still sending
type Trigger struct {
	runner Runner
	outbox OutboxCleaner
	cfg    Config
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a new periodic trigger. outbox may be nil.
func New(runner Runner, outbox OutboxCleaner, cfg Config, logger *slog.Logger) *Trigger {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}

	return &Trigger{
		runner: runner,
		outbox: outbox,
		cfg:    cfg,
		logger: logger.With("component", "trigger"),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start starts the trigger loops
func (t *Trigger) Start(ctx context.Context) {
	t.logger.Info("starting dispatch trigger", "poll_interval", t.cfg.PollInterval)

	t.wg.Add(1)
	go t.loop(ctx, t.cfg.PollInterval, func(ctx context.Context) { t.Tick(ctx) })

	if t.outbox != nil && t.cfg.OutboxMaxAge > 0 && t.cfg.OutboxInterval > 0 {
		t.wg.Add(1)
		go t.loop(ctx, t.cfg.OutboxInterval, t.cleanOutbox)
	}
}

// Stop stops the trigger and waits for an in-flight pass to finish
func (t *Trigger) Stop() {
	t.logger.Info("stopping dispatch trigger")
	close(t.stopCh)
	t.wg.Wait()
	t.logger.Info("dispatch trigger stopped")
}

func (t *Trigger) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Tick runs a single dispatch pass and logs its outcomes
func (t *Trigger) Tick(ctx context.Context) []dispatch.Outcome {
	outcomes, err := t.runner.RunOnce(ctx, t.now().UTC())
	if err != nil {
		t.logger.Error("dispatch pass failed", "error", err)
	}

	for _, o := range outcomes {
		if o.Err != nil {
			t.logger.Warn("campaign dispatch failed",
				"campaign_id", o.CampaignID,
				"status", o.Status,
				"error", o.Err,
			)
			continue
		}
		t.logger.Info("campaign dispatched",
			"campaign_id", o.CampaignID,
			"status", o.Status,
			"sent", o.Counts.Sent,
			"failed", o.Counts.Failed,
			"remaining", o.Counts.Remaining,
		)
	}

	return outcomes
}

func (t *Trigger) cleanOutbox(ctx context.Context) {
	n, err := t.outbox.Clear(ctx, t.cfg.OutboxMaxAge)
	if err != nil {
		t.logger.Error("outbox cleanup failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("outbox cleanup completed", "deleted", n)
	}
}
