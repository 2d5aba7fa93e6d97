package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// CampaignCounter reports how many campaigns are in each status
type CampaignCounter interface {
	CountByStatus() (map[string]int, error)
}

// PendingCounter reports how many email records are waiting to be sent
type PendingCounter interface {
	CountAllPending() (int, error)
}

// Collector refreshes gauges on an interval
type Collector struct {
	metrics   *Metrics
	campaigns CampaignCounter
	pending   PendingCounter
	interval  time.Duration
	startTime time.Time
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a gauge collector. Either counter may be nil.
func NewCollector(m *Metrics, campaigns CampaignCounter, pending PendingCounter, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:   m,
		campaigns: campaigns,
		pending:   pending,
		interval:  interval,
		startTime: time.Now(),
		logger:    logger.With("component", "metrics_collector"),
	}
}

// Start begins periodic collection
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Collect updates all gauges once
func (c *Collector) Collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.campaigns != nil {
		counts, err := c.campaigns.CountByStatus()
		if err != nil {
			c.logger.Warn("failed to count campaigns", "error", err)
		} else {
			c.metrics.CampaignsByStatus.Reset()
			for status, n := range counts {
				c.metrics.CampaignsByStatus.WithLabelValues(status).Set(float64(n))
			}
		}
	}

	if c.pending != nil {
		n, err := c.pending.CountAllPending()
		if err != nil {
			c.logger.Warn("failed to count pending emails", "error", err)
			return
		}
		c.metrics.EmailsPending.Set(float64(n))
	}
}
