// Package metrics exposes Prometheus metrics for campaign dispatch and the API.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the service
type Metrics struct {
	// Delivery
	EmailsSentTotal   prometheus.Counter
	EmailsFailedTotal *prometheus.CounterVec
	QuotaDeferred     *prometheus.CounterVec

	// Engagement
	TrackingEventsTotal *prometheus.CounterVec

	// Campaigns
	CampaignsFinishedTotal *prometheus.CounterVec
	DispatchDuration       prometheus.Histogram
	CampaignsByStatus      *prometheus.GaugeVec
	EmailsPending          prometheus.Gauge

	// API
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// Process
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailcampaign_emails_sent_total",
			Help: "Total number of campaign emails handed to the transport",
		}),
		EmailsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcampaign_emails_failed_total",
			Help: "Total number of campaign emails marked failed",
		}, []string{"reason"}),
		QuotaDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcampaign_quota_deferred_total",
			Help: "Dispatch runs stopped early because a send quota was exhausted",
		}, []string{"scope"}),

		TrackingEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcampaign_tracking_events_total",
			Help: "Total number of recorded opens, clicks and responses",
		}, []string{"event"}),

		CampaignsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcampaign_campaigns_finished_total",
			Help: "Campaigns that reached a final status",
		}, []string{"status"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailcampaign_dispatch_duration_seconds",
			Help:    "Duration of a single campaign dispatch run",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		CampaignsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailcampaign_campaigns",
			Help: "Number of campaigns per status",
		}, []string{"status"}),
		EmailsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailcampaign_emails_pending",
			Help: "Email records waiting to be sent",
		}),

		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcampaign_api_requests_total",
			Help: "Total number of API requests",
		}, []string{"method", "path", "status"}),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailcampaign_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "path"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailcampaign_uptime_seconds",
			Help: "Process uptime in seconds",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailcampaign_goroutines",
			Help: "Number of active goroutines",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.QuotaDeferred,
		m.TrackingEventsTotal,
		m.CampaignsFinishedTotal,
		m.DispatchDuration,
		m.CampaignsByStatus,
		m.EmailsPending,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncEmailsSent increments the sent email counter
func IncEmailsSent() {
	if m := Global(); m != nil {
		m.EmailsSentTotal.Inc()
	}
}

// IncEmailsFailed increments the failed email counter
func IncEmailsFailed(reason string) {
	if m := Global(); m != nil {
		m.EmailsFailedTotal.WithLabelValues(reason).Inc()
	}
}

// IncQuotaDeferred records a dispatch run cut short by a quota
func IncQuotaDeferred(scope string) {
	if m := Global(); m != nil {
		m.QuotaDeferred.WithLabelValues(scope).Inc()
	}
}

// IncTrackingEvent increments the counter for an open, click or response
func IncTrackingEvent(event string) {
	if m := Global(); m != nil {
		m.TrackingEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncCampaignsFinished increments the counter of campaigns reaching status
func IncCampaignsFinished(status string) {
	if m := Global(); m != nil {
		m.CampaignsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// ObserveDispatch records the duration of a dispatch run
func ObserveDispatch(seconds float64) {
	if m := Global(); m != nil {
		m.DispatchDuration.Observe(seconds)
	}
}
