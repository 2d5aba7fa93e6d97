// Package ratelimit paces outgoing mail: a token-bucket throttle between
// sends and hourly/daily quotas that survive restarts.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQuotas = []byte("send_quotas")

// Scope identifies what a quota counter is keyed on
type Scope string

const (
	ScopeGlobal          Scope = "global"
	ScopeCampaign        Scope = "campaign"
	ScopeRecipientDomain Scope = "recipient_domain"
)

// Limit holds the hourly and daily caps. Zero means unlimited.
type Limit struct {
	PerHour int `yaml:"per_hour" json:"per_hour"`
	PerDay  int `yaml:"per_day" json:"per_day"`
}

func (l *Limit) enabled() bool {
	return l != nil && (l.PerHour > 0 || l.PerDay > 0)
}

// QuotaConfig configures the send quotas
type QuotaConfig struct {
	Global          *Limit `yaml:"global,omitempty"`
	Campaign        *Limit `yaml:"campaign,omitempty"`
	RecipientDomain *Limit `yaml:"recipient_domain,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Request describes one send to be counted
type Request struct {
	CampaignID      string
	RecipientDomain string
}

// Decision is the outcome of a quota check
type Decision struct {
	Allowed    bool
	Scope      Scope
	Key        string
	RetryAfter time.Duration
}

// Usage is a snapshot of one counter
type Usage struct {
	Scope       Scope     `json:"scope"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

type window struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

func (w *window) roll(now time.Time) {
	if now.Sub(w.HourStart) >= time.Hour {
		w.HourlyCount = 0
		w.HourStart = now
	}
	if now.Sub(w.DayStart) >= 24*time.Hour {
		w.DailyCount = 0
		w.DayStart = now
	}
}

// Quota enforces send quotas. Counters live in memory and are flushed to
// BoltDB periodically and on Close.
type Quota struct {
	db     *bolt.DB
	cfg    QuotaConfig
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*window
	dirty   bool

	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewQuota loads persisted counters and starts the flush loop
func NewQuota(db *bolt.DB, cfg QuotaConfig, logger *slog.Logger) (*Quota, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotas)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	q := &Quota{
		db:      db,
		cfg:     cfg,
		logger:  logger.With("component", "quota"),
		windows: make(map[string]*window),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := q.load(); err != nil {
		return nil, fmt.Errorf("failed to load quota counters: %w", err)
	}

	go q.flushLoop()
	return q, nil
}

// Allow counts one send against every applicable quota. When any quota is
// exhausted nothing is counted and the denying scope is reported.
func (q *Quota) Allow(req Request) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	checks := q.checks(req)

	for _, c := range checks {
		w := q.window(c.key, now)
		w.roll(now)

		if c.limit.PerHour > 0 && w.HourlyCount >= c.limit.PerHour {
			return Decision{Scope: c.scope, Key: c.key, RetryAfter: w.HourStart.Add(time.Hour).Sub(now)}
		}
		if c.limit.PerDay > 0 && w.DailyCount >= c.limit.PerDay {
			return Decision{Scope: c.scope, Key: c.key, RetryAfter: w.DayStart.Add(24 * time.Hour).Sub(now)}
		}
	}

	for _, c := range checks {
		w := q.windows[c.key]
		w.HourlyCount++
		w.DailyCount++
	}
	if len(checks) > 0 {
		q.dirty = true
	}

	return Decision{Allowed: true}
}

// Usage reports the current counter for scope and key
func (q *Quota) Usage(scope Scope, key string) Usage {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := Usage{Scope: scope, Key: key}
	w, ok := q.windows[makeKey(scope, key)]
	if !ok {
		return u
	}

	now := q.now()
	u.HourStart, u.DayStart = w.HourStart, w.DayStart
	if now.Sub(w.HourStart) < time.Hour {
		u.HourlyCount = w.HourlyCount
	}
	if now.Sub(w.DayStart) < 24*time.Hour {
		u.DailyCount = w.DailyCount
	}
	return u
}

// Close stops the flush loop and writes the counters one last time
func (q *Quota) Close() error {
	close(q.stopCh)
	<-q.doneCh
	return q.flush()
}

type quotaCheck struct {
	scope Scope
	key   string
	limit *Limit
}

func (q *Quota) checks(req Request) []quotaCheck {
	var checks []quotaCheck

	if q.cfg.Global.enabled() {
		checks = append(checks, quotaCheck{ScopeGlobal, makeKey(ScopeGlobal, "all"), q.cfg.Global})
	}
	if req.CampaignID != "" && q.cfg.Campaign.enabled() {
		checks = append(checks, quotaCheck{ScopeCampaign, makeKey(ScopeCampaign, req.CampaignID), q.cfg.Campaign})
	}
	if req.RecipientDomain != "" && q.cfg.RecipientDomain.enabled() {
		checks = append(checks, quotaCheck{ScopeRecipientDomain, makeKey(ScopeRecipientDomain, req.RecipientDomain), q.cfg.RecipientDomain})
	}

	return checks
}

func (q *Quota) window(key string, now time.Time) *window {
	w, ok := q.windows[key]
	if !ok {
		w = &window{HourStart: now, DayStart: now}
		q.windows[key] = w
	}
	return w
}

func (q *Quota) load() error {
	return q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuotas).ForEach(func(k, v []byte) error {
			var w window
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			q.windows[string(k)] = &w
			return nil
		})
	})
}

func (q *Quota) flush() error {
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	snapshot := make(map[string][]byte, len(q.windows))
	for k, w := range q.windows {
		data, err := json.Marshal(w)
		if err != nil {
			continue
		}
		snapshot[k] = data
	}
	q.dirty = false
	q.mu.Unlock()

	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		for k, data := range snapshot {
			if err := bucket.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *Quota) flushLoop() {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if err := q.flush(); err != nil {
				q.logger.Error("failed to flush quota counters", "error", err)
			}
		}
	}
}

func makeKey(scope Scope, key string) string {
	return string(scope) + ":" + key
}
