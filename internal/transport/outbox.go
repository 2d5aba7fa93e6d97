package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketOutbox = []byte("outbox")

// CapturedMessage is a message held in the outbox instead of being delivered
type CapturedMessage struct {
	Message
	CapturedAt time.Time `json:"captured_at"`
}

// OutboxFilter contains filters for listing captured messages
type OutboxFilter struct {
	CampaignID string
	To         string
	Limit      int
	Offset     int
}

// Outbox captures messages in BoltDB instead of sending them
type Outbox struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewOutbox creates a new outbox using the provided BoltDB instance
func NewOutbox(db *bolt.DB, logger *slog.Logger) (*Outbox, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox bucket: %w", err)
	}

	return &Outbox{
		db:     db,
		logger: logger.With("component", "outbox"),
		now:    time.Now,
	}, nil
}

// Send stores the message in the outbox
func (o *Outbox) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	captured := &CapturedMessage{Message: *msg, CapturedAt: o.now().UTC()}

	err := o.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(captured)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return tx.Bucket(bucketOutbox).Put(makeIndexKey(captured.CapturedAt, msg.ID), data)
	})
	if err != nil {
		return fmt.Errorf("outbox: failed to save message: %w", err)
	}

	o.logger.Info("message captured",
		"message_id", msg.ID,
		"campaign_id", msg.CampaignID,
		"to", msg.To,
	)
	return nil
}

// Get retrieves a captured message by Message-ID
func (o *Outbox) Get(ctx context.Context, id string) (*CapturedMessage, error) {
	var found *CapturedMessage

	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m CapturedMessage
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID == id {
				found = &m
				return nil
			}
		}
		return nil
	})

	return found, err
}

// List returns captured messages, newest first. Message bodies are omitted.
func (o *Outbox) List(ctx context.Context, filter OutboxFilter) ([]*CapturedMessage, error) {
	messages := []*CapturedMessage{}

	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m CapturedMessage
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}

			if filter.CampaignID != "" && m.CampaignID != filter.CampaignID {
				continue
			}
			if filter.To != "" && !contains(m.To, filter.To) {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			m.Data = nil
			messages = append(messages, &m)

			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Delete removes a captured message by Message-ID
func (o *Outbox) Delete(ctx context.Context, id string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m CapturedMessage
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID == id {
				return c.Delete()
			}
		}
		return nil
	})
}

// Clear removes captured messages older than olderThan (0 removes all).
// Returns the number of messages removed.
func (o *Outbox) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := o.now().UTC().Add(-olderThan)
	count := 0

	err := o.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if olderThan > 0 {
				var m CapturedMessage
				if err := json.Unmarshal(v, &m); err == nil && m.CapturedAt.After(cutoff) {
					continue
				}
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// makeIndexKey builds a key that sorts by capture time
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("20060102T150405.000000000") + ":" + id)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
