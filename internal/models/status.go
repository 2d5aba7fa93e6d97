package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignSending, CampaignCancelled},
	CampaignScheduled: {CampaignScheduled, CampaignSending, CampaignCancelled, CampaignFailed},
	CampaignSending:   {CampaignCompleted, CampaignFailed, CampaignCancelled},
	CampaignFailed:    {CampaignScheduled, CampaignSending},
	CampaignCompleted: nil,
	CampaignCancelled: nil,
}

// Valid reports whether s is a known campaign status
func (s CampaignStatus) Valid() bool {
	_, ok := campaignTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible
func (s CampaignStatus) IsTerminal() bool {
	return s.Valid() && len(campaignTransitions[s]) == 0
}

// CanTransitionTo reports whether moving from s to next is allowed
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition if s cannot move to next
func (s CampaignStatus) CheckTransition(next CampaignStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: campaign %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// EmailStatus represents the delivery state of an email record
type EmailStatus string

const (
	EmailPending   EmailStatus = "pending"
	EmailSent      EmailStatus = "sent"
	EmailFailed    EmailStatus = "failed"
	EmailOpened    EmailStatus = "opened"
	EmailClicked   EmailStatus = "clicked"
	EmailResponded EmailStatus = "responded"
)

var emailTransitions = map[EmailStatus][]EmailStatus{
	EmailPending:   {EmailSent, EmailFailed},
	EmailSent:      {EmailOpened, EmailClicked, EmailResponded},
	EmailOpened:    {EmailOpened, EmailClicked, EmailResponded},
	EmailClicked:   {EmailClicked, EmailResponded},
	EmailResponded: {EmailResponded},
	EmailFailed:    {EmailPending},
}

// engagement rank; a later event implies the earlier ones
var emailRank = map[EmailStatus]int{
	EmailSent:      1,
	EmailOpened:    2,
	EmailClicked:   3,
	EmailResponded: 4,
}

// Valid reports whether s is a known email status
func (s EmailStatus) Valid() bool {
	_, ok := emailTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed
func (s EmailStatus) CanTransitionTo(next EmailStatus) bool {
	for _, allowed := range emailTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition if s cannot move to next
func (s EmailStatus) CheckTransition(next EmailStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: email %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// Supersedes reports whether s already records an engagement at or beyond next,
// e.g. a clicked email supersedes an open event.
func (s EmailStatus) Supersedes(next EmailStatus) bool {
	r, ok := emailRank[s]
	n, ok2 := emailRank[next]
	return ok && ok2 && r > n
}

// EngagementStatuses returns every status that implies the email reached at least s
func EngagementStatuses(s EmailStatus) []EmailStatus {
	base, ok := emailRank[s]
	if !ok {
		return []EmailStatus{s}
	}
	var out []EmailStatus
	for _, st := range []EmailStatus{EmailSent, EmailOpened, EmailClicked, EmailResponded} {
		if emailRank[st] >= base {
			out = append(out, st)
		}
	}
	return out
}
