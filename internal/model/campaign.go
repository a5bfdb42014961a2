package model

import (
	"database/sql"
	"encoding/json"
	"time"
)

type CampaignStatus string

const (
	StatusScheduled CampaignStatus = "scheduled"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusCancelled CampaignStatus = "cancelled"
	StatusFailed    CampaignStatus = "failed"
)

func (s CampaignStatus) String() string {
	return string(s)
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusPaused, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further lease may ever be acquired.
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeMedia MessageType = "media"
)

func (t MessageType) String() string { return string(t) }

func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeMedia
}

// MessageVariant is one body the dispatcher can pick for a recipient.
// Campaigns may store several variants; the dispatcher rotates through
// them by recipient index so paced blasts don't repeat one exact text.
type MessageVariant struct {
	Text string `json:"text"`
}

// Campaign is the DB entity persisted in the campaigns table. It is the
// only row shared across scheduler processes: status, lease, cursor and
// counters all live here.
type Campaign struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Status       CampaignStatus `db:"status"`
	GatewayToken string         `db:"gateway_token"`

	// message config
	MessageType MessageType    `db:"message_type"` // text|media
	MessageText string         `db:"message_text"`
	MediaURL    sql.NullString `db:"media_url"`
	Messages    []byte         `db:"messages"` // JSON array of MessageVariant, nullable

	// schedule + pacing
	ScheduledAt    *time.Time `db:"scheduled_at"`
	DelayMin       int        `db:"delay_min"` // seconds
	DelayMax       int        `db:"delay_max"` // seconds
	RandomizeOrder bool       `db:"randomize_order"`
	SendingWindow  []byte     `db:"sending_window"` // JSON SendingWindow, nullable

	// progress cursor
	CurrentIndex int `db:"current_index"`
	SentCount    int `db:"sent_count"`
	FailedCount  int `db:"failed_count"`

	FailReason sql.NullString `db:"fail_reason"`

	// lease
	ProcessingLock sql.NullString `db:"processing_lock"`
	LockAcquiredAt *time.Time     `db:"lock_acquired_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LeaseAvailable reports whether the lease can be taken at "now":
// either nobody holds it, or the holder's lease has passed the TTL.
func (c *Campaign) LeaseAvailable(now time.Time, ttl time.Duration) bool {
	if !c.ProcessingLock.Valid {
		return true
	}
	if c.LockAcquiredAt == nil {
		return true
	}
	return now.Sub(*c.LockAcquiredAt) > ttl
}

// Window parses the stored sending_window blob. A nil window means no
// restriction. Malformed blobs return an error; callers degrade to nil
// rather than failing the campaign.
func (c *Campaign) Window() (*SendingWindow, error) {
	if len(c.SendingWindow) == 0 {
		return nil, nil
	}
	return ParseSendingWindow(c.SendingWindow)
}

// Variants parses the stored messages blob. Empty or malformed blobs
// yield no variants and the dispatcher falls back to MessageText.
func (c *Campaign) Variants() ([]MessageVariant, error) {
	if len(c.Messages) == 0 {
		return nil, nil
	}
	var vars []MessageVariant
	if err := json.Unmarshal(c.Messages, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// TotalRecipients is the full list length once a dispatcher has
// materialized the pending tail of size `pending`.
func (c *Campaign) TotalRecipients(pending int) int {
	return c.CurrentIndex + pending
}
