package model

import "time"

type EventType string

const (
	EventStarted   EventType = "started"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventCompleted EventType = "completed"
	EventCancelled EventType = "cancelled"
	EventFailed    EventType = "failed"
)

// Event is the payload published to the campaign event stream on
// lifecycle transitions.
type Event struct {
	CampaignID string    `json:"campaign_id"`
	Type       EventType `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	SentCount  int       `json:"sent_count"`
	FailedCount int      `json:"failed_count"`
	At         time.Time `json:"at"`
}

// Progress is the dispatcher's externally visible send state.
type Progress struct {
	CampaignID   string  `json:"campaign_id"`
	CurrentIndex int     `json:"current_index"`
	SentCount    int     `json:"sent_count"`
	FailedCount  int     `json:"failed_count"`
	Total        int     `json:"total"`
	Percent      float64 `json:"percent"`
}
