package model

import "time"

type AttemptResult string

const (
	AttemptSent   AttemptResult = "sent"
	AttemptFailed AttemptResult = "failed"
)

func (r AttemptResult) String() string { return string(r) }

func (r AttemptResult) Valid() bool {
	return r == AttemptSent || r == AttemptFailed
}

// SendAttempt is one per-recipient outcome, batch-flushed to the
// attempt log for later inspection.
type SendAttempt struct {
	ID         string        `db:"id" json:"id"`
	CampaignID string        `db:"campaign_id" json:"campaign_id"`
	Phone      string        `db:"phone" json:"phone"`
	Index      int           `db:"idx" json:"index"`
	Result     AttemptResult `db:"result" json:"result"`
	Error      string        `db:"error" json:"error,omitempty"`
	AttemptedAt time.Time    `db:"attempted_at" json:"attempted_at"`
}
