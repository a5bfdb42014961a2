package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	DelayFloor = 1   // seconds
	DelayCeil  = 300 // seconds
)

var nullLiteral = []byte("null")

// ConfigUpdate is the operator's partial pacing/schedule update. A nil
// pointer means "field absent"; for SendingWindow and ScheduledAt an
// explicit JSON null clears the stored value.
type ConfigUpdate struct {
	DelayMin      *int             `json:"delay_min,omitempty"`
	DelayMax      *int             `json:"delay_max,omitempty"`
	SendingWindow *json.RawMessage `json:"sending_window,omitempty"`
	ScheduledAt   *json.RawMessage `json:"scheduled_at,omitempty"`
}

// Empty reports whether no field was supplied at all.
func (u *ConfigUpdate) Empty() bool {
	return u.DelayMin == nil && u.DelayMax == nil && u.SendingWindow == nil && u.ScheduledAt == nil
}

func rawIsNull(r *json.RawMessage) bool {
	return r != nil && bytes.Equal(bytes.TrimSpace(*r), nullLiteral)
}

// WindowValue returns the parsed window, whether the field was present,
// and whether it was an explicit clear.
func (u *ConfigUpdate) WindowValue() (w *SendingWindow, present, clear bool, err error) {
	if u.SendingWindow == nil {
		return nil, false, false, nil
	}
	if rawIsNull(u.SendingWindow) {
		return nil, true, true, nil
	}
	w, err = ParseSendingWindow(*u.SendingWindow)
	return w, true, false, err
}

// ScheduleValue returns the parsed schedule time, whether the field was
// present, and whether it was an explicit clear.
func (u *ConfigUpdate) ScheduleValue() (t *time.Time, present, clear bool, err error) {
	if u.ScheduledAt == nil {
		return nil, false, false, nil
	}
	if rawIsNull(u.ScheduledAt) {
		return nil, true, true, nil
	}
	var ts time.Time
	if err := json.Unmarshal(*u.ScheduledAt, &ts); err != nil {
		return nil, true, false, fmt.Errorf("scheduled_at: %w", err)
	}
	return &ts, true, false, nil
}

// Validate checks the update against the current campaign. Delay bounds
// consider the campaign's stored value when only one side is updated.
func (u *ConfigUpdate) Validate(current *Campaign) error {
	min := current.DelayMin
	max := current.DelayMax
	if u.DelayMin != nil {
		if *u.DelayMin < DelayFloor || *u.DelayMin > DelayCeil {
			return fmt.Errorf("delay_min must be an integer in [%d,%d]", DelayFloor, DelayCeil)
		}
		min = *u.DelayMin
	}
	if u.DelayMax != nil {
		if *u.DelayMax < DelayFloor || *u.DelayMax > DelayCeil {
			return fmt.Errorf("delay_max must be an integer in [%d,%d]", DelayFloor, DelayCeil)
		}
		max = *u.DelayMax
	}
	if min > max {
		return fmt.Errorf("delay_min (%d) must not exceed delay_max (%d)", min, max)
	}

	if _, _, _, err := u.WindowValue(); err != nil {
		return err
	}
	if _, _, _, err := u.ScheduleValue(); err != nil {
		return err
	}
	return nil
}

// AllowedFor enforces the per-status field allow-list: scheduled
// campaigns accept schedule and pacing fields, paused/running campaigns
// accept pacing only, terminal campaigns accept nothing.
func (u *ConfigUpdate) AllowedFor(status CampaignStatus) error {
	switch status {
	case StatusScheduled:
		return nil
	case StatusPaused, StatusRunning:
		if u.ScheduledAt != nil {
			return fmt.Errorf("scheduled_at cannot be changed while campaign is %s", status)
		}
		return nil
	default:
		return fmt.Errorf("config of a %s campaign cannot be updated", status)
	}
}
