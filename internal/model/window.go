package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var hhmmRe = regexp.MustCompile(`^\d{2}:\d{2}$`)

// SendingWindow restricts sends to a recurring weekly time-of-day span.
// Days use time.Weekday numbering (0 = Sunday). The span is same-day:
// start and end fall on the same calendar day, end exclusive.
type SendingWindow struct {
	StartTime string `json:"startTime"` // "HH:mm"
	EndTime   string `json:"endTime"`   // "HH:mm"
	Days      []int  `json:"days"`      // 0..6, unique, non-empty
}

func ParseSendingWindow(raw []byte) (*SendingWindow, error) {
	var w SendingWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse sending window: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	if !hhmmRe.MatchString(s) {
		return 0, 0, fmt.Errorf("time %q: want HH:mm", s)
	}
	if _, err := fmt.Sscanf(s, "%02d:%02d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("time %q: %w", s, err)
	}
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q: out of range", s)
	}
	return hour, minute, nil
}

func (w *SendingWindow) Validate() error {
	if _, _, err := parseHHMM(w.StartTime); err != nil {
		return fmt.Errorf("sending window start: %w", err)
	}
	if _, _, err := parseHHMM(w.EndTime); err != nil {
		return fmt.Errorf("sending window end: %w", err)
	}
	if len(w.Days) == 0 {
		return fmt.Errorf("sending window: days must not be empty")
	}
	seen := map[int]bool{}
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("sending window: day %d out of range 0..6", d)
		}
		if seen[d] {
			return fmt.Errorf("sending window: duplicate day %d", d)
		}
		seen[d] = true
	}
	return nil
}

func (w *SendingWindow) allowsDay(d time.Weekday) bool {
	for _, day := range w.Days {
		if int(d) == day {
			return true
		}
	}
	return false
}

// Contains reports whether t falls on an allowed day inside
// [startTime, endTime).
func (w *SendingWindow) Contains(t time.Time) bool {
	if !w.allowsDay(t.Weekday()) {
		return false
	}
	sh, sm, _ := parseHHMM(w.StartTime)
	eh, em, _ := parseHHMM(w.EndTime)
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= sh*60+sm && minutes < eh*60+em
}

// NextOpen computes the next instant at or after t when the window
// opens, wrapping to the following week when needed. Callers check
// Contains first; if t is already inside, the next opening is returned.
func (w *SendingWindow) NextOpen(t time.Time) time.Time {
	sh, sm, _ := parseHHMM(w.StartTime)
	for d := 0; d <= 7; d++ {
		day := t.AddDate(0, 0, d)
		if !w.allowsDay(day.Weekday()) {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), sh, sm, 0, 0, t.Location())
		if open.After(t) {
			return open
		}
	}
	// unreachable while Days is non-empty
	return t
}
