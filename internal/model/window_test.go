package model

import (
	"testing"
	"time"
)

func TestSendingWindowValidate(t *testing.T) {
	cases := []struct {
		name    string
		w       SendingWindow
		wantErr bool
	}{
		{"ok", SendingWindow{"09:00", "18:00", []int{1, 2, 3}}, false},
		{"bad start format", SendingWindow{"9:00", "18:00", []int{1}}, true},
		{"bad end format", SendingWindow{"09:00", "18h00", []int{1}}, true},
		{"hour out of range", SendingWindow{"25:00", "18:00", []int{1}}, true},
		{"minute out of range", SendingWindow{"09:61", "18:00", []int{1}}, true},
		{"empty days", SendingWindow{"09:00", "18:00", nil}, true},
		{"day out of range", SendingWindow{"09:00", "18:00", []int{7}}, true},
		{"negative day", SendingWindow{"09:00", "18:00", []int{-1}}, true},
		{"duplicate day", SendingWindow{"09:00", "18:00", []int{1, 1}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.w.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestParseSendingWindowMalformed(t *testing.T) {
	if _, err := ParseSendingWindow([]byte(`{not json`)); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := ParseSendingWindow([]byte(`{"startTime":"09:00","endTime":"18:00","days":[9]}`)); err == nil {
		t.Fatal("expected validation error")
	}
}

// 2024-01-10 is a Wednesday (weekday 3).
func wed(hour, min int) time.Time {
	return time.Date(2024, 1, 10, hour, min, 0, 0, time.UTC)
}

func TestSendingWindowContains(t *testing.T) {
	w := SendingWindow{StartTime: "09:00", EndTime: "18:00", Days: []int{3}}

	if !w.Contains(wed(9, 0)) {
		t.Fatal("start time is inclusive")
	}
	if !w.Contains(wed(17, 59)) {
		t.Fatal("17:59 is inside")
	}
	if w.Contains(wed(18, 0)) {
		t.Fatal("end time is exclusive")
	}
	if w.Contains(wed(8, 59)) {
		t.Fatal("before start")
	}

	thu := wed(12, 0).AddDate(0, 0, 1)
	if w.Contains(thu) {
		t.Fatal("thursday is not an allowed day")
	}
}

func TestSendingWindowNextOpen(t *testing.T) {
	w := SendingWindow{StartTime: "09:00", EndTime: "18:00", Days: []int{3, 5}} // Wed, Fri

	// before today's opening: opens today
	got := w.NextOpen(wed(7, 30))
	if want := wed(9, 0); !got.Equal(want) {
		t.Fatalf("NextOpen before start = %v, want %v", got, want)
	}

	// after today's window: next allowed day (Friday)
	got = w.NextOpen(wed(19, 0))
	if want := wed(9, 0).AddDate(0, 0, 2); !got.Equal(want) {
		t.Fatalf("NextOpen after end = %v, want %v", got, want)
	}

	// only Monday allowed: from Wednesday, wraps past the weekend
	mon := SendingWindow{StartTime: "10:00", EndTime: "12:00", Days: []int{1}}
	got = mon.NextOpen(wed(12, 0))
	want := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextOpen wrap = %v, want %v", got, want)
	}
	if got.Weekday() != time.Monday {
		t.Fatalf("NextOpen wrap landed on %v", got.Weekday())
	}
}
