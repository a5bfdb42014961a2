package model

import (
	"encoding/json"
	"testing"
)

func intp(i int) *int { return &i }

func rawp(s string) *json.RawMessage {
	r := json.RawMessage(s)
	return &r
}

func baseCampaign() *Campaign {
	return &Campaign{ID: "c1", Status: StatusScheduled, DelayMin: 3, DelayMax: 10}
}

func TestConfigUpdateValidate(t *testing.T) {
	cases := []struct {
		name    string
		u       ConfigUpdate
		wantErr bool
	}{
		{"delays in range", ConfigUpdate{DelayMin: intp(1), DelayMax: intp(300)}, false},
		{"min below floor", ConfigUpdate{DelayMin: intp(0)}, true},
		{"max above ceiling", ConfigUpdate{DelayMax: intp(301)}, true},
		{"min above max", ConfigUpdate{DelayMin: intp(10), DelayMax: intp(5)}, true},
		// only min supplied: checked against the stored max of 10
		{"min above stored max", ConfigUpdate{DelayMin: intp(11)}, true},
		{"max below stored min", ConfigUpdate{DelayMax: intp(2)}, true},
		{"valid window", ConfigUpdate{SendingWindow: rawp(`{"startTime":"09:00","endTime":"17:00","days":[1,2]}`)}, false},
		{"window clear", ConfigUpdate{SendingWindow: rawp(`null`)}, false},
		{"malformed window", ConfigUpdate{SendingWindow: rawp(`{"startTime":"nine"}`)}, true},
		{"schedule clear", ConfigUpdate{ScheduledAt: rawp(`null`)}, false},
		{"valid schedule", ConfigUpdate{ScheduledAt: rawp(`"2030-01-02T15:04:05Z"`)}, false},
		{"malformed schedule", ConfigUpdate{ScheduledAt: rawp(`"tomorrow-ish"`)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.u.Validate(baseCampaign())
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigUpdateAllowedFor(t *testing.T) {
	pacing := ConfigUpdate{DelayMax: intp(5)}
	schedule := ConfigUpdate{ScheduledAt: rawp(`"2030-01-02T15:04:05Z"`)}

	if err := schedule.AllowedFor(StatusScheduled); err != nil {
		t.Fatalf("scheduled should accept schedule updates: %v", err)
	}
	for _, st := range []CampaignStatus{StatusRunning, StatusPaused} {
		if err := pacing.AllowedFor(st); err != nil {
			t.Fatalf("%s should accept pacing updates: %v", st, err)
		}
		if err := schedule.AllowedFor(st); err == nil {
			t.Fatalf("%s should reject schedule updates", st)
		}
	}
	for _, st := range []CampaignStatus{StatusCompleted, StatusCancelled, StatusFailed} {
		if err := pacing.AllowedFor(st); err == nil {
			t.Fatalf("%s should reject every update", st)
		}
	}
}

func TestConfigUpdateWindowValue(t *testing.T) {
	var u ConfigUpdate
	if _, present, _, _ := u.WindowValue(); present {
		t.Fatal("absent field reported present")
	}

	u = ConfigUpdate{SendingWindow: rawp(`null`)}
	if _, present, clear, err := u.WindowValue(); err != nil || !present || !clear {
		t.Fatalf("explicit null should clear: present=%v clear=%v err=%v", present, clear, err)
	}

	u = ConfigUpdate{SendingWindow: rawp(`{"startTime":"09:00","endTime":"17:00","days":[0,6]}`)}
	w, _, clear, err := u.WindowValue()
	if err != nil || clear || w == nil || w.StartTime != "09:00" {
		t.Fatalf("window not parsed: w=%+v clear=%v err=%v", w, clear, err)
	}
}
