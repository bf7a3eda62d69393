package cron

import (
	"strings"
	"testing"
	"time"
)

// TestValidate exercises the schedule/payload coherence rules.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{
			"valid at systemEvent",
			Job{Schedule: Schedule{Kind: ScheduleAt, AtMs: 1}, Payload: Payload{Kind: PayloadSystemEvent, Text: "check disk"}},
			"",
		},
		{
			"valid every",
			Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60000}, Payload: Payload{Kind: PayloadSystemEvent, Text: "tick"}},
			"",
		},
		{
			"valid cron expr",
			Job{Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * 1-5"}, Payload: Payload{Kind: PayloadSystemEvent, Text: "standup"}},
			"",
		},
		{
			"valid direct message",
			Job{
				Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 1000},
				SessionTarget: TargetDirect,
				Payload:       Payload{Kind: PayloadMessage, Text: "hi", Channel: "telegram", To: "42"},
			},
			"",
		},
		{
			"message without direct target",
			Job{Schedule: Schedule{Kind: ScheduleAt, AtMs: 1}, Payload: Payload{Kind: PayloadMessage, Text: "hi", Channel: "telegram", To: "42"}},
			"sessionTarget=direct",
		},
		{
			"message without recipient",
			Job{
				Schedule:      Schedule{Kind: ScheduleAt, AtMs: 1},
				SessionTarget: TargetDirect,
				Payload:       Payload{Kind: PayloadMessage, Text: "hi", Channel: "telegram"},
			},
			"channel and to",
		},
		{
			"systemEvent cannot be direct",
			Job{
				Schedule:      Schedule{Kind: ScheduleAt, AtMs: 1},
				SessionTarget: TargetDirect,
				Payload:       Payload{Kind: PayloadSystemEvent, Text: "x"},
			},
			"cannot target direct",
		},
		{
			"bad cron expr",
			Job{Schedule: Schedule{Kind: ScheduleCron, Expr: "not a cron"}, Payload: Payload{Kind: PayloadSystemEvent, Text: "x"}},
			"invalid cron expression",
		},
		{
			"bad timezone",
			Job{Schedule: Schedule{Kind: ScheduleCron, Expr: "* * * * *", TZ: "Mars/Olympus"}, Payload: Payload{Kind: PayloadSystemEvent, Text: "x"}},
			"unknown timezone",
		},
		{
			"every without interval",
			Job{Schedule: Schedule{Kind: ScheduleEvery}, Payload: Payload{Kind: PayloadSystemEvent, Text: "x"}},
			"everyMs",
		},
		{
			"empty text",
			Job{Schedule: Schedule{Kind: ScheduleAt, AtMs: 1}, Payload: Payload{Kind: PayloadSystemEvent}},
			"text is empty",
		},
		{
			"bad wake mode",
			Job{Schedule: Schedule{Kind: ScheduleAt, AtMs: 1}, WakeMode: "later", Payload: Payload{Kind: PayloadSystemEvent, Text: "x"}},
			"wake mode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestNextRunEvery checks that missed `every` runs snap forward while keeping
// the anchor phase.
func TestNextRunEvery(t *testing.T) {
	now := time.UnixMilli(10_000)

	// Anchor in the past: next fire is the first anchor+k*every after now.
	s := Schedule{Kind: ScheduleEvery, EveryMs: 3000, AnchorMs: 1000}
	next, err := s.NextRun(now)
	if err != nil {
		t.Fatal(err)
	}
	if next != 13_000 {
		t.Fatalf("next = %d, want 13000", next)
	}

	// Anchor in the future fires at the anchor.
	s = Schedule{Kind: ScheduleEvery, EveryMs: 3000, AnchorMs: 20_000}
	if next, _ = s.NextRun(now); next != 20_000 {
		t.Fatalf("next = %d, want 20000", next)
	}

	// No anchor: one interval from now.
	s = Schedule{Kind: ScheduleEvery, EveryMs: 3000}
	if next, _ = s.NextRun(now); next != 13_000 {
		t.Fatalf("next = %d, want 13000", next)
	}
}

// TestNextRunAt returns the instant itself, past or future.
func TestNextRunAt(t *testing.T) {
	now := time.UnixMilli(10_000)
	s := Schedule{Kind: ScheduleAt, AtMs: 5000}
	if next, _ := s.NextRun(now); next != 5000 {
		t.Fatalf("next = %d, want 5000", next)
	}
}

// TestNextRunCron checks gronx-backed expressions land strictly after now.
func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	s := Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "UTC"}
	next, err := s.NextRun(now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).UnixMilli()
	if next != want {
		t.Fatalf("next = %d (%s), want %d", next, time.UnixMilli(next).UTC(), want)
	}
}
