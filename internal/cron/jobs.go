// Package cron runs scheduled jobs against the gateway: agent turns on
// cron-owned sessions, direct channel messages, queued system events, and the
// periodic per-agent heartbeat. Jobs persist to cron/jobs.json and hot-reload
// when the file changes on disk.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Payload kinds.
const (
	PayloadSystemEvent = "systemEvent"
	PayloadMessage     = "message"
)

// Session targets.
const (
	TargetAgent   = "agent"   // queue a system event for the agent's heartbeat
	TargetSession = "session" // run an agent turn on the job's cron session
	TargetDirect  = "direct"  // send straight to a channel, no agent run
)

// Wake modes for systemEvent payloads.
const (
	WakeNow           = "now"
	WakeNextHeartbeat = "next-heartbeat"
)

// Job statuses recorded after each execution.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Schedule describes when a job fires. Exactly one kind is active.
type Schedule struct {
	Kind     string `json:"kind"`               // at|every|cron
	AtMs     int64  `json:"atMs,omitempty"`     // at: unix ms
	EveryMs  int64  `json:"everyMs,omitempty"`  // every: interval
	AnchorMs int64  `json:"anchorMs,omitempty"` // every: phase anchor (0 = first enable)
	Expr     string `json:"expr,omitempty"`     // cron: 5-field expression
	TZ       string `json:"tz,omitempty"`       // cron: IANA zone (default local)
}

// Payload is what the job does when it fires.
type Payload struct {
	Kind    string `json:"kind"` // systemEvent|message
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"` // message: delivery channel
	To      string `json:"to,omitempty"`      // message: chat id
}

// State is the mutable execution state, persisted with the job.
type State struct {
	NextRunAtMs int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs int64  `json:"runningAtMs,omitempty"` // set before execution; at-most-once guard for `at` jobs
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // ok|error
	LastError   string `json:"lastError,omitempty"`
}

// Job is one scheduled entry in jobs.json.
type Job struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	AgentID       string   `json:"agentId,omitempty"` // "" = default agent
	Enabled       bool     `json:"enabled"`
	Schedule      Schedule `json:"schedule"`
	SessionTarget string   `json:"sessionTarget,omitempty"` // agent|session|direct (default agent)
	WakeMode      string   `json:"wakeMode,omitempty"`      // now|next-heartbeat (default next-heartbeat)
	Payload       Payload  `json:"payload"`
	State         State    `json:"state"`
	CreatedAtMs   int64    `json:"createdAtMs,omitempty"`
	UpdatedAtMs   int64    `json:"updatedAtMs,omitempty"`
}

// Validate checks the job's schedule and payload coherence.
func (j *Job) Validate() error {
	switch j.Schedule.Kind {
	case ScheduleAt:
		if j.Schedule.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case ScheduleEvery:
		if j.Schedule.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires everyMs > 0")
		}
	case ScheduleCron:
		if !gronx.New().IsValid(j.Schedule.Expr) {
			return fmt.Errorf("invalid cron expression %q", j.Schedule.Expr)
		}
		if j.Schedule.TZ != "" {
			if _, err := time.LoadLocation(j.Schedule.TZ); err != nil {
				return fmt.Errorf("unknown timezone %q", j.Schedule.TZ)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", j.Schedule.Kind)
	}

	switch j.Payload.Kind {
	case PayloadMessage:
		if j.SessionTarget != TargetDirect {
			return fmt.Errorf("message payload requires sessionTarget=direct")
		}
		if j.Payload.Channel == "" || j.Payload.To == "" {
			return fmt.Errorf("message payload requires channel and to")
		}
	case PayloadSystemEvent:
		if j.SessionTarget == TargetDirect {
			return fmt.Errorf("systemEvent payload cannot target direct")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", j.Payload.Kind)
	}

	if j.Payload.Text == "" {
		return fmt.Errorf("payload text is empty")
	}
	switch j.WakeMode {
	case "", WakeNow, WakeNextHeartbeat:
	default:
		return fmt.Errorf("unknown wake mode %q", j.WakeMode)
	}
	return nil
}

// NextRun computes the job's next fire time after now, in unix ms.
// `at` returns the scheduled instant even when it is already past (the job is
// simply due). `every` snaps missed runs to the future, keeping the anchor
// phase. `cron` delegates to gronx in the job's timezone.
func (s Schedule) NextRun(now time.Time) (int64, error) {
	nowMs := now.UnixMilli()
	switch s.Kind {
	case ScheduleAt:
		return s.AtMs, nil
	case ScheduleEvery:
		base := s.AnchorMs
		if base <= 0 {
			base = nowMs
		}
		if base > nowMs {
			return base, nil
		}
		k := (nowMs-base)/s.EveryMs + 1
		return base + k*s.EveryMs, nil
	case ScheduleCron:
		loc := now.Location()
		if s.TZ != "" {
			l, err := time.LoadLocation(s.TZ)
			if err != nil {
				return 0, fmt.Errorf("timezone %q: %w", s.TZ, err)
			}
			loc = l
		}
		next, err := gronx.NextTickAfter(s.Expr, now.In(loc), false)
		if err != nil {
			return 0, fmt.Errorf("cron expr %q: %w", s.Expr, err)
		}
		return next.UnixMilli(), nil
	}
	return 0, fmt.Errorf("unknown schedule kind %q", s.Kind)
}
