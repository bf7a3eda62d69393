package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/bootstrap"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/scheduler"
	"github.com/openclaw/openclaw/internal/sessions"
)

// DefaultHeartbeatPrompt is the templated heartbeat body when the config does
// not override it.
const DefaultHeartbeatPrompt = "Read HEARTBEAT.md if present. Reply HEARTBEAT_OK if nothing needs attention."

const (
	defaultHeartbeatEvery = 30 * time.Minute
	// Timer bounds for the scheduler goroutine.
	maxSleep = time.Hour
	minSleep = 100 * time.Millisecond
	// How long executeJob waits for an agent run to reach a terminal state.
	runWaitSlack = time.Minute
)

// Runner is the slice of the run controller the cron service needs.
type Runner interface {
	SubmitInternal(ctx context.Context, r agent.InternalRun) (string, error)
	Run(runID string) (agent.RunRecord, bool)
}

// Service executes due jobs and emits per-agent heartbeats. One goroutine
// sleeps until the soonest fire time; due jobs each run in their own
// goroutine.
type Service struct {
	cfg      *config.Config
	store    *Store
	runner   Runner
	router   bus.MessageRouter
	registry *sessions.Registry

	mu        sync.Mutex
	sysEvents map[string][]string // agentID → queued system event texts
	hbOff     map[string]bool
	lastHB    map[string]time.Time
	lastHBRun map[string]string // agentID → last heartbeat runID

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the cron engine. registry may be nil in tests that never
// resolve a heartbeat delivery target.
func NewService(cfg *config.Config, store *Store, runner Runner, router bus.MessageRouter, registry *sessions.Registry) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		runner:    runner,
		router:    router,
		registry:  registry,
		sysEvents: make(map[string][]string),
		hbOff:     make(map[string]bool),
		lastHB:    make(map[string]time.Time),
		lastHBRun: make(map[string]string),
		wake:      make(chan struct{}, 1),
	}
}

// Start loads jobs, arms the file watcher, and launches the scheduler loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.Load(); err != nil {
		return err
	}
	if err := s.store.Watch(s.Wake); err != nil {
		slog.Warn("cron.watch_unavailable", "error", err)
	}

	now := time.Now()
	s.mu.Lock()
	for _, id := range s.agentIDs() {
		s.lastHB[id] = now
	}
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("cron.started", "jobs", len(s.store.List()))
	return nil
}

// Stop halts the scheduler loop and the watcher.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.store.Close()
	slog.Info("cron.stopped")
}

// Wake nudges the scheduler to recompute its timer. Called after any job
// mutation and by the store's reload callback.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(minSleep)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			now := time.Now()
			for _, job := range s.store.Due(now) {
				s.launch(ctx, job, now)
			}
			s.runDueHeartbeats(ctx, now)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.sleepFor(time.Now()))
	}
}

// sleepFor computes the next timer interval: the soonest of job fire times
// and heartbeat cadences, clamped to [100ms, 1h].
func (s *Service) sleepFor(now time.Time) time.Duration {
	var next time.Time
	if wake := s.store.NextWake(); wake > 0 {
		next = time.UnixMilli(wake)
	}
	for _, id := range s.agentIDs() {
		hb, ok := s.nextHeartbeat(id)
		if !ok {
			continue
		}
		if next.IsZero() || hb.Before(next) {
			next = hb
		}
	}

	if next.IsZero() {
		return maxSleep
	}
	d := next.Sub(now)
	if d < minSleep {
		return minSleep
	}
	if d > maxSleep {
		return maxSleep
	}
	return d
}

// launch marks the job running (persisted before execution, the at-most-once
// guard for `at` jobs) and executes it in its own goroutine.
func (s *Service) launch(ctx context.Context, job Job, now time.Time) {
	if err := s.store.Patch(job.ID, func(j *Job) { j.State.RunningAtMs = now.UnixMilli() }); err != nil {
		slog.Warn("cron.mark_running_failed", "job", job.ID, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.executeWithRetry(ctx, job)
		s.finish(job, now, err)
		s.Wake()
	}()
}

// finish records the outcome and reschedules. `at` jobs disable after one
// success; failures never self-disable.
func (s *Service) finish(job Job, firedAt time.Time, runErr error) {
	now := time.Now()
	patchErr := s.store.Patch(job.ID, func(j *Job) {
		j.State.RunningAtMs = 0
		j.State.LastRunAtMs = firedAt.UnixMilli()
		if runErr != nil {
			j.State.LastStatus = StatusError
			j.State.LastError = runErr.Error()
		} else {
			j.State.LastStatus = StatusOK
			j.State.LastError = ""
		}

		switch j.Schedule.Kind {
		case ScheduleAt:
			if runErr == nil {
				j.Enabled = false
				j.State.NextRunAtMs = 0
				return
			}
		}
		if next, err := j.Schedule.NextRun(now); err == nil {
			j.State.NextRunAtMs = next
		} else {
			slog.Warn("cron.reschedule_failed", "job", j.ID, "error", err)
			j.State.NextRunAtMs = 0
		}
	})
	if patchErr != nil {
		slog.Warn("cron.finish_persist_failed", "job", job.ID, "error", patchErr)
	}
	if runErr != nil {
		slog.Error("cron.job_failed", "job", job.ID, "name", job.Name, "error", runErr)
	} else {
		slog.Info("cron.job_done", "job", job.ID, "name", job.Name)
	}
}

// executeWithRetry retries transient failures with exponential backoff per
// the cron config (default 3 retries, 2s base, 30s cap).
func (s *Service) executeWithRetry(ctx context.Context, job Job) error {
	retries, base, max := s.retryPolicy()

	var err error
	for attempt := 0; ; attempt++ {
		err = s.execute(ctx, job)
		if err == nil || attempt >= retries {
			return err
		}
		delay := base << uint(attempt)
		if delay > max {
			delay = max
		}
		slog.Warn("cron.job_retry", "job", job.ID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (s *Service) retryPolicy() (retries int, base, max time.Duration) {
	retries, base, max = 3, 2*time.Second, 30*time.Second
	c := s.cfg.Cron
	if c.MaxRetries > 0 {
		retries = c.MaxRetries
	}
	if d, err := time.ParseDuration(c.RetryBaseDelay); err == nil && d > 0 {
		base = d
	}
	if d, err := time.ParseDuration(c.RetryMaxDelay); err == nil && d > 0 {
		max = d
	}
	return retries, base, max
}

// execute performs one firing of the job.
func (s *Service) execute(ctx context.Context, job Job) error {
	agentID := job.AgentID
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}

	switch {
	case job.Payload.Kind == PayloadMessage:
		// Direct channel send, no agent run.
		s.router.PublishOutbound(bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: job.Payload.Text,
		})
		return nil

	case job.SessionTarget == TargetSession:
		// Agent turn on the job's own cron session.
		key := sessions.BuildCronKey(agentID, job.ID)
		runID, err := s.runner.SubmitInternal(ctx, agent.InternalRun{
			SessionKey: key,
			Message:    job.Payload.Text,
			Channel:    job.Payload.Channel,
			ChatID:     job.Payload.To,
			Origin:     "cron",
		})
		if err != nil {
			return err
		}
		return s.awaitRun(ctx, agentID, runID)

	default:
		// System event for the agent's heartbeat queue.
		s.PushSystemEvent(agentID, job.Payload.Text, job.WakeMode == WakeNow)
		return nil
	}
}

// awaitRun polls until the run reaches a terminal state, bounded by the
// agent's run timeout plus slack.
func (s *Service) awaitRun(ctx context.Context, agentID, runID string) error {
	timeout := time.Duration(s.cfg.ResolveAgent(agentID).RunTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	deadline := time.Now().Add(timeout + runWaitSlack)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		rec, ok := s.runner.Run(runID)
		if ok && agent.IsTerminal(rec.State) {
			switch rec.State {
			case agent.StateError:
				return fmt.Errorf("run %s failed: %s", runID, rec.Error)
			case agent.StateAborted:
				return fmt.Errorf("run %s aborted", runID)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("run %s did not finish in time", runID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunNow fires a job immediately, outside its schedule. Used by cron.run.
func (s *Service) RunNow(ctx context.Context, id string) error {
	job, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	return s.execute(ctx, job)
}

// --- system events + heartbeat ---

// PushSystemEvent queues a transient event for the agent's next heartbeat.
// wakeNow also triggers an immediate heartbeat run.
func (s *Service) PushSystemEvent(agentID, text string, wakeNow bool) {
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}
	s.mu.Lock()
	s.sysEvents[agentID] = append(s.sysEvents[agentID], text)
	s.mu.Unlock()
	slog.Info("cron.system_event", "agent", agentID, "wake_now", wakeNow)

	if wakeNow {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runHeartbeat(context.Background(), agentID, time.Now())
		}()
	}
}

// EnableHeartbeat re-enables the periodic heartbeat for an agent.
func (s *Service) EnableHeartbeat(agentID string) {
	s.mu.Lock()
	delete(s.hbOff, agentID)
	s.mu.Unlock()
	s.Wake()
}

// DisableHeartbeat pauses the periodic heartbeat for an agent. Queued system
// events are kept.
func (s *Service) DisableHeartbeat(agentID string) {
	s.mu.Lock()
	s.hbOff[agentID] = true
	s.mu.Unlock()
}

// LastHeartbeat returns when the agent's heartbeat last ran and its run id.
func (s *Service) LastHeartbeat(agentID string) (time.Time, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastHB[agentID]
	if !ok || s.lastHBRun[agentID] == "" {
		return time.Time{}, "", false
	}
	return at, s.lastHBRun[agentID], true
}

func (s *Service) agentIDs() []string {
	ids := []string{s.cfg.ResolveDefaultAgentID()}
	for id := range s.cfg.Agents.List {
		if id != ids[0] {
			ids = append(ids, id)
		}
	}
	return ids
}

// heartbeatEvery returns the agent's cadence, or false when disabled by
// config ("0m").
func (s *Service) heartbeatEvery(agentID string) (time.Duration, bool) {
	hb := s.cfg.ResolveAgent(agentID).Heartbeat
	if hb == nil || hb.Every == "" {
		return defaultHeartbeatEvery, true
	}
	d, err := time.ParseDuration(hb.Every)
	if err != nil {
		slog.Warn("cron.bad_heartbeat_every", "agent", agentID, "every", hb.Every)
		return defaultHeartbeatEvery, true
	}
	if d <= 0 {
		return 0, false
	}
	return d, true
}

func (s *Service) nextHeartbeat(agentID string) (time.Time, bool) {
	every, on := s.heartbeatEvery(agentID)
	if !on {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hbOff[agentID] {
		return time.Time{}, false
	}
	last, ok := s.lastHB[agentID]
	if !ok {
		return time.Now().Add(every), true
	}
	return last.Add(every), true
}

func (s *Service) runDueHeartbeats(ctx context.Context, now time.Time) {
	for _, id := range s.agentIDs() {
		next, ok := s.nextHeartbeat(id)
		if !ok || next.After(now) {
			continue
		}
		agentID := id
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runHeartbeat(ctx, agentID, now)
		}()
	}
}

// runHeartbeat emits one heartbeat turn on the agent's main session, on the
// heartbeat lane. Skipped when HEARTBEAT.md is absent/empty and no system
// events are queued, or outside the configured active hours.
func (s *Service) runHeartbeat(ctx context.Context, agentID string, now time.Time) {
	d := s.cfg.ResolveAgent(agentID)

	s.mu.Lock()
	events := s.sysEvents[agentID]
	delete(s.sysEvents, agentID)
	s.lastHB[agentID] = now
	s.mu.Unlock()

	if !activeNow(d.Heartbeat, now) {
		// Events survive until the window opens.
		s.requeue(agentID, events)
		return
	}

	content := bootstrap.HeartbeatContent(config.ExpandHome(d.Workspace))
	if content == "" && len(events) == 0 {
		slog.Debug("cron.heartbeat_skipped", "agent", agentID, "reason", "no heartbeat file, no events")
		return
	}

	prompt := DefaultHeartbeatPrompt
	if d.Heartbeat != nil && d.Heartbeat.Prompt != "" {
		prompt = d.Heartbeat.Prompt
	}
	if len(events) > 0 {
		var b strings.Builder
		b.WriteString("System events:\n")
		for _, e := range events {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(prompt)
		prompt = b.String()
	}

	channel, chatID := s.heartbeatTarget(agentID, d.Heartbeat)
	runID, err := s.runner.SubmitInternal(ctx, agent.InternalRun{
		SessionKey: sessions.BuildMainKey(agentID),
		Message:    prompt,
		Channel:    channel,
		ChatID:     chatID,
		Lane:       scheduler.LaneHeartbeat,
		Heartbeat:  true,
		Origin:     "cron",
	})
	if err != nil {
		slog.Warn("cron.heartbeat_failed", "agent", agentID, "error", err)
		s.requeue(agentID, events)
		return
	}

	s.mu.Lock()
	s.lastHBRun[agentID] = runID
	s.mu.Unlock()
	slog.Info("cron.heartbeat", "agent", agentID, "run_id", runID, "events", len(events))
}

func (s *Service) requeue(agentID string, events []string) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	s.sysEvents[agentID] = append(events, s.sysEvents[agentID]...)
	s.mu.Unlock()
}

// heartbeatTarget resolves where heartbeat replies go: "none" suppresses
// delivery, "last" (default) follows the agent's most recent channel, and a
// channel name pins delivery.
func (s *Service) heartbeatTarget(agentID string, hb *config.HeartbeatConfig) (channel, chatID string) {
	target := "last"
	if hb != nil && hb.Target != "" {
		target = hb.Target
	}
	switch target {
	case "none":
		return "", ""
	case "last":
		if s.registry == nil {
			return "", ""
		}
		return s.registry.LastUsedChannel(agentID)
	default:
		to := ""
		if hb != nil {
			to = hb.To
		}
		return target, to
	}
}

// activeNow checks the heartbeat active-hours window. No window means always
// active. Windows may wrap midnight.
func activeNow(hb *config.HeartbeatConfig, now time.Time) bool {
	if hb == nil || hb.ActiveHours == nil {
		return true
	}
	w := hb.ActiveHours
	loc := now.Location()
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	start, err1 := parseClock(w.Start)
	end, err2 := parseClock(w.End)
	if err1 != nil || err2 != nil {
		return true
	}
	cur := local.Hour()*60 + local.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	// Wrapped window, e.g. 22:00–06:00.
	return cur >= start || cur < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
