// Package agent runs the LLM turn for a session: it owns run lifecycle
// (accepted → queued → running → terminal), the pre-LLM command layer, the
// tool iteration loop, transcript writes, and delivery of the final reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/approval"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/ingress"
	"github.com/openclaw/openclaw/internal/providers"
	"github.com/openclaw/openclaw/internal/scheduler"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/tools"
	"github.com/openclaw/openclaw/internal/transcript"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// abortGrace is how long a cancelled run may take to unwind before the
// controller force-marks it aborted.
const abortGrace = 5 * time.Second

// ErrEmptyMessage rejects submissions with no body and no attachments.
var ErrEmptyMessage = errors.New("empty message")

// Ack statuses returned by Submit.
const (
	AckQueued   = scheduler.AckQueued
	AckInFlight = scheduler.AckInFlight
	AckCommand  = "command"
)

// Ack is the synchronous answer to a chat submission.
type Ack struct {
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
	Reply      string `json:"reply,omitempty"` // command replies only
	Cached     bool   `json:"cached,omitempty"`
}

// Submission is one inbound chat turn.
type Submission struct {
	In             *ingress.InboundContext
	RunID          string // caller-supplied (RPC ingress); "" generates one
	IdempotencyKey string
}

// InternalRun is a run originated inside the gateway (subagents, cron,
// heartbeats, cross-session sends) rather than by a channel message.
type InternalRun struct {
	SessionKey string
	Message    string
	Channel    string // delivery target; "" disables channel delivery
	ChatID     string
	Lane       string // override; "" uses the session's lane
	Heartbeat  bool   // HEARTBEAT_OK suppression applies
	Origin     string // logged: "cron", "spawn", "announce", "send"
}

// pendingRun carries a queued run's payload until dispatch.
type pendingRun struct {
	runID       string
	sessionKey  string
	message     string
	channel     string
	chatID      string
	peerKind    string
	deliver     bool
	heartbeat   bool
	origin      string
	inline      string // inline thinking directive, this run only
	attachments []ingress.Attachment
	idemKey     string
}

// Controller owns agent runs. It is the scheduler's Dispatcher and the
// Spawner/SendFunc behind the session tools.
type Controller struct {
	cfg         *config.Config
	registry    *sessions.Registry
	transcripts *transcript.Store
	providers   *providers.Registry
	tools       *tools.Registry
	policy      *tools.PolicyEngine
	approvals   *approval.Engine
	events      bus.EventPublisher
	router      bus.MessageRouter

	sched *scheduler.Scheduler

	runs *runTracker
	idem *idemCache

	mu        sync.Mutex
	pending   map[string]*pendingRun // runID → payload, until terminal
	bySession map[string][]string    // sessionKey → live runIDs, FIFO
}

// ControllerOptions wires the controller's collaborators.
type ControllerOptions struct {
	Config      *config.Config
	Sessions    *sessions.Registry
	Transcripts *transcript.Store
	Providers   *providers.Registry
	Tools       *tools.Registry
	ToolPolicy  *tools.PolicyEngine
	Approvals   *approval.Engine
	Events      bus.EventPublisher
	Router      bus.MessageRouter
}

// NewController builds a controller. Call AttachScheduler before Submit.
func NewController(opts ControllerOptions) *Controller {
	return &Controller{
		cfg:         opts.Config,
		registry:    opts.Sessions,
		transcripts: opts.Transcripts,
		providers:   opts.Providers,
		tools:       opts.Tools,
		policy:      opts.ToolPolicy,
		approvals:   opts.Approvals,
		events:      opts.Events,
		router:      opts.Router,
		runs:        newRunTracker(),
		idem:        newIdemCache(),
		pending:     make(map[string]*pendingRun),
		bySession:   make(map[string][]string),
	}
}

// AttachScheduler closes the controller↔scheduler cycle: the scheduler is
// built with the controller as its Dispatcher, then handed back here.
func (c *Controller) AttachScheduler(s *scheduler.Scheduler) { c.sched = s }

// Run returns the record for a run id.
func (c *Controller) Run(runID string) (RunRecord, bool) { return c.runs.Get(runID) }

// Submit accepts a normalized inbound turn: commands first, then idempotency,
// then enqueue. Safe for concurrent use.
func (c *Controller) Submit(ctx context.Context, sub Submission) (*Ack, error) {
	in := sub.In
	if in == nil || in.SessionKey == "" {
		return nil, fmt.Errorf("submission missing session key")
	}
	key := in.SessionKey

	c.registry.GetOrCreate(key, sessions.Entry{
		Channel:   in.Channel,
		AccountID: in.AccountID,
		ChatType:  in.ChatType,
	})
	c.registry.Touch(key)

	var inline string
	reply, handled := c.handleCommand(in, key)
	if handled {
		if reply != "" {
			c.deliver(in.Channel, in.ConversationID, reply)
		}
		if strings.TrimSpace(in.BodyForAgent) == "" {
			// Directive-only turn: never reaches the transcript.
			return &Ack{SessionKey: key, Status: AckCommand, Reply: reply}, nil
		}
		inline = inlineThinkingLevel(in.BodyForCommands)
	}

	message := strings.TrimSpace(in.BodyForAgent)
	if message == "" && !handled {
		// A leading "/" line that isn't a recognized directive is just a
		// message that starts with a slash.
		message = strings.TrimSpace(in.BodyForCommands)
	}
	if message == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	idemKey := ""
	if sub.IdempotencyKey != "" {
		idemKey = "chat:" + sub.IdempotencyKey
		if st, ok := c.idem.Lookup(idemKey); ok {
			// Replay the original run: live duplicates report in_flight,
			// terminal ones their final state. No new run either way.
			status := AckInFlight
			if IsTerminal(st.Status) {
				status = st.Status
			}
			return &Ack{RunID: st.RunID, SessionKey: key, Status: status, Cached: true}, nil
		}
	}

	runID := sub.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	p := &pendingRun{
		runID:       runID,
		sessionKey:  key,
		message:     message,
		channel:     in.Channel,
		chatID:      in.ConversationID,
		peerKind:    in.ChatType,
		deliver:     in.Channel != "" && in.Channel != "webchat",
		inline:      inline,
		attachments: in.Attachments,
		idemKey:     idemKey,
	}
	if err := c.enqueue(p, ""); err != nil {
		return nil, err
	}
	return &Ack{RunID: runID, SessionKey: key, Status: AckQueued}, nil
}

// SubmitInternal enqueues a gateway-originated run and returns its run id.
func (c *Controller) SubmitInternal(ctx context.Context, r InternalRun) (string, error) {
	if r.SessionKey == "" || strings.TrimSpace(r.Message) == "" {
		return "", fmt.Errorf("internal run missing session key or message")
	}
	c.registry.GetOrCreate(r.SessionKey, sessions.Entry{Channel: r.Channel})

	p := &pendingRun{
		runID:      uuid.NewString(),
		sessionKey: r.SessionKey,
		message:    r.Message,
		channel:    r.Channel,
		chatID:     r.ChatID,
		deliver:    r.Channel != "" && r.Channel != "webchat",
		heartbeat:  r.Heartbeat,
		origin:     r.Origin,
	}
	if err := c.enqueue(p, r.Lane); err != nil {
		return "", err
	}
	return p.runID, nil
}

func (c *Controller) enqueue(p *pendingRun, lane string) error {
	c.runs.Create(p.runID, p.sessionKey)
	if p.idemKey != "" {
		c.idem.Store(p.idemKey, IdemStatus{RunID: p.runID, Status: StateAccepted})
	}

	c.mu.Lock()
	c.pending[p.runID] = p
	c.bySession[p.sessionKey] = append(c.bySession[p.sessionKey], p.runID)
	c.mu.Unlock()

	timeout := time.Duration(c.cfg.ResolveAgent(sessions.AgentID(p.sessionKey)).RunTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	ack, err := c.sched.Enqueue(scheduler.Entry{
		RunID:      p.runID,
		SessionKey: p.sessionKey,
		Lane:       lane,
		ExpiresAt:  time.Now().Add(timeout),
	})
	if err != nil {
		c.forget(p.runID)
		c.runs.Fail(p.runID, err.Error())
		return err
	}
	if ack == scheduler.AckQueued {
		c.runs.Transition(p.runID, StateQueued)
		if p.idemKey != "" {
			c.idem.Store(p.idemKey, IdemStatus{RunID: p.runID, Status: StateQueued})
		}
	}
	return nil
}

// Dispatch executes a dequeued run. Implements scheduler.Dispatcher; the
// context is cancelled on abort or expiry.
func (c *Controller) Dispatch(ctx context.Context, e scheduler.Entry) {
	c.mu.Lock()
	p, ok := c.pending[e.RunID]
	c.mu.Unlock()
	if !ok {
		slog.Warn("agent.dispatch_unknown_run", "run_id", e.RunID)
		return
	}
	defer c.forget(e.RunID)

	c.runs.Transition(p.runID, StateRunning)
	if p.idemKey != "" {
		c.idem.Store(p.idemKey, IdemStatus{RunID: p.runID, Status: StateRunning})
	}
	c.agentEvent(protocol.AgentEventRunStarted, p, nil)

	started := time.Now()
	out, err := c.execute(ctx, p)

	switch {
	case err != nil && ctx.Err() != nil:
		reason := c.sched.AbortReason(p.runID)
		if reason == "" {
			reason = scheduler.AbortReasonRequested
		}
		c.runs.Transition(p.runID, StateAborted)
		c.agentEvent(protocol.AgentEventRunAborted, p, map[string]interface{}{"reason": reason})
		c.finishIdem(p, StateAborted)
		slog.Info("agent.run_aborted", "run_id", p.runID, "session", p.sessionKey, "reason", reason)
		c.announceIfSubagent(p, StateAborted, "", started, nil)
	case err != nil:
		c.runs.Fail(p.runID, err.Error())
		c.agentEvent(protocol.AgentEventRunFailed, p, map[string]interface{}{"error": err.Error()})
		c.finishIdem(p, StateError)
		slog.Error("agent.run_failed", "run_id", p.runID, "session", p.sessionKey, "error", err)
		c.announceIfSubagent(p, StateError, err.Error(), started, nil)
	default:
		c.runs.Transition(p.runID, StateFinal)
		c.agentEvent(protocol.AgentEventRunCompleted, p, map[string]interface{}{
			"elapsed_ms": time.Since(started).Milliseconds(),
		})
		c.finishIdem(p, StateFinal)
		c.announceIfSubagent(p, StateFinal, out.content, started, out.usage)
	}
}

func (c *Controller) finishIdem(p *pendingRun, state string) {
	if p.idemKey != "" {
		c.idem.Store(p.idemKey, IdemStatus{RunID: p.runID, Status: state})
	}
}

func (c *Controller) forget(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[runID]
	if !ok {
		return
	}
	delete(c.pending, runID)
	ids := c.bySession[p.sessionKey]
	for i, id := range ids {
		if id == runID {
			c.bySession[p.sessionKey] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(c.bySession[p.sessionKey]) == 0 {
		delete(c.bySession, p.sessionKey)
	}
}

// Abort cancels a run. The runner gets abortGrace to unwind before the
// record is force-marked aborted.
func (c *Controller) Abort(runID, reason string) bool {
	if !c.sched.Abort(runID, reason) {
		return false
	}
	go func() {
		time.Sleep(abortGrace)
		if rec, ok := c.runs.Get(runID); ok && !IsTerminal(rec.State) {
			if _, moved := c.runs.Transition(runID, StateAborted); moved {
				slog.Warn("agent.abort_forced", "run_id", runID, "reason", reason)
				c.broadcast(protocol.EventAgent, map[string]interface{}{
					"type":   protocol.AgentEventRunAborted,
					"runId":  runID,
					"reason": reason,
					"forced": true,
				})
			}
		}
	}()
	return true
}

// ActiveRuns returns the session's live run ids, FIFO.
func (c *Controller) ActiveRuns(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bySession[key]...)
}

// AbortSession aborts the session's active run. Queued successors stay
// queued. Returns the number of runs signalled.
func (c *Controller) AbortSession(key, reason string) int {
	c.mu.Lock()
	ids := append([]string(nil), c.bySession[key]...)
	c.mu.Unlock()

	for _, id := range ids {
		if rec, ok := c.runs.Get(id); ok && rec.State == StateRunning {
			if c.Abort(id, reason) {
				return 1
			}
		}
	}
	return 0
}

// --- session tools surface ---

// Spawn implements tools.Spawner: a subagent session on the subagent lane.
func (c *Controller) Spawn(ctx context.Context, req tools.SpawnRequest) (tools.SpawnReceipt, error) {
	agentID := req.AgentID
	if agentID == "" {
		agentID = sessions.AgentID(req.ParentSessionKey)
	}
	if agentID == "" {
		return tools.SpawnReceipt{}, fmt.Errorf("spawn: cannot resolve agent id")
	}

	maxDepth := 1
	if sub := c.cfg.Agents.Defaults.Subagents; sub != nil && sub.MaxSpawnDepth > 0 {
		maxDepth = sub.MaxSpawnDepth
	}
	if depth := c.spawnDepth(req.ParentSessionKey); depth >= maxDepth {
		return tools.SpawnReceipt{}, fmt.Errorf("spawn depth limit reached (%d)", maxDepth)
	}

	subKey := sessions.BuildSubagentKey(agentID, uuid.NewString())
	c.registry.GetOrCreate(subKey, sessions.Entry{
		Channel:   req.Channel,
		ChatType:  req.PeerKind,
		SpawnedBy: req.ParentSessionKey,
	})

	model := req.Model
	if model == "" {
		if sub := c.cfg.Agents.Defaults.Subagents; sub != nil {
			model = sub.Model
		}
	}
	if model != "" {
		_ = c.registry.Patch(subKey, func(e *sessions.Entry) { e.ModelOverride = model })
	}

	task := req.Task
	if req.Label != "" {
		task = fmt.Sprintf("[Task: %s]\n%s", req.Label, req.Task)
	}
	runID, err := c.SubmitInternal(ctx, InternalRun{
		SessionKey: subKey,
		Message:    task,
		Channel:    req.Channel,
		ChatID:     req.ChatID,
		Lane:       scheduler.LaneSubagent,
		Origin:     "spawn",
	})
	if err != nil {
		return tools.SpawnReceipt{}, err
	}
	slog.Info("agent.subagent_spawned", "parent", req.ParentSessionKey, "session", subKey, "run_id", runID)
	return tools.SpawnReceipt{SessionKey: subKey, RunID: runID}, nil
}

// spawnDepth counts SpawnedBy hops above key.
func (c *Controller) spawnDepth(key string) int {
	depth := 0
	for key != "" && depth < 8 {
		e, err := c.registry.Get(key)
		if err != nil || e.SpawnedBy == "" {
			return depth
		}
		depth++
		key = e.SpawnedBy
	}
	return depth
}

// SendToSession implements tools.SendFunc: enqueue a message turn on another
// session, delivered to that session's own channel.
func (c *Controller) SendToSession(ctx context.Context, sessionKey, message string) error {
	e, err := c.registry.Get(sessionKey)
	if err != nil {
		return err
	}
	channel, chatID := c.deliveryTarget(sessionKey, e)
	_, err = c.SubmitInternal(ctx, InternalRun{
		SessionKey: sessionKey,
		Message:    message,
		Channel:    channel,
		ChatID:     chatID,
		Origin:     "send",
	})
	return err
}

// announceIfSubagent posts the subagent's outcome back to the requester
// session as a new turn.
func (c *Controller) announceIfSubagent(p *pendingRun, state, detail string, started time.Time, usage *providers.Usage) {
	if p.origin != "spawn" {
		return
	}
	e, err := c.registry.Get(p.sessionKey)
	if err != nil || e.SpawnedBy == "" {
		return
	}
	parent, err := c.registry.Get(e.SpawnedBy)
	if err != nil {
		return
	}

	status := "ok"
	switch state {
	case StateError:
		status = "error"
	case StateAborted:
		status = "aborted"
	}
	result := strings.TrimSpace(detail)
	if result == "" {
		result = "(no output)"
	}

	var stats string
	if usage != nil {
		stats = fmt.Sprintf(" tokens=%d/%d", usage.PromptTokens, usage.CompletionTokens)
	}
	report := fmt.Sprintf(
		"[Subagent %s finished]\nStatus: %s\nResult: %s\nNotes: relay anything the user needs; otherwise reply NO_REPLY.\n(runtime %s%s)",
		p.sessionKey, status, result, time.Since(started).Round(time.Second), stats,
	)

	channel, chatID := c.deliveryTarget(e.SpawnedBy, parent)
	if _, err := c.SubmitInternal(context.Background(), InternalRun{
		SessionKey: e.SpawnedBy,
		Message:    report,
		Channel:    channel,
		ChatID:     chatID,
		Origin:     "announce",
	}); err != nil {
		slog.Warn("agent.announce_failed", "parent", e.SpawnedBy, "error", err)
	}
}

// deliveryTarget resolves where a session's replies go on the wire.
func (c *Controller) deliveryTarget(key string, e *sessions.Entry) (channel, chatID string) {
	if k, err := sessions.Parse(key); err == nil && k.Kind == sessions.KeyChannel {
		return k.Channel, k.PeerID
	}
	// Main/subagent/cron sessions fall back to the agent's last used channel.
	return c.registry.LastUsedChannel(sessions.AgentID(key))
}

// --- broadcast + delivery ---

func (c *Controller) broadcast(name string, payload interface{}) {
	if c.events != nil {
		c.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

func (c *Controller) agentEvent(typ string, p *pendingRun, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"type":       typ,
		"runId":      p.runID,
		"sessionKey": p.sessionKey,
	}
	if p.deliver {
		payload["channel"] = p.channel
		payload["chatId"] = p.chatID
	}
	for k, v := range extra {
		payload[k] = v
	}
	c.broadcast(protocol.EventAgent, payload)
}

// chatDelta broadcasts one chat stream delta with its monotonic seq.
// Deliverable runs carry their channel route so streaming adapters can
// surface progress in the conversation.
func (c *Controller) chatDelta(p *pendingRun, typ, content string, final bool) {
	payload := map[string]interface{}{
		"type":       typ,
		"runId":      p.runID,
		"sessionKey": p.sessionKey,
		"seq":        c.runs.NextSeq(p.runID),
		"content":    content,
		"final":      final,
	}
	if p.deliver {
		payload["channel"] = p.channel
		payload["chatId"] = p.chatID
	}
	c.broadcast(protocol.EventChat, payload)
}

// deliver publishes an outbound channel message. Chunking to the channel's
// message limit happens in the channel adapters.
func (c *Controller) deliver(channel, chatID, content string) {
	if c.router == nil || channel == "" || channel == "webchat" || chatID == "" || content == "" {
		return
	}
	c.router.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
}

func newSessionID() string { return uuid.NewString() }

// inlineThinkingLevel extracts a thinking level from a mixed-message
// directive line, to apply to this run only.
func inlineThinkingLevel(bodyForCommands string) string {
	line := strings.TrimSpace(bodyForCommands)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	switch strings.ToLower(fields[0]) {
	case "/think", "/reasoning":
		level := strings.ToLower(fields[1])
		if sessions.ValidThinkingLevel(level) {
			return level
		}
	}
	return ""
}
