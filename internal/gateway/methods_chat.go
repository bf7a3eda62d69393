package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/ingress"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/transcript"
	"github.com/openclaw/openclaw/pkg/protocol"
)

const (
	defaultMaxMessageChars = 32000
	maxHistoryLimit        = 1000
)

func (r *MethodRouter) registerChat() {
	r.Register(protocol.MethodChatSend, r.chatSend)
	r.Register(protocol.MethodChatHistory, r.chatHistory)
	r.Register(protocol.MethodChatIngress, r.chatIngress)
	r.Register(protocol.MethodChatAbort, r.chatAbort)
	r.Register(protocol.MethodChatInject, r.chatInject)
}

// ackStatus maps scheduler acks onto the wire statuses.
func ackStatus(ack *agent.Ack) string {
	switch ack.Status {
	case agent.AckQueued:
		return "started"
	case agent.AckInFlight:
		return "in_flight"
	default:
		return ack.Status
	}
}

func (r *MethodRouter) chatSend(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	ctrl := r.srv.deps.Controller
	if ctrl == nil {
		return nil, unavailable("agent controller")
	}

	var p struct {
		SessionKey     string               `json:"sessionKey"`
		Message        string               `json:"message"`
		Attachments    []ingress.Attachment `json:"attachments,omitempty"`
		Thinking       string               `json:"thinking,omitempty"`
		Deliver        bool                 `json:"deliver,omitempty"`
		IdempotencyKey string               `json:"idempotencyKey,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.SessionKey == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "sessionKey is required")
	}
	maxChars := r.srv.cfg.Gateway.MaxMessageChars
	if maxChars <= 0 {
		maxChars = defaultMaxMessageChars
	}
	if len(p.Message) > maxChars {
		return nil, rpcError(protocol.ErrInvalidRequest, "message too long")
	}

	// The channel path shrinks or drops oversized attachments at the
	// ingress gate; the direct RPC path rejects them outright.
	maxAttach := r.srv.cfg.Gateway.MaxAttachmentBytes
	if maxAttach <= 0 {
		maxAttach = 5 << 20
	}
	for _, a := range p.Attachments {
		size := int64(len(a.Data))
		if a.Size > size {
			size = a.Size
		}
		if size > maxAttach {
			return nil, rpcError(protocol.ErrInvalidRequest,
				fmt.Sprintf("attachment %s exceeds %d bytes", a.FileName, maxAttach))
		}
	}

	if p.Thinking != "" {
		if !sessions.ValidThinkingLevel(p.Thinking) {
			return nil, rpcError(protocol.ErrInvalidRequest, "unknown thinking level")
		}
		r.srv.deps.Registry.GetOrCreate(p.SessionKey, sessions.Entry{})
		r.srv.deps.Registry.Patch(p.SessionKey, func(e *sessions.Entry) { e.ThinkingLevel = p.Thinking })
	}

	bodyAgent, bodyCmds := ingress.SplitCommand(p.Message)
	in := &ingress.InboundContext{
		Channel:           "webchat",
		SenderID:          "rpc",
		ChatType:          "direct",
		ConversationID:    p.SessionKey,
		RawBody:           p.Message,
		Body:              p.Message,
		BodyForAgent:      bodyAgent,
		BodyForCommands:   bodyCmds,
		Attachments:       p.Attachments,
		SessionKey:        p.SessionKey,
		CommandAuthorized: true,
		Timestamp:         time.Now().UnixMilli(),
	}
	if p.Deliver {
		// Route the reply to the agent's most recent channel.
		if ch, chatID := r.srv.deps.Registry.LastUsedChannel(sessions.AgentID(p.SessionKey)); ch != "" {
			in.Channel = ch
			in.ConversationID = chatID
		}
	}

	ack, err := ctrl.Submit(ctx, agent.Submission{In: in, IdempotencyKey: p.IdempotencyKey})
	if err != nil {
		if errors.Is(err, agent.ErrEmptyMessage) {
			return nil, rpcError(protocol.ErrInvalidRequest, "empty message")
		}
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{
		"runId":      ack.RunID,
		"sessionKey": ack.SessionKey,
		"status":     ackStatus(ack),
		"reply":      ack.Reply,
		"cached":     ack.Cached,
	}, nil
}

func (r *MethodRouter) chatHistory(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      *int   `json:"limit,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.SessionKey == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "sessionKey is required")
	}

	entry, err := r.srv.deps.Registry.Get(p.SessionKey)
	if err != nil {
		return nil, rpcError(protocol.ErrNotFound, "unknown session "+p.SessionKey)
	}

	// Absent limit gets the store default; an explicit 0 (or negative)
	// means no messages.
	limit := 0
	if p.Limit != nil {
		switch {
		case *p.Limit <= 0:
			limit = -1
		case *p.Limit > maxHistoryLimit:
			limit = maxHistoryLimit
		default:
			limit = *p.Limit
		}
	}
	path := r.srv.deps.Registry.TranscriptPath(p.SessionKey, entry)
	messages, err := r.srv.deps.Transcripts.Read(path, limit)
	if err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	if messages == nil {
		messages = []transcript.MessageRecord{}
	}
	return map[string]interface{}{
		"sessionKey":    p.SessionKey,
		"sessionId":     entry.SessionID,
		"messages":      messages,
		"thinkingLevel": entry.ThinkingLevel,
	}, nil
}

func (r *MethodRouter) chatIngress(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	gate := r.srv.deps.Gate
	ctrl := r.srv.deps.Controller
	if gate == nil || ctrl == nil {
		return nil, unavailable("ingress")
	}

	var p struct {
		Channel string          `json:"channel"`
		Payload json.RawMessage `json:"payload"`
		RunID   string          `json:"runId,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Channel == "" || len(p.Payload) == 0 {
		return nil, rpcError(protocol.ErrInvalidRequest, "channel and payload are required")
	}

	outcome := gate.Process(p.Channel, p.Payload)
	if outcome.Status != ingress.StatusAccepted {
		meta := map[string]interface{}{"reason": outcome.Reason}
		if outcome.PairingCode != "" {
			meta["pairingCode"] = outcome.PairingCode
		}
		return map[string]interface{}{"status": "blocked", "meta": meta}, nil
	}

	ack, err := ctrl.Submit(ctx, agent.Submission{In: outcome.Ctx, RunID: p.RunID})
	if err != nil {
		if errors.Is(err, agent.ErrEmptyMessage) {
			return map[string]interface{}{"status": "blocked", "meta": map[string]interface{}{"reason": "empty"}}, nil
		}
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{
		"status":     "accepted",
		"runId":      ack.RunID,
		"sessionKey": ack.SessionKey,
	}, nil
}

func (r *MethodRouter) chatAbort(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	ctrl := r.srv.deps.Controller
	if ctrl == nil {
		return nil, unavailable("agent controller")
	}

	var p struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}

	var aborted []string
	switch {
	case p.RunID != "":
		if ctrl.Abort(p.RunID, "rpc abort") {
			aborted = append(aborted, p.RunID)
		}
	case p.SessionKey != "":
		for _, id := range ctrl.ActiveRuns(p.SessionKey) {
			if rec, ok := ctrl.Run(id); ok && rec.State == agent.StateRunning {
				if ctrl.Abort(id, "rpc abort") {
					aborted = append(aborted, id)
				}
			}
		}
	default:
		return nil, rpcError(protocol.ErrInvalidRequest, "sessionKey or runId is required")
	}

	if aborted == nil {
		aborted = []string{}
	}
	return map[string]interface{}{
		"ok":      true,
		"aborted": len(aborted),
		"runIds":  aborted,
	}, nil
}

// chatInject appends an assistant message straight to the transcript, outside
// any run. Used to record operator interventions.
func (r *MethodRouter) chatInject(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
		Label      string `json:"label,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.SessionKey == "" || p.Message == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "sessionKey and message are required")
	}

	entry := r.srv.deps.Registry.GetOrCreate(p.SessionKey, sessions.Entry{})
	path := r.srv.deps.Registry.TranscriptPath(p.SessionKey, entry)
	if err := r.srv.deps.Transcripts.Ensure(entry.SessionID, path, ""); err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}

	text := p.Message
	if p.Label != "" {
		text = "[" + p.Label + "] " + text
	}
	rec := transcript.NewMessageRecord("assistant", text)
	if err := r.srv.deps.Transcripts.Append(path, rec); err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"ok": true, "messageId": rec.ID}, nil
}
