package gateway

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/tools"
	"github.com/openclaw/openclaw/pkg/protocol"
)

func (r *MethodRouter) registerSessions() {
	r.Register(protocol.MethodSessionsList, r.sessionsList)
	r.Register(protocol.MethodSessionsHistory, r.chatHistory) // same shape as chat.history
	r.Register(protocol.MethodSessionsSpawn, r.sessionsSpawn)
	r.Register(protocol.MethodSessionsSend, r.sessionsSend)
	r.Register(protocol.MethodSessionsPatch, r.sessionsPatch)
	r.Register(protocol.MethodSessionsDelete, r.sessionsDelete)
	r.Register(protocol.MethodSessionsReset, r.sessionsReset)
}

// sessionView is one row of sessions.list.
type sessionView struct {
	SessionKey string `json:"sessionKey"`
	*sessions.Entry
}

func (r *MethodRouter) sessionsList(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}

	entries := r.srv.deps.Registry.List(p.AgentID)
	views := make([]sessionView, 0, len(entries))
	for key, e := range entries {
		views = append(views, sessionView{SessionKey: key, Entry: e})
	}
	sort.Slice(views, func(i, k int) bool {
		if views[i].LastActivityAt != views[k].LastActivityAt {
			return views[i].LastActivityAt > views[k].LastActivityAt
		}
		return views[i].SessionKey < views[k].SessionKey
	})
	return map[string]interface{}{"sessions": views}, nil
}

func (r *MethodRouter) sessionsSpawn(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	ctrl := r.srv.deps.Controller
	if ctrl == nil {
		return nil, unavailable("agent controller")
	}

	var p struct {
		ParentSessionKey string `json:"parentSessionKey,omitempty"`
		AgentID          string `json:"agentId,omitempty"`
		Task             string `json:"task"`
		Label            string `json:"label,omitempty"`
		Model            string `json:"model,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Task == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "task is required")
	}
	parent := p.ParentSessionKey
	if parent == "" {
		agentID := p.AgentID
		if agentID == "" {
			agentID = r.srv.cfg.ResolveDefaultAgentID()
		}
		parent = sessions.BuildMainKey(agentID)
	}

	receipt, err := ctrl.Spawn(ctx, tools.SpawnRequest{
		ParentSessionKey: parent,
		AgentID:          p.AgentID,
		Task:             p.Task,
		Label:            p.Label,
		Model:            p.Model,
	})
	if err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{
		"sessionKey": receipt.SessionKey,
		"runId":      receipt.RunID,
	}, nil
}

func (r *MethodRouter) sessionsSend(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	ctrl := r.srv.deps.Controller
	if ctrl == nil {
		return nil, unavailable("agent controller")
	}

	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.SessionKey == "" || p.Message == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "sessionKey and message are required")
	}
	if _, err := r.srv.deps.Registry.Get(p.SessionKey); err != nil {
		return nil, rpcError(protocol.ErrNotFound, "unknown session "+p.SessionKey)
	}
	if err := ctrl.SendToSession(ctx, p.SessionKey, p.Message); err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}

func (r *MethodRouter) sessionsPatch(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	var p struct {
		SessionKey      string  `json:"sessionKey"`
		ThinkingLevel   *string `json:"thinkingLevel,omitempty"`
		VerboseLevel    *string `json:"verboseLevel,omitempty"`
		ModelOverride   *string `json:"modelOverride,omitempty"`
		GroupActivation *string `json:"groupActivation,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.SessionKey == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "sessionKey is required")
	}
	if p.ThinkingLevel != nil && *p.ThinkingLevel != "" && !sessions.ValidThinkingLevel(*p.ThinkingLevel) {
		return nil, rpcError(protocol.ErrInvalidRequest, "unknown thinking level")
	}
	if p.VerboseLevel != nil && *p.VerboseLevel != "" && !sessions.ValidVerboseLevel(*p.VerboseLevel) {
		return nil, rpcError(protocol.ErrInvalidRequest, "unknown verbose level")
	}

	err := r.srv.deps.Registry.Patch(p.SessionKey, func(e *sessions.Entry) {
		if p.ThinkingLevel != nil {
			e.ThinkingLevel = *p.ThinkingLevel
		}
		if p.VerboseLevel != nil {
			e.VerboseLevel = *p.VerboseLevel
		}
		if p.ModelOverride != nil {
			e.ModelOverride = *p.ModelOverride
		}
		if p.GroupActivation != nil {
			e.GroupActivation = *p.GroupActivation
		}
	})
	if err != nil {
		return nil, rpcError(protocol.ErrNotFound, "unknown session "+p.SessionKey)
	}
	entry, _ := r.srv.deps.Registry.Get(p.SessionKey)
	return map[string]interface{}{"ok": true, "session": entry}, nil
}

func (r *MethodRouter) sessionsDelete(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	var p struct {
		SessionKey string `json:"sessionKey"`
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
	path := r.srv.deps.Registry.TranscriptPath(p.SessionKey, entry)
	if err := r.srv.deps.Transcripts.Delete(path); err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	if err := r.srv.deps.Registry.Delete(p.SessionKey); err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}

// sessionsReset rotates the session id and archives the transcript, keeping
// per-session settings. Same semantics as the /reset chat command.
func (r *MethodRouter) sessionsReset(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	var p struct {
		SessionKey string `json:"sessionKey"`
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
	path := r.srv.deps.Registry.TranscriptPath(p.SessionKey, entry)
	if err := r.srv.deps.Transcripts.Delete(path); err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	newID := uuid.NewString()
	r.srv.deps.Registry.Patch(p.SessionKey, func(e *sessions.Entry) {
		e.SessionID = newID
		e.SessionFile = ""
		e.InputTokens = 0
		e.OutputTokens = 0
	})
	return map[string]interface{}{"ok": true, "sessionId": newID}, nil
}
