package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openclaw/openclaw/internal/approval"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/voicecall"
	"github.com/openclaw/openclaw/pkg/protocol"
)

func (r *MethodRouter) registerApprovals() {
	r.Register(protocol.MethodExecApprovalGet, r.approvalGet)
	r.Register(protocol.MethodExecApprovalDecide, r.approvalDecide)
}

func (r *MethodRouter) approvalGet(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	engine := r.srv.deps.Approvals
	if engine == nil {
		return nil, unavailable("exec approvals")
	}
	var p struct {
		ID string `json:"id,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.ID != "" {
		req, ok := engine.Get(p.ID)
		if !ok {
			return nil, rpcError(protocol.ErrNotFound, "no approval request "+p.ID)
		}
		return map[string]interface{}{"request": req}, nil
	}
	return map[string]interface{}{"pending": engine.ListPending()}, nil
}

func (r *MethodRouter) approvalDecide(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	engine := r.srv.deps.Approvals
	if engine == nil {
		return nil, unavailable("exec approvals")
	}
	var p struct {
		ID        string `json:"id"`
		Decision  string `json:"decision"`
		DecidedBy string `json:"decidedBy,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.ID == "" || p.Decision == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "id and decision are required")
	}
	decidedBy := p.DecidedBy
	if decidedBy == "" {
		decidedBy = "rpc"
	}

	switch err := engine.Decide(p.ID, p.Decision, decidedBy); {
	case err == nil:
		return map[string]interface{}{"ok": true}, nil
	case errors.Is(err, approval.ErrNotFound):
		return nil, rpcError(protocol.ErrNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided):
		return nil, rpcError(protocol.ErrInvalidRequest, err.Error())
	default:
		return nil, rpcError(protocol.ErrInvalidRequest, err.Error())
	}
}

func (r *MethodRouter) registerVoicecall() {
	r.Register(protocol.MethodVoicecallInitiate, r.voicecallInitiate)
	r.Register(protocol.MethodVoicecallContinue, r.voicecallContinue)
	r.Register(protocol.MethodVoicecallSpeak, r.voicecallSpeak)
	r.Register(protocol.MethodVoicecallEnd, r.voicecallEnd)
	r.Register(protocol.MethodVoicecallStatus, r.voicecallStatus)
}

type voicecallParams struct {
	CallID     string `json:"callId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	To         string `json:"to,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (r *MethodRouter) voicecallInitiate(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	voice := r.srv.deps.Voice
	if voice == nil {
		return nil, unavailable("voicecall")
	}
	var p voicecallParams
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	call, err := voice.Initiate(ctx, p.SessionKey, p.To)
	if err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, err.Error())
	}
	return map[string]interface{}{"call": call}, nil
}

func (r *MethodRouter) voicecallContinue(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	voice := r.srv.deps.Voice
	if voice == nil {
		return nil, unavailable("voicecall")
	}
	var p voicecallParams
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	call, err := voice.Continue(p.CallID, p.Message)
	if err != nil {
		return nil, voicecallError(err)
	}
	return map[string]interface{}{"call": call}, nil
}

func (r *MethodRouter) voicecallSpeak(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	voice := r.srv.deps.Voice
	if voice == nil {
		return nil, unavailable("voicecall")
	}
	var p voicecallParams
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	call, err := voice.Speak(ctx, p.CallID, p.Message)
	if err != nil {
		return nil, voicecallError(err)
	}
	return map[string]interface{}{"call": call}, nil
}

func (r *MethodRouter) voicecallEnd(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	voice := r.srv.deps.Voice
	if voice == nil {
		return nil, unavailable("voicecall")
	}
	var p voicecallParams
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	call, err := voice.End(ctx, p.CallID)
	if err != nil {
		return nil, voicecallError(err)
	}
	return map[string]interface{}{"call": call}, nil
}

func (r *MethodRouter) voicecallStatus(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	voice := r.srv.deps.Voice
	if voice == nil {
		return nil, unavailable("voicecall")
	}
	var p voicecallParams
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	call, err := voice.Status(p.CallID)
	if err != nil {
		return nil, voicecallError(err)
	}
	return map[string]interface{}{"call": call}, nil
}

func voicecallError(err error) *protocol.ErrorObject {
	if errors.Is(err, voicecall.ErrCallNotFound) {
		return rpcError(protocol.ErrNotFound, err.Error())
	}
	return rpcError(protocol.ErrInvalidRequest, err.Error())
}

func (r *MethodRouter) registerSystem() {
	r.Register(protocol.MethodHealth, r.health)
	r.Register(protocol.MethodStatus, r.health)
	r.Register(protocol.MethodConfigGet, r.configGet)
	r.Register(protocol.MethodConfigSet, r.configSet)
	r.Register(protocol.MethodPairingList, r.pairingList)
	r.Register(protocol.MethodPairingApprove, r.pairingApprove)
	r.Register(protocol.MethodPairingRevoke, r.pairingRevoke)
}

func (r *MethodRouter) health(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorObject) {
	r.srv.mu.RLock()
	clients := len(r.srv.clients)
	r.srv.mu.RUnlock()
	return map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
		"clients":  clients,
	}, nil
}

// configGet returns the current config. Secrets (token, password, DSN,
// provider keys) carry `json:"-"` and never serialize.
func (r *MethodRouter) configGet(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorObject) {
	return map[string]interface{}{"config": r.srv.cfg}, nil
}

// configSet replaces the persisted config and applies it in place.
func (r *MethodRouter) configSet(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	if r.srv.deps.ConfigPath == "" {
		return nil, unavailable("config persistence")
	}
	var p struct {
		Config json.RawMessage `json:"config"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if len(p.Config) == 0 {
		return nil, rpcError(protocol.ErrInvalidRequest, "config is required")
	}

	next := config.Default()
	if err := json.Unmarshal(p.Config, next); err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, "bad config: "+err.Error())
	}
	if err := config.Save(r.srv.deps.ConfigPath, next); err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	r.srv.cfg.ReplaceFrom(next)
	return map[string]interface{}{"ok": true}, nil
}

func (r *MethodRouter) pairingList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorObject) {
	store := r.srv.deps.Pairing
	if store == nil {
		return nil, unavailable("pairing")
	}
	pending, err := store.ListPending()
	if err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"pending": pending}, nil
}

func (r *MethodRouter) pairingApprove(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	store := r.srv.deps.Pairing
	if store == nil {
		return nil, unavailable("pairing")
	}
	var p struct {
		Code string `json:"code"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Code == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "code is required")
	}
	channel, senderID, err := store.Approve(p.Code)
	if err != nil {
		return nil, rpcError(protocol.ErrNotFound, err.Error())
	}
	return map[string]interface{}{"ok": true, "channel": channel, "senderId": senderID}, nil
}

func (r *MethodRouter) pairingRevoke(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	store := r.srv.deps.Pairing
	if store == nil {
		return nil, unavailable("pairing")
	}
	var p struct {
		Channel  string `json:"channel"`
		SenderID string `json:"senderId"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Channel == "" || p.SenderID == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "channel and senderId are required")
	}
	if err := store.Revoke(p.Channel, p.SenderID); err != nil {
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}
