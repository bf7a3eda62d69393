package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/pkg/protocol"
)

func (r *MethodRouter) registerCron() {
	r.Register(protocol.MethodCronList, r.cronList)
	r.Register(protocol.MethodCronAdd, r.cronAdd)
	r.Register(protocol.MethodCronUpdate, r.cronUpdate)
	r.Register(protocol.MethodCronRemove, r.cronRemove)
	r.Register(protocol.MethodCronRun, r.cronRun)

	r.Register(protocol.MethodSystemEvent, r.systemEvent)
	r.Register(protocol.MethodHeartbeatEnable, r.heartbeatEnable)
	r.Register(protocol.MethodHeartbeatDisable, r.heartbeatDisable)
	r.Register(protocol.MethodHeartbeatLast, r.heartbeatLast)
}

func (r *MethodRouter) cronList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorObject) {
	store := r.srv.deps.CronStore
	if store == nil {
		return nil, unavailable("cron")
	}
	return map[string]interface{}{"jobs": store.List()}, nil
}

func (r *MethodRouter) cronAdd(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	store := r.srv.deps.CronStore
	if store == nil {
		return nil, unavailable("cron")
	}
	var job cron.Job
	if errObj := decode(params, &job); errObj != nil {
		return nil, errObj
	}
	stored, err := store.Add(job)
	if err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, err.Error())
	}
	if r.srv.deps.Cron != nil {
		r.srv.deps.Cron.Wake()
	}
	return map[string]interface{}{"job": stored}, nil
}

func (r *MethodRouter) cronUpdate(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	store := r.srv.deps.CronStore
	if store == nil {
		return nil, unavailable("cron")
	}
	var job cron.Job
	if errObj := decode(params, &job); errObj != nil {
		return nil, errObj
	}
	stored, err := store.Update(job)
	if err != nil {
		code := protocol.ErrInvalidRequest
		if strings.Contains(err.Error(), "not found") {
			code = protocol.ErrNotFound
		}
		return nil, rpcError(code, err.Error())
	}
	if r.srv.deps.Cron != nil {
		r.srv.deps.Cron.Wake()
	}
	return map[string]interface{}{"job": stored}, nil
}

func (r *MethodRouter) cronRemove(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	store := r.srv.deps.CronStore
	if store == nil {
		return nil, unavailable("cron")
	}
	var p struct {
		ID string `json:"id"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.ID == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "id is required")
	}
	if err := store.Remove(p.ID); err != nil {
		return nil, rpcError(protocol.ErrNotFound, err.Error())
	}
	if r.srv.deps.Cron != nil {
		r.srv.deps.Cron.Wake()
	}
	return map[string]interface{}{"ok": true}, nil
}

func (r *MethodRouter) cronRun(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	svc := r.srv.deps.Cron
	if svc == nil {
		return nil, unavailable("cron")
	}
	var p struct {
		ID string `json:"id"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.ID == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "id is required")
	}
	if err := svc.RunNow(ctx, p.ID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, rpcError(protocol.ErrNotFound, err.Error())
		}
		return nil, rpcError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}

func (r *MethodRouter) systemEvent(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	svc := r.srv.deps.Cron
	if svc == nil {
		return nil, unavailable("cron")
	}
	var p struct {
		AgentID  string `json:"agentId,omitempty"`
		Text     string `json:"text"`
		WakeMode string `json:"wakeMode,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Text == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "text is required")
	}
	svc.PushSystemEvent(p.AgentID, p.Text, p.WakeMode == cron.WakeNow)
	return map[string]interface{}{"ok": true}, nil
}

func (r *MethodRouter) heartbeatEnable(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	svc := r.srv.deps.Cron
	if svc == nil {
		return nil, unavailable("cron")
	}
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	svc.EnableHeartbeat(r.agentOrDefault(p.AgentID))
	return map[string]interface{}{"ok": true}, nil
}

func (r *MethodRouter) heartbeatDisable(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	svc := r.srv.deps.Cron
	if svc == nil {
		return nil, unavailable("cron")
	}
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	svc.DisableHeartbeat(r.agentOrDefault(p.AgentID))
	return map[string]interface{}{"ok": true}, nil
}

func (r *MethodRouter) heartbeatLast(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject) {
	svc := r.srv.deps.Cron
	if svc == nil {
		return nil, unavailable("cron")
	}
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if errObj := decode(params, &p); errObj != nil {
		return nil, errObj
	}
	at, runID, ok := svc.LastHeartbeat(r.agentOrDefault(p.AgentID))
	if !ok {
		return map[string]interface{}{"ran": false}, nil
	}
	return map[string]interface{}{
		"ran":   true,
		"atMs":  at.UnixMilli(),
		"runId": runID,
	}, nil
}

func (r *MethodRouter) agentOrDefault(agentID string) string {
	if agentID != "" {
		return agentID
	}
	return r.srv.cfg.ResolveDefaultAgentID()
}
