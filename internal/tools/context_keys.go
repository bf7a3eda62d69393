package tools

import (
	"context"

	"github.com/openclaw/openclaw/internal/approval"
)

// Tool execution context keys.
// These replace mutable setter fields on tool instances, making tools
// thread-safe for concurrent execution. Values are injected into context by
// the registry and read by individual tools during Execute().

type toolContextKey string

const (
	ctxChannel    toolContextKey = "tool_channel"
	ctxChatID     toolContextKey = "tool_chat_id"
	ctxPeerKind   toolContextKey = "tool_peer_kind"
	ctxSessionKey toolContextKey = "tool_session_key"
	ctxAgentID    toolContextKey = "tool_agent_id"
	ctxAsyncCB    toolContextKey = "tool_async_cb"
	ctxWorkspace  toolContextKey = "tool_workspace"
	ctxRunID      toolContextKey = "tool_run_id"
	ctxApproval   toolContextKey = "tool_approval_policy"
)

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithToolPeerKind(ctx context.Context, peerKind string) context.Context {
	return context.WithValue(ctx, ctxPeerKind, peerKind)
}

func ToolPeerKindFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxPeerKind).(string)
	return v
}

func WithToolSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

func ToolSessionKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionKey).(string)
	return v
}

func WithToolAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxAgentID, agentID)
}

func ToolAgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}

func WithToolRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxRunID, runID)
}

func ToolRunIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxRunID).(string)
	return v
}

func WithToolAsyncCB(ctx context.Context, cb AsyncCallback) context.Context {
	return context.WithValue(ctx, ctxAsyncCB, cb)
}

func ToolAsyncCBFromCtx(ctx context.Context) AsyncCallback {
	v, _ := ctx.Value(ctxAsyncCB).(AsyncCallback)
	return v
}

func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

// WithApprovalPolicy attaches the session's exec approval policy so the
// exec tool can merge it with the global policy.
func WithApprovalPolicy(ctx context.Context, p approval.Policy) context.Context {
	return context.WithValue(ctx, ctxApproval, p)
}

func ApprovalPolicyFromCtx(ctx context.Context) approval.Policy {
	v, _ := ctx.Value(ctxApproval).(approval.Policy)
	return v
}
