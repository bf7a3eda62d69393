package tools

import (
	"context"
	"fmt"

	"github.com/openclaw/openclaw/internal/sessions"
)

// ============================================================
// sessions_send
// ============================================================

// SendFunc enqueues a message into a target session as if it arrived from a
// channel. The run controller provides the implementation.
type SendFunc func(ctx context.Context, sessionKey, message string) error

type SessionsSendTool struct {
	registry *sessions.Registry
	send     SendFunc
}

func NewSessionsSendTool(reg *sessions.Registry, send SendFunc) *SessionsSendTool {
	return &SessionsSendTool{registry: reg, send: send}
}

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message into another session owned by this agent."
}

func (t *SessionsSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Target session key",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to send",
			},
		},
		"required": []string{"session_key", "message"},
	}
}

func (t *SessionsSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.registry == nil || t.send == nil {
		return ErrorResult("session registry not available")
	}

	sessionKey, _ := args["session_key"].(string)
	message, _ := args["message"].(string)

	if message == "" {
		return ErrorResult("message is required")
	}
	if sessionKey == "" {
		return ErrorResult("session_key is required")
	}

	if err := checkSessionAccess(ctx, sessionKey); err != nil {
		return ErrorResult(err.Error())
	}
	if _, err := t.registry.Get(sessionKey); err != nil {
		return ErrorResult(fmt.Sprintf("session not found: %s", sessionKey))
	}

	if err := t.send(ctx, sessionKey, message); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err))
	}

	return SilentResult(fmt.Sprintf(`{"status":"accepted","session_key":"%s"}`, sessionKey))
}
