package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/sessions"
)

// ============================================================
// sessions_list
// ============================================================

type SessionsListTool struct {
	registry *sessions.Registry
}

func NewSessionsListTool(reg *sessions.Registry) *SessionsListTool {
	return &SessionsListTool{registry: reg}
}

func (t *SessionsListTool) Name() string { return "sessions_list" }
func (t *SessionsListTool) Description() string {
	return "List sessions for this agent with optional filters."
}

func (t *SessionsListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]interface{}{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
		},
	}
}

func (t *SessionsListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.registry == nil {
		return ErrorResult("session registry not available")
	}

	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	var activeMinutes int
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		activeMinutes = int(v)
	}

	agentID := ToolAgentIDFromCtx(ctx)
	listed := t.registry.List(agentID)

	type sessionEntry struct {
		Key      string `json:"key"`
		Channel  string `json:"channel,omitempty"`
		ChatType string `json:"chat_type,omitempty"`
		Updated  string `json:"updated"`

		updatedAt int64
	}

	var cutoff int64
	if activeMinutes > 0 {
		cutoff = time.Now().Add(-time.Duration(activeMinutes) * time.Minute).UnixMilli()
	}

	entries := make([]sessionEntry, 0, len(listed))
	for key, e := range listed {
		if cutoff > 0 && e.UpdatedAt < cutoff {
			continue
		}
		entries = append(entries, sessionEntry{
			Key:       key,
			Channel:   e.Channel,
			ChatType:  e.ChatType,
			Updated:   time.UnixMilli(e.UpdatedAt).Format(time.RFC3339),
			updatedAt: e.UpdatedAt,
		})
	}

	// Most recently updated first.
	sort.Slice(entries, func(i, j int) bool { return entries[i].updatedAt > entries[j].updatedAt })
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out, _ := json.Marshal(map[string]interface{}{
		"count":    len(entries),
		"sessions": entries,
	})
	return SilentResult(string(out))
}

// ============================================================
// session_status
// ============================================================

type SessionStatusTool struct {
	registry *sessions.Registry
}

func NewSessionStatusTool(reg *sessions.Registry) *SessionStatusTool {
	return &SessionStatusTool{registry: reg}
}

func (t *SessionStatusTool) Name() string { return "session_status" }
func (t *SessionStatusTool) Description() string {
	return "Show session status: model, thinking level, tokens, channel, last update."
}

func (t *SessionStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to inspect (default: current session)",
			},
		},
	}
}

func (t *SessionStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.registry == nil {
		return ErrorResult("session registry not available")
	}

	sessionKey, _ := args["session_key"].(string)
	if sessionKey == "" {
		sessionKey = ToolSessionKeyFromCtx(ctx)
	}
	if sessionKey == "" {
		return ErrorResult("session_key is required (could not detect current session)")
	}

	if err := checkSessionAccess(ctx, sessionKey); err != nil {
		return ErrorResult(err.Error())
	}

	e, err := t.registry.Get(sessionKey)
	if err != nil {
		return ErrorResult(fmt.Sprintf("session not found: %s", sessionKey))
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("Session: %s", sessionKey))
	if e.ModelOverride != "" {
		lines = append(lines, fmt.Sprintf("Model: %s", e.ModelOverride))
	}
	if e.Channel != "" {
		lines = append(lines, fmt.Sprintf("Channel: %s", e.Channel))
	}
	if e.ChatType != "" {
		lines = append(lines, fmt.Sprintf("Chat type: %s", e.ChatType))
	}
	if e.ThinkingLevel != "" {
		lines = append(lines, fmt.Sprintf("Thinking: %s", e.ThinkingLevel))
	}
	if e.VerboseLevel != "" {
		lines = append(lines, fmt.Sprintf("Verbose: %s", e.VerboseLevel))
	}
	if e.SpawnedBy != "" {
		lines = append(lines, fmt.Sprintf("Spawned by: %s", e.SpawnedBy))
	}
	lines = append(lines, fmt.Sprintf("Tokens: %d input / %d output", e.InputTokens, e.OutputTokens))
	lines = append(lines, fmt.Sprintf("Updated: %s", time.UnixMilli(e.UpdatedAt).Format(time.RFC3339)))

	return SilentResult(strings.Join(lines, "\n"))
}

// checkSessionAccess rejects cross-agent session access. Session keys embed
// the owning agent id as their second segment.
func checkSessionAccess(ctx context.Context, sessionKey string) error {
	agentID := ToolAgentIDFromCtx(ctx)
	if agentID != "" && !strings.HasPrefix(sessionKey, "agent:"+agentID+":") {
		return fmt.Errorf("access denied: session belongs to a different agent")
	}
	return nil
}
