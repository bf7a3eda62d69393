package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/transcript"
)

// ============================================================
// sessions_history
// ============================================================

const (
	historyMaxCharsPerMessage = 4000
	historyMaxTotalBytes      = 80 * 1024
)

type SessionsHistoryTool struct {
	registry    *sessions.Registry
	transcripts *transcript.Store
}

func NewSessionsHistoryTool(reg *sessions.Registry, ts *transcript.Store) *SessionsHistoryTool {
	return &SessionsHistoryTool{registry: reg, transcripts: ts}
}

func (t *SessionsHistoryTool) Name() string { return "sessions_history" }
func (t *SessionsHistoryTool) Description() string {
	return "Fetch message history for a session."
}

func (t *SessionsHistoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to fetch history from",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max messages to return (default 20)",
			},
			"include_tools": map[string]interface{}{
				"type":        "boolean",
				"description": "Include tool result messages (default false)",
			},
		},
		"required": []string{"session_key"},
	}
}

func (t *SessionsHistoryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.registry == nil || t.transcripts == nil {
		return ErrorResult("session registry not available")
	}

	sessionKey, _ := args["session_key"].(string)
	if sessionKey == "" {
		return ErrorResult("session_key is required")
	}

	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	includeTools, _ := args["include_tools"].(bool)

	if err := checkSessionAccess(ctx, sessionKey); err != nil {
		return ErrorResult(err.Error())
	}

	entry, err := t.registry.Get(sessionKey)
	if err != nil {
		return ErrorResult(fmt.Sprintf("session not found: %s", sessionKey))
	}

	records, err := t.transcripts.Read(t.registry.TranscriptPath(sessionKey, entry), 0)
	if err != nil {
		return SilentResult(`{"session_key":"` + sessionKey + `","messages":[],"count":0}`)
	}

	type msgEntry struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var entries []msgEntry
	for _, rec := range records {
		if !includeTools && rec.Message.Role == "toolResult" {
			continue
		}
		content := rec.Message.Text()
		if !includeTools && content == "" {
			continue
		}
		// Truncate per-message
		if utf8.RuneCountInString(content) > historyMaxCharsPerMessage {
			runes := []rune(content)
			content = string(runes[:historyMaxCharsPerMessage]) + "... [truncated]"
		}
		entries = append(entries, msgEntry{Role: rec.Message.Role, Content: content})
	}

	// Keep last N
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out, _ := json.Marshal(map[string]interface{}{
		"session_key": sessionKey,
		"messages":    entries,
		"count":       len(entries),
	})

	// Cap total bytes
	if len(out) > historyMaxTotalBytes {
		return SilentResult(fmt.Sprintf(
			`{"session_key":"%s","error":"history too large (%d bytes), use smaller limit","count":%d}`,
			sessionKey, len(out), len(entries),
		))
	}

	return SilentResult(string(out))
}
