package tools

import (
	"context"
	"fmt"
	"strings"
)

// ============================================================
// sessions_spawn
// ============================================================

// SpawnRequest asks the run controller to start a subagent run in a fresh
// child session.
type SpawnRequest struct {
	ParentSessionKey string
	AgentID          string
	Task             string
	Label            string
	Model            string // optional provider/model override
	Channel          string
	ChatID           string
	PeerKind         string
}

// SpawnReceipt identifies the spawned child session and its first run.
type SpawnReceipt struct {
	SessionKey string
	RunID      string
}

// Spawner starts subagent runs. The run controller implements this; it owns
// depth and concurrency limits and announces results back to the parent.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnReceipt, error)
}

type SessionsSpawnTool struct {
	spawner Spawner
}

func NewSessionsSpawnTool(sp Spawner) *SessionsSpawnTool {
	return &SessionsSpawnTool{spawner: sp}
}

func (t *SessionsSpawnTool) Name() string { return "sessions_spawn" }
func (t *SessionsSpawnTool) Description() string {
	return "Spawn a subagent session to work on a task in the background. The result is announced back when the subagent finishes."
}

func (t *SessionsSpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Task for the subagent to perform",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for the subagent (defaults to a task prefix)",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Optional provider/model override for the subagent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SessionsSpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.spawner == nil {
		return ErrorResult("subagent spawning not available")
	}

	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	if label == "" {
		label = truncateCmd(task, 50)
	}
	model, _ := args["model"].(string)

	receipt, err := t.spawner.Spawn(ctx, SpawnRequest{
		ParentSessionKey: ToolSessionKeyFromCtx(ctx),
		AgentID:          ToolAgentIDFromCtx(ctx),
		Task:             task,
		Label:            label,
		Model:            model,
		Channel:          ToolChannelFromCtx(ctx),
		ChatID:           ToolChatIDFromCtx(ctx),
		PeerKind:         ToolPeerKindFromCtx(ctx),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("spawn failed: %v", err))
	}

	return AsyncResult(fmt.Sprintf("Spawned subagent '%s' (session=%s, run=%s). Its result will be announced when it finishes.",
		label, receipt.SessionKey, receipt.RunID))
}
