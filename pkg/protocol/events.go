package protocol

// Broadcast channel names pushed from server to subscribers.
const (
	EventChat            = "chat"
	EventAgent           = "agent"
	EventHealth          = "health"
	EventCron            = "cron"
	EventExecApprovalReq = "exec.approval.requested"
	EventExecApprovalRes = "exec.approval.decided"
	EventSessionState    = "session.state"
	EventVoicecallState  = "voicecall.state"
	EventHeartbeat       = "heartbeat"
	EventShutdown        = "shutdown"

	// Queue observability events (queue.lane.dequeue, queue.lane.full).
	EventQueueDequeue = "queue.lane.dequeue"
	EventQueueFull    = "queue.lane.full"

	// Diagnostic events carry structured warnings for operators.
	EventDiagnostic = "diagnostic.warning"

	// Cache invalidation events (internal, never forwarded to WS clients).
	EventCacheInvalidate = "cache.invalidate"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunAborted   = "run.aborted"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
