package protocol

// RPC method name constants, grouped by domain.

// Chat
const (
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatIngress = "chat.ingress"
	MethodChatAbort   = "chat.abort"
	MethodChatInject  = "chat.inject"
)

// Sessions
const (
	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
	MethodSessionsSpawn   = "sessions.spawn"
	MethodSessionsSend    = "sessions.send"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsReset   = "sessions.reset"
)

// Cron & system events
const (
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"

	MethodSystemEvent = "system.event"

	MethodHeartbeatEnable  = "heartbeat.enable"
	MethodHeartbeatDisable = "heartbeat.disable"
	MethodHeartbeatLast    = "heartbeat.last"
)

// Exec approvals
const (
	MethodExecApprovalGet    = "exec.approval.get"
	MethodExecApprovalDecide = "exec.approval.decide"
)

// Voice calls
const (
	MethodVoicecallInitiate = "voicecall.initiate"
	MethodVoicecallContinue = "voicecall.continue"
	MethodVoicecallSpeak    = "voicecall.speak"
	MethodVoicecallEnd      = "voicecall.end"
	MethodVoicecallStatus   = "voicecall.status"
)

// Pairing (DM allowlist management)
const (
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"
	MethodPairingRevoke  = "pairing.revoke"
)

// Config & system
const (
	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"

	MethodChannelsStatus = "channels.status"

	MethodHealth = "health"
	MethodStatus = "status"
)
