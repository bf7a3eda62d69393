package sessions

// Thinking levels accepted by /think and session overrides.
var ThinkingLevels = []string{"off", "minimal", "low", "medium", "high", "xhigh"}

// Verbose levels accepted by /verbose.
var VerboseLevels = []string{"off", "on", "full"}

// Group activation modes.
const (
	ActivationMention = "mention"
	ActivationAlways  = "always"
)

// ValidThinkingLevel reports whether s is a recognized thinking level.
func ValidThinkingLevel(s string) bool {
	for _, l := range ThinkingLevels {
		if s == l {
			return true
		}
	}
	return false
}

// ValidVerboseLevel reports whether s is a recognized verbose level.
func ValidVerboseLevel(s string) bool {
	for _, l := range VerboseLevels {
		if s == l {
			return true
		}
	}
	return false
}

// Entry is the persisted metadata for one session key. The registry is the
// exclusive owner; other components read copies.
type Entry struct {
	SessionID   string `json:"sessionId"`             // UUID, stable transcript file name
	SessionFile string `json:"sessionFile,omitempty"` // absolute path override

	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	AgentID   string `json:"agentId"`
	ChatType  string `json:"chatType,omitempty"` // direct|group|channel|topic

	ThinkingLevel   string `json:"thinkingLevel,omitempty"`   // off|minimal|low|medium|high|xhigh
	VerboseLevel    string `json:"verboseLevel,omitempty"`    // off|on|full
	GroupActivation string `json:"groupActivation,omitempty"` // mention|always
	ModelOverride   string `json:"modelOverride,omitempty"`   // provider/model
	SpawnedBy       string `json:"spawnedBy,omitempty"`       // parent session key (subagents)

	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`

	CreatedAt      int64 `json:"createdAt"` // unix ms
	UpdatedAt      int64 `json:"updatedAt"`
	LastActivityAt int64 `json:"lastActivityAt,omitempty"`
}

// Clone returns a copy safe to hand outside the registry lock.
func (e *Entry) Clone() *Entry {
	cp := *e
	return &cp
}
