// Package sessions owns session identity: the canonical key grammar, the
// per-key SessionEntry metadata, and the registry that resolves channel peers
// to keys and persists entries.
//
// Session keys are colon-delimited:
//
//	agent:{agentId}:{channel}:{peerKind}:{peerId}[:...]
//	agent:{agentId}:main
//	agent:{agentId}:subagent:{uuid}
//	agent:{agentId}:cron:{uuid}
//	agent:{agentId}:thread:{uuid}
//
// Examples:
//
//	agent:main:telegram:dm:4242002
//	agent:main:telegram:group:-100123456
//	agent:main:telegram:topic:-100123456:99
//	agent:main:subagent:6f1b...
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind classifies the conversation target of a channel-bound session.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
	PeerTopic   PeerKind = "topic"
)

// Valid reports whether k is a recognized peer kind.
func (k PeerKind) Valid() bool {
	switch k {
	case PeerDM, PeerGroup, PeerChannel, PeerTopic:
		return true
	}
	return false
}

// Reserved key segments following the agent id.
const (
	segMain     = "main"
	segSubagent = "subagent"
	segCron     = "cron"
	segThread   = "thread"
)

// KeyKind distinguishes the recognized session key shapes.
type KeyKind string

const (
	KeyMain     KeyKind = "main"
	KeyChannel  KeyKind = "channel"
	KeySubagent KeyKind = "subagent"
	KeyCron     KeyKind = "cron"
	KeyThread   KeyKind = "thread"
)

// Key is a parsed session key.
type Key struct {
	AgentID string
	Kind    KeyKind
	Channel string   // channel-bound keys only
	Peer    PeerKind // channel-bound keys only
	PeerID  string   // channel-bound keys: peer id (topic: "{parentId}:{topicId}")
	Suffix  string   // subagent/cron/thread uuid
}

// String rebuilds the canonical key.
func (k Key) String() string {
	switch k.Kind {
	case KeyMain:
		return fmt.Sprintf("agent:%s:%s", k.AgentID, segMain)
	case KeyChannel:
		return fmt.Sprintf("agent:%s:%s:%s:%s", k.AgentID, k.Channel, k.Peer, k.PeerID)
	default:
		return fmt.Sprintf("agent:%s:%s:%s", k.AgentID, string(k.Kind), k.Suffix)
	}
}

// BuildKey builds the key for a channel conversation. The channel token is
// lowercased during normalization.
func BuildKey(agentID, channel string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, strings.ToLower(channel), kind, peerID)
}

// BuildTopicKey builds the key for a forum topic inside a parent group.
func BuildTopicKey(agentID, channel, parentID, topicID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, strings.ToLower(channel), PeerTopic, parentID, topicID)
}

// BuildMainKey builds the canonical direct-chat key for an agent.
func BuildMainKey(agentID string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, segMain)
}

// BuildSubagentKey builds the key for a spawned subagent session.
func BuildSubagentKey(agentID, id string) string {
	return fmt.Sprintf("agent:%s:%s:%s", agentID, segSubagent, id)
}

// BuildCronKey builds the key for a cron-owned session.
func BuildCronKey(agentID, id string) string {
	return fmt.Sprintf("agent:%s:%s:%s", agentID, segCron, id)
}

// BuildThreadKey builds the key for a thread within a main session.
func BuildThreadKey(agentID, id string) string {
	return fmt.Sprintf("agent:%s:%s:%s", agentID, segThread, id)
}

// Parse splits a canonical session key. Returns an error for keys outside
// the recognized grammar.
func Parse(key string) (Key, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" {
		return Key{}, fmt.Errorf("malformed session key %q", key)
	}

	k := Key{AgentID: parts[1]}
	rest := parts[2:]

	switch rest[0] {
	case segMain:
		if len(rest) != 1 {
			return Key{}, fmt.Errorf("malformed main key %q", key)
		}
		k.Kind = KeyMain
		return k, nil
	case segSubagent, segCron, segThread:
		if len(rest) < 2 || rest[1] == "" {
			return Key{}, fmt.Errorf("malformed %s key %q", rest[0], key)
		}
		k.Kind = KeyKind(rest[0])
		k.Suffix = strings.Join(rest[1:], ":")
		return k, nil
	}

	// Channel-bound: {channel}:{peerKind}:{peerId}[:...]
	if len(rest) < 3 {
		return Key{}, fmt.Errorf("malformed channel key %q", key)
	}
	kind := PeerKind(rest[1])
	if !kind.Valid() {
		return Key{}, fmt.Errorf("unknown peer kind %q in key %q", rest[1], key)
	}
	k.Kind = KeyChannel
	k.Channel = strings.ToLower(rest[0])
	k.Peer = kind
	k.PeerID = strings.Join(rest[2:], ":")
	return k, nil
}

// AgentID extracts the agent id from a key without full validation.
// Returns "" for keys outside the grammar.
func AgentID(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}

// IsSubagent reports whether key names a subagent session.
func IsSubagent(key string) bool {
	k, err := Parse(key)
	return err == nil && k.Kind == KeySubagent
}

// IsCron reports whether key names a cron-owned session.
func IsCron(key string) bool {
	k, err := Parse(key)
	return err == nil && k.Kind == KeyCron
}
