package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/config"
)

// ErrNotFound is returned when a session key has no entry.
var ErrNotFound = errors.New("session not found")

// Store persists registry entries. Implementations may debounce writes;
// Flush forces them out.
type Store interface {
	LoadAll() (map[string]*Entry, error)
	Put(key string, e *Entry) error
	Delete(key string) error
	Flush() error
}

// PairingChecker answers whether a DM sender was approved out of band.
// Satisfied by the sqlite pairing store; nil disables pairing lookups.
type PairingChecker interface {
	IsApproved(channel, senderID string) bool
}

// Registry resolves peers to session keys and owns the SessionEntry map.
// Guarded by a reader-writer lock: resolution and queries are hot, mutation
// is rare.
type Registry struct {
	cfg     *config.Config
	store   Store
	pairing PairingChecker

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry loads persisted entries from the store.
func NewRegistry(cfg *config.Config, store Store, pairing PairingChecker) (*Registry, error) {
	entries, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if entries == nil {
		entries = make(map[string]*Entry)
	}
	return &Registry{cfg: cfg, store: store, pairing: pairing, entries: entries}, nil
}

// ResolveInput describes an inbound peer identity for key resolution.
type ResolveInput struct {
	Channel   string
	AccountID string
	AgentID   string // explicit override; "" consults routing rules
	Peer      Peer
	ThreadID  string // reply-scoped subsession id (platforms with threads)
	SelfID    string // the channel account's own peer id
	SenderID  string
}

// Peer is a conversation target.
type Peer struct {
	Kind PeerKind
	ID   string
}

// ResolveKey maps a peer to its canonical session key per the routing rules:
// explicit agent > exact peer binding > wildcard peer binding > per-channel
// default binding > global default agent. A DM from the channel's own
// identity collapses to the agent's main session, as does dm_scope="main".
func (r *Registry) ResolveKey(in ResolveInput) (string, error) {
	if in.Channel == "" {
		return "", fmt.Errorf("resolve key: missing channel")
	}
	if !in.Peer.Kind.Valid() {
		return "", fmt.Errorf("resolve key: unknown peer kind %q", in.Peer.Kind)
	}

	agentID := in.AgentID
	if agentID == "" {
		agentID = r.routeAgent(in)
	}

	if in.ThreadID != "" {
		return BuildThreadKey(agentID, in.ThreadID), nil
	}

	if in.Peer.Kind == PeerDM {
		if in.SelfID != "" && in.Peer.ID == in.SelfID {
			return BuildMainKey(agentID), nil
		}
		if r.cfg != nil && r.cfg.Sessions.DmScope == "main" {
			return BuildMainKey(agentID), nil
		}
	}
	return BuildKey(agentID, in.Channel, in.Peer.Kind, in.Peer.ID), nil
}

// routeAgent walks the binding rules in priority order; first match wins.
func (r *Registry) routeAgent(in ResolveInput) string {
	if r.cfg == nil {
		return config.DefaultAgentID
	}

	channel := strings.ToLower(in.Channel)
	var wildcard, channelDefault string

	for _, b := range r.cfg.Bindings {
		if strings.ToLower(b.Match.Channel) != channel {
			continue
		}
		if b.Match.AccountID != "" && in.AccountID != "" && b.Match.AccountID != in.AccountID {
			continue
		}
		p := b.Match.Peer
		switch {
		case p == nil:
			if channelDefault == "" {
				channelDefault = b.AgentID
			}
		case p.ID == "*":
			if p.Kind == string(in.Peer.Kind) && wildcard == "" {
				wildcard = b.AgentID
			}
		case p.Kind == string(in.Peer.Kind) && p.ID == in.Peer.ID:
			return b.AgentID // exact peer: immediate win
		}
	}

	if wildcard != "" {
		return wildcard
	}
	if channelDefault != "" {
		return channelDefault
	}
	return r.cfg.ResolveDefaultAgentID()
}

// GetOrCreate returns the entry for key, creating it on first accepted
// inbound. seed fills channel/account/chatType on creation only.
func (r *Registry) GetOrCreate(key string, seed Entry) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e.Clone()
	}

	now := time.Now().UnixMilli()
	e := &Entry{
		SessionID: uuid.NewString(),
		AgentID:   AgentID(key),
		Channel:   seed.Channel,
		AccountID: seed.AccountID,
		ChatType:  seed.ChatType,
		SpawnedBy: seed.SpawnedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.entries[key] = e
	r.persist(key, e)
	return e.Clone()
}

// Get returns a copy of the entry for key.
func (r *Registry) Get(key string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Patch applies fn to the entry under the write lock and persists.
func (r *Registry) Patch(key string, fn func(*Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return ErrNotFound
	}
	fn(e)
	e.UpdatedAt = time.Now().UnixMilli()
	r.persist(key, e)
	return nil
}

// Touch bumps lastActivityAt.
func (r *Registry) Touch(key string) {
	_ = r.Patch(key, func(e *Entry) {
		e.LastActivityAt = time.Now().UnixMilli()
	})
}

// AccumulateTokens adds run token usage onto the entry.
func (r *Registry) AccumulateTokens(key string, input, output int64) {
	_ = r.Patch(key, func(e *Entry) {
		e.InputTokens += input
		e.OutputTokens += output
	})
}

// Delete removes the entry. The caller archives the transcript.
func (r *Registry) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return ErrNotFound
	}
	delete(r.entries, key)
	if err := r.store.Delete(key); err != nil {
		slog.Warn("sessions.store_delete_failed", "key", key, "error", err)
	}
	return nil
}

// List returns entries, optionally filtered to one agent, keyed by session key.
func (r *Registry) List(agentID string) map[string]*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Entry)
	for key, e := range r.entries {
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		out[key] = e.Clone()
	}
	return out
}

// ListSpawnedBy returns subagent session keys spawned by parent.
func (r *Registry) ListSpawnedBy(parent string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for key, e := range r.entries {
		if e.SpawnedBy == parent {
			keys = append(keys, key)
		}
	}
	return keys
}

// LastUsedChannel finds the agent's most recently active channel session and
// returns its channel + peer id. Heartbeat delivery with target="last" uses
// this. Returns ("", "") when the agent has no channel sessions.
func (r *Registry) LastUsedChannel(agentID string) (channel, peerID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best int64
	for key, e := range r.entries {
		if e.AgentID != agentID {
			continue
		}
		k, err := Parse(key)
		if err != nil || k.Kind != KeyChannel {
			continue
		}
		at := e.LastActivityAt
		if at == 0 {
			at = e.UpdatedAt
		}
		if at > best {
			best = at
			channel, peerID = k.Channel, k.PeerID
		}
	}
	return channel, peerID
}

// TranscriptPath returns the JSONL path for a session entry, honouring the
// per-entry override. Default layout: <storage>/<agent>/<sessionId>.jsonl.
func (r *Registry) TranscriptPath(key string, e *Entry) string {
	if e.SessionFile != "" {
		return e.SessionFile
	}
	return filepath.Join(r.cfg.SessionsDir(), e.AgentID, e.SessionID+".jsonl")
}

// Flush forces pending store writes; called at shutdown.
func (r *Registry) Flush() error {
	return r.store.Flush()
}

func (r *Registry) persist(key string, e *Entry) {
	if err := r.store.Put(key, e); err != nil {
		slog.Warn("sessions.persist_failed", "key", key, "error", err)
	}
}

// --- access-control queries (consumed by the ingress gate) ---

// DMAllowed reports whether a sender may open a DM conversation on channel,
// per the channel's allowFrom set plus the runtime pairing store.
func (r *Registry) DMAllowed(channel, senderID, senderUsername string) bool {
	if AllowlistMatch(r.allowFrom(channel), senderID, senderUsername) {
		return true
	}
	if r.pairing != nil && r.pairing.IsApproved(channel, senderID) {
		return true
	}
	return false
}

// GroupAllowed reports whether a group id is in the channel's group allowlist.
func (r *Registry) GroupAllowed(channel, groupID string) bool {
	return AllowlistMatch(r.groupAllowFrom(channel), groupID, "")
}

// GroupActivationAlways reports whether the session has an
// activation=always override set.
func (r *Registry) GroupActivationAlways(key string) bool {
	e, err := r.Get(key)
	return err == nil && e.GroupActivation == ActivationAlways
}

func (r *Registry) allowFrom(channel string) []string {
	switch strings.ToLower(channel) {
	case "telegram":
		return r.cfg.Channels.Telegram.AllowFrom
	case "discord":
		return r.cfg.Channels.Discord.AllowFrom
	}
	return nil
}

func (r *Registry) groupAllowFrom(channel string) []string {
	switch strings.ToLower(channel) {
	case "telegram":
		return r.cfg.Channels.Telegram.GroupAllowFrom
	case "discord":
		return r.cfg.Channels.Discord.GroupAllowFrom
	}
	return nil
}

// AllowlistMatch supports plain ids, "@username", and "id|username" forms.
func AllowlistMatch(allow []string, id, username string) bool {
	for _, a := range allow {
		trimmed := strings.TrimPrefix(a, "@")
		if a == id || trimmed == id {
			return true
		}
		if username != "" && strings.EqualFold(trimmed, username) {
			return true
		}
		if idx := strings.IndexByte(trimmed, '|'); idx > 0 {
			if trimmed[:idx] == id {
				return true
			}
			if username != "" && strings.EqualFold(trimmed[idx+1:], username) {
				return true
			}
		}
	}
	return false
}
