package sessions

import (
	"testing"

	"github.com/openclaw/openclaw/internal/config"
)

// memStore is an in-memory Store for registry tests.
type memStore struct {
	entries map[string]*Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*Entry)}
}

func (m *memStore) LoadAll() (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.Clone()
	}
	return out, nil
}

func (m *memStore) Put(key string, e *Entry) error {
	m.entries[key] = e.Clone()
	return nil
}

func (m *memStore) Delete(key string) error {
	delete(m.entries, key)
	return nil
}

func (m *memStore) Flush() error { return nil }

type stubPairing struct{ approved map[string]bool }

func (s *stubPairing) IsApproved(channel, senderID string) bool {
	return s.approved[channel+":"+senderID]
}

func testRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	r, err := NewRegistry(cfg, newMemStore(), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestResolveKeyRouting(t *testing.T) {
	cfg := config.Default()
	cfg.Bindings = []config.AgentBinding{
		{AgentID: "support", Match: config.BindingMatch{
			Channel: "telegram",
			Peer:    &config.BindingPeer{Kind: "group", ID: "-100555"},
		}},
		{AgentID: "groups", Match: config.BindingMatch{
			Channel: "telegram",
			Peer:    &config.BindingPeer{Kind: "group", ID: "*"},
		}},
		{AgentID: "tg", Match: config.BindingMatch{Channel: "telegram"}},
	}
	r := testRegistry(t, cfg)

	tests := []struct {
		name string
		in   ResolveInput
		want string
	}{
		{
			name: "exact peer binding wins",
			in:   ResolveInput{Channel: "telegram", Peer: Peer{Kind: PeerGroup, ID: "-100555"}},
			want: "agent:support:telegram:group:-100555",
		},
		{
			name: "wildcard peer binding",
			in:   ResolveInput{Channel: "telegram", Peer: Peer{Kind: PeerGroup, ID: "-100777"}},
			want: "agent:groups:telegram:group:-100777",
		},
		{
			name: "channel default binding",
			in:   ResolveInput{Channel: "telegram", Peer: Peer{Kind: PeerDM, ID: "42"}},
			want: "agent:tg:telegram:dm:42",
		},
		{
			name: "unbound channel falls to default agent",
			in:   ResolveInput{Channel: "discord", Peer: Peer{Kind: PeerDM, ID: "9"}},
			want: "agent:main:discord:dm:9",
		},
		{
			name: "explicit agent overrides bindings",
			in:   ResolveInput{Channel: "telegram", AgentID: "ops", Peer: Peer{Kind: PeerGroup, ID: "-100555"}},
			want: "agent:ops:telegram:group:-100555",
		},
		{
			name: "channel token lowercased",
			in:   ResolveInput{Channel: "Discord", Peer: Peer{Kind: PeerDM, ID: "9"}},
			want: "agent:main:discord:dm:9",
		},
		{
			name: "self dm collapses to main",
			in:   ResolveInput{Channel: "telegram", Peer: Peer{Kind: PeerDM, ID: "777"}, SelfID: "777"},
			want: "agent:tg:main",
		},
		{
			name: "thread id scopes a subsession",
			in:   ResolveInput{Channel: "telegram", Peer: Peer{Kind: PeerDM, ID: "42"}, ThreadID: "t-9"},
			want: "agent:tg:thread:t-9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveKey(tt.in)
			if err != nil {
				t.Fatalf("ResolveKey: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ResolveKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveKeyDmScopeMain(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.DmScope = "main"
	r := testRegistry(t, cfg)

	got, err := r.ResolveKey(ResolveInput{Channel: "telegram", Peer: Peer{Kind: PeerDM, ID: "42"}})
	if err != nil {
		t.Fatalf("ResolveKey: %v", err)
	}
	if got != "agent:main:main" {
		t.Fatalf("ResolveKey = %q, want %q", got, "agent:main:main")
	}
}

func TestResolveKeyRejectsBadInput(t *testing.T) {
	r := testRegistry(t, nil)
	if _, err := r.ResolveKey(ResolveInput{Peer: Peer{Kind: PeerDM, ID: "1"}}); err == nil {
		t.Fatal("ResolveKey with empty channel succeeded, want error")
	}
	if _, err := r.ResolveKey(ResolveInput{Channel: "telegram", Peer: Peer{Kind: "room", ID: "1"}}); err == nil {
		t.Fatal("ResolveKey with bad peer kind succeeded, want error")
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	r := testRegistry(t, nil)
	key := "agent:main:telegram:dm:42"

	first := r.GetOrCreate(key, Entry{Channel: "telegram", ChatType: "direct"})
	if first.SessionID == "" {
		t.Fatal("created entry has empty sessionId")
	}
	if first.AgentID != "main" {
		t.Fatalf("AgentID = %q, want %q", first.AgentID, "main")
	}

	second := r.GetOrCreate(key, Entry{Channel: "other"})
	if second.SessionID != first.SessionID {
		t.Fatalf("second GetOrCreate returned new sessionId %q, want %q", second.SessionID, first.SessionID)
	}
	if second.Channel != "telegram" {
		t.Fatalf("seed overwrote existing entry: channel = %q", second.Channel)
	}
}

func TestPatchPersistsAndCopies(t *testing.T) {
	store := newMemStore()
	r, err := NewRegistry(config.Default(), store, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	key := "agent:main:telegram:dm:42"
	r.GetOrCreate(key, Entry{})

	if err := r.Patch(key, func(e *Entry) { e.ThinkingLevel = "high" }); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	got, err := r.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ThinkingLevel != "high" {
		t.Fatalf("ThinkingLevel = %q, want %q", got.ThinkingLevel, "high")
	}
	if store.entries[key].ThinkingLevel != "high" {
		t.Fatal("patch not persisted to store")
	}

	// Mutating the returned copy must not touch the registry.
	got.ThinkingLevel = "off"
	again, _ := r.Get(key)
	if again.ThinkingLevel != "high" {
		t.Fatal("Get returned a shared pointer, want a copy")
	}

	if err := r.Patch("agent:main:telegram:dm:absent", func(e *Entry) {}); err != ErrNotFound {
		t.Fatalf("Patch missing = %v, want ErrNotFound", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	r := testRegistry(t, nil)
	r.GetOrCreate("agent:main:telegram:dm:1", Entry{})
	r.GetOrCreate("agent:main:telegram:dm:2", Entry{})
	r.GetOrCreate("agent:ops:main", Entry{})

	if got := len(r.List("main")); got != 2 {
		t.Fatalf("List(main) = %d entries, want 2", got)
	}
	if got := len(r.List("")); got != 3 {
		t.Fatalf("List(all) = %d entries, want 3", got)
	}

	if err := r.Delete("agent:main:telegram:dm:1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete("agent:main:telegram:dm:1"); err != ErrNotFound {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
	if _, err := r.Get("agent:main:telegram:dm:1"); err != ErrNotFound {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestDMAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Telegram.AllowFrom = []string{"100", "@alice", "200|bob"}
	pairing := &stubPairing{approved: map[string]bool{"telegram:900": true}}
	r, err := NewRegistry(cfg, newMemStore(), pairing)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	tests := []struct {
		name     string
		senderID string
		username string
		want     bool
	}{
		{"plain id", "100", "", true},
		{"username form", "555", "alice", true},
		{"username case-insensitive", "555", "Alice", true},
		{"id|username by id", "200", "", true},
		{"id|username by name", "777", "BOB", true},
		{"paired sender", "900", "", true},
		{"unknown sender", "999", "mallory", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.DMAllowed("telegram", tt.senderID, tt.username); got != tt.want {
				t.Fatalf("DMAllowed(%q, %q) = %v, want %v", tt.senderID, tt.username, got, tt.want)
			}
		})
	}
}

func TestGroupAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Telegram.GroupAllowFrom = []string{"-100555"}
	r := testRegistry(t, cfg)

	if !r.GroupAllowed("telegram", "-100555") {
		t.Fatal("GroupAllowed = false for allowlisted group")
	}
	if r.GroupAllowed("telegram", "-100999") {
		t.Fatal("GroupAllowed = true for unknown group")
	}
}

func TestLastUsedChannel(t *testing.T) {
	r := testRegistry(t, nil)
	r.GetOrCreate("agent:main:telegram:dm:1", Entry{Channel: "telegram"})
	r.GetOrCreate("agent:main:discord:dm:2", Entry{Channel: "discord"})
	r.GetOrCreate("agent:main:cron:job-1", Entry{})

	// Make the discord session the most recent.
	if err := r.Patch("agent:main:discord:dm:2", func(e *Entry) {
		e.LastActivityAt = e.UpdatedAt + 1000
	}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if err := r.Patch("agent:main:cron:job-1", func(e *Entry) {
		e.LastActivityAt = e.UpdatedAt + 5000
	}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	channel, peerID := r.LastUsedChannel("main")
	if channel != "discord" || peerID != "2" {
		t.Fatalf("LastUsedChannel = (%q, %q), want (discord, 2)", channel, peerID)
	}
}
