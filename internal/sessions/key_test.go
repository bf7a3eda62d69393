package sessions

import "testing"

func TestBuildKey(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dm", BuildKey("main", "telegram", PeerDM, "4242002"), "agent:main:telegram:dm:4242002"},
		{"group", BuildKey("main", "Telegram", PeerGroup, "-100123"), "agent:main:telegram:group:-100123"},
		{"topic", BuildTopicKey("main", "telegram", "-100123", "99"), "agent:main:telegram:topic:-100123:99"},
		{"main", BuildMainKey("ops"), "agent:ops:main"},
		{"subagent", BuildSubagentKey("main", "6f1b"), "agent:main:subagent:6f1b"},
		{"cron", BuildCronKey("main", "abcd"), "agent:main:cron:abcd"},
		{"thread", BuildThreadKey("main", "t-1"), "agent:main:thread:t-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("key = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    Key
		wantErr bool
	}{
		{
			name: "dm",
			key:  "agent:main:telegram:dm:4242002",
			want: Key{AgentID: "main", Kind: KeyChannel, Channel: "telegram", Peer: PeerDM, PeerID: "4242002"},
		},
		{
			name: "topic keeps composite peer id",
			key:  "agent:main:telegram:topic:-100123:99",
			want: Key{AgentID: "main", Kind: KeyChannel, Channel: "telegram", Peer: PeerTopic, PeerID: "-100123:99"},
		},
		{
			name: "main",
			key:  "agent:ops:main",
			want: Key{AgentID: "ops", Kind: KeyMain},
		},
		{
			name: "subagent",
			key:  "agent:main:subagent:6f1b",
			want: Key{AgentID: "main", Kind: KeySubagent, Suffix: "6f1b"},
		},
		{
			name: "cron",
			key:  "agent:main:cron:job-1",
			want: Key{AgentID: "main", Kind: KeyCron, Suffix: "job-1"},
		},
		{name: "missing prefix", key: "telegram:dm:1", wantErr: true},
		{name: "empty agent", key: "agent::main", wantErr: true},
		{name: "bad peer kind", key: "agent:main:telegram:room:1", wantErr: true},
		{name: "main with trailing segment", key: "agent:main:main:extra", wantErr: true},
		{name: "subagent without id", key: "agent:main:subagent", wantErr: true},
		{name: "too short", key: "agent:main", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.key)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.key)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.key, err)
			}
			if got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.key, got, tt.want)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	keys := []string{
		"agent:main:telegram:dm:4242002",
		"agent:main:telegram:topic:-100123:99",
		"agent:ops:main",
		"agent:main:subagent:6f1b",
	}
	for _, key := range keys {
		k, err := Parse(key)
		if err != nil {
			t.Fatalf("Parse(%q): %v", key, err)
		}
		if k.String() != key {
			t.Fatalf("round trip: %q → %q", key, k.String())
		}
	}
}

func TestAgentID(t *testing.T) {
	if got := AgentID("agent:ops:telegram:dm:1"); got != "ops" {
		t.Fatalf("AgentID = %q, want %q", got, "ops")
	}
	if got := AgentID("bogus"); got != "" {
		t.Fatalf("AgentID(bogus) = %q, want empty", got)
	}
}

func TestKindPredicates(t *testing.T) {
	if !IsSubagent("agent:main:subagent:x") {
		t.Fatal("IsSubagent = false for subagent key")
	}
	if IsSubagent("agent:main:telegram:dm:1") {
		t.Fatal("IsSubagent = true for dm key")
	}
	if !IsCron("agent:main:cron:x") {
		t.Fatal("IsCron = false for cron key")
	}
}
