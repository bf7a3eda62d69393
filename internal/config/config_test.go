package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadMissingFileYieldsDefaults verifies a missing config file is not an
// error and produces the documented defaults.
func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("default port = %d, want 18789", cfg.Gateway.Port)
	}
	if cfg.Gateway.Bind != BindLoopback {
		t.Errorf("default bind = %q, want loopback", cfg.Gateway.Bind)
	}
	if cfg.Channels.Telegram.DMPolicy != "pairing" {
		t.Errorf("telegram dm_policy = %q, want pairing", cfg.Channels.Telegram.DMPolicy)
	}
	if cfg.Tools.ExecApproval.Security != "allowlist" {
		t.Errorf("execApproval.security = %q, want allowlist", cfg.Tools.ExecApproval.Security)
	}
}

// TestLoadJSON5Comments verifies the parser tolerates comments and trailing commas.
func TestLoadJSON5Comments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
  // endpoint tuning
  "gateway": {
    "port": 4242,
    "max_message_chars": 1000,
  },
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 4242 {
		t.Errorf("port = %d, want 4242", cfg.Gateway.Port)
	}
	if cfg.Gateway.MaxMessageChars != 1000 {
		t.Errorf("max_message_chars = %d, want 1000", cfg.Gateway.MaxMessageChars)
	}
}

// TestEnvOverrides verifies env vars beat file values and auto-enable channels.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "tok-1")
	t.Setenv("OPENCLAW_PORT", "9999")
	t.Setenv("OPENCLAW_TELEGRAM_TOKEN", "tg-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Token != "tok-1" {
		t.Errorf("token = %q, want tok-1", cfg.Gateway.Token)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram channel should auto-enable when token set via env")
	}
}

// TestValidateRejectsBadEnums verifies enum checks for bind mode and policies.
func TestValidateRejectsBadEnums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad bind", func(c *Config) { c.Gateway.Bind = "wan" }},
		{"custom without host", func(c *Config) { c.Gateway.Bind = BindCustom; c.Gateway.Host = "" }},
		{"bad port", func(c *Config) { c.Gateway.Port = -1 }},
		{"bad dm policy", func(c *Config) { c.Channels.Telegram.DMPolicy = "maybe" }},
		{"bad security", func(c *Config) { c.Tools.ExecApproval.Security = "yolo" }},
		{"bad ask", func(c *Config) { c.Tools.ExecApproval.Ask = "sometimes" }},
		{"bad exec host", func(c *Config) { c.Tools.Exec.Host = "mars" }},
		{"binding missing agent", func(c *Config) {
			c.Bindings = []AgentBinding{{Match: BindingMatch{Channel: "telegram"}}}
		}},
		{"binding bad peer kind", func(c *Config) {
			c.Bindings = []AgentBinding{{AgentID: "a", Match: BindingMatch{Channel: "telegram", Peer: &BindingPeer{Kind: "room", ID: "1"}}}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

// TestSaveNeverPersistsSecrets verifies json:"-" fields stay off disk.
func TestSaveNeverPersistsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.Gateway.Token = "super-secret"
	cfg.Database.PostgresDSN = "postgres://u:p@h/db"
	cfg.Tailscale.AuthKey = "tskey-123"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"super-secret", "postgres://", "tskey-123"} {
		if string(data) != "" && containsStr(string(data), secret) {
			t.Errorf("secret %q leaked into config file", secret)
		}
	}
}

func containsStr(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// TestMaskedCopy verifies secrets are masked and originals untouched.
func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "sk-ant-xxx"
	cfg.Channels.Telegram.Token = "12345:abc"

	masked := cfg.MaskedCopy()
	if masked.Providers.Anthropic.APIKey != "***" {
		t.Errorf("masked anthropic key = %q", masked.Providers.Anthropic.APIKey)
	}
	if masked.Channels.Telegram.Token != "***" {
		t.Errorf("masked telegram token = %q", masked.Channels.Telegram.Token)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-xxx" {
		t.Error("MaskedCopy mutated the original")
	}
}

// TestResolveAgentMergesOverrides verifies per-agent override precedence.
func TestResolveAgentMergesOverrides(t *testing.T) {
	cfg := Default()
	cfg.Agents.List = map[string]AgentSpec{
		"research": {Model: "claude-opus-4-1", MaxTokens: 4096},
	}

	d := cfg.ResolveAgent("research")
	if d.Model != "claude-opus-4-1" {
		t.Errorf("model = %q, want override", d.Model)
	}
	if d.MaxTokens != 4096 {
		t.Errorf("maxTokens = %d, want 4096", d.MaxTokens)
	}
	if d.Provider != "anthropic" {
		t.Errorf("provider = %q, want inherited default", d.Provider)
	}

	d = cfg.ResolveAgent("unknown")
	if d.Model != cfg.Agents.Defaults.Model {
		t.Errorf("unknown agent should inherit defaults, got model %q", d.Model)
	}
}

// TestExpandHome verifies ~ expansion edge cases.
func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"~/x", home + "/x"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
