package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Bind modes accepted by GatewayConfig.Bind.
const (
	BindLoopback = "loopback"
	BindLAN      = "lan"
	BindTailnet  = "tailnet"
	BindCustom   = "custom"
)

// DefaultAgentID is the agent used when no binding or explicit agent matches.
const DefaultAgentID = "main"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.openclaw/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				ContextWindow:       200000,
				ThinkingDefault:     "off",
				VerboseDefault:      "off",
				RunTimeoutMs:        600000,
				Subagents: &SubagentsConfig{
					MaxConcurrent: 8,
					MaxSpawnDepth: 1,
				},
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				DMPolicy:    "pairing",
				GroupPolicy: "open",
			},
			Discord: DiscordConfig{
				DMPolicy:    "open",
				GroupPolicy: "open",
			},
			WebChat: WebChatConfig{Enabled: true},
		},
		Gateway: GatewayConfig{
			Bind:               BindLoopback,
			Port:               18789,
			MaxMessageChars:    32000,
			MaxAttachmentBytes: 5 << 20,
			RateLimitRPM:       120,
			RateLimitBurst:     30,
			InboundDebounceMs:  1000,
			ClientBuffer:       256,
		},
		Tools: ToolsConfig{
			ExecApproval: ExecApprovalCfg{
				Security:  "allowlist",
				Ask:       "on-miss",
				SafeBins:  []string{"cat", "head", "tail", "wc", "sort", "uniq"},
				TimeoutMs: 120000,
			},
			Exec: ExecToolCfg{
				Host:      "sandbox",
				TimeoutMs: 60000,
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.openclaw/sessions",
			DmScope: "per-channel-peer",
			MainKey: "main",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("OPENCLAW_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("OPENCLAW_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)

	envStr("OPENCLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OPENCLAW_GATEWAY_PASSWORD", &c.Gateway.Password)
	envStr("OPENCLAW_BIND", &c.Gateway.Bind)
	if v := os.Getenv("OPENCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("OPENCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("OPENCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("OPENCLAW_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("OPENCLAW_MODEL", &c.Agents.Defaults.Model)
	envStr("OPENCLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("OPENCLAW_SESSIONS_STORAGE", &c.Sessions.Storage)

	envStr("OPENCLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("OPENCLAW_MODE", &c.Database.Mode)

	envStr("OPENCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OPENCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OPENCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("OPENCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OPENCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("OPENCLAW_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	envStr("OPENCLAW_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("OPENCLAW_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("OPENCLAW_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call after mutating the config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Validate checks enum fields and structural constraints. Failures here map
// to process exit code 2.
func (c *Config) Validate() error {
	switch c.Gateway.Bind {
	case BindLoopback, BindLAN, BindTailnet, BindCustom:
	default:
		return fmt.Errorf("gateway.bind: unknown mode %q", c.Gateway.Bind)
	}
	if c.Gateway.Bind == BindCustom && c.Gateway.Host == "" {
		return fmt.Errorf("gateway.bind=custom requires gateway.host")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port: %d out of range", c.Gateway.Port)
	}

	validDM := map[string]bool{"": true, "disabled": true, "open": true, "allowlist": true, "pairing": true}
	validGroup := map[string]bool{"": true, "disabled": true, "open": true, "allowlist": true}
	if !validDM[c.Channels.Telegram.DMPolicy] {
		return fmt.Errorf("channels.telegram.dm_policy: unknown policy %q", c.Channels.Telegram.DMPolicy)
	}
	if !validGroup[c.Channels.Telegram.GroupPolicy] {
		return fmt.Errorf("channels.telegram.group_policy: unknown policy %q", c.Channels.Telegram.GroupPolicy)
	}
	if !validDM[c.Channels.Discord.DMPolicy] {
		return fmt.Errorf("channels.discord.dm_policy: unknown policy %q", c.Channels.Discord.DMPolicy)
	}
	if !validGroup[c.Channels.Discord.GroupPolicy] {
		return fmt.Errorf("channels.discord.group_policy: unknown policy %q", c.Channels.Discord.GroupPolicy)
	}

	switch c.Tools.ExecApproval.Security {
	case "", "deny", "allowlist", "full":
	default:
		return fmt.Errorf("tools.execApproval.security: unknown mode %q", c.Tools.ExecApproval.Security)
	}
	switch c.Tools.ExecApproval.Ask {
	case "", "off", "on-miss", "always":
	default:
		return fmt.Errorf("tools.execApproval.ask: unknown mode %q", c.Tools.ExecApproval.Ask)
	}
	switch c.Tools.Exec.Host {
	case "", "sandbox", "gateway", "node":
	default:
		return fmt.Errorf("tools.exec.host: unknown host %q", c.Tools.Exec.Host)
	}

	if hb := c.Agents.Defaults.Heartbeat; hb != nil && hb.Every != "" {
		if _, err := time.ParseDuration(hb.Every); err != nil {
			return fmt.Errorf("agents.defaults.heartbeat.every: %w", err)
		}
	}

	for i, b := range c.Bindings {
		if b.AgentID == "" {
			return fmt.Errorf("bindings[%d]: missing agentId", i)
		}
		if b.Match.Channel == "" {
			return fmt.Errorf("bindings[%d]: missing match.channel", i)
		}
		if p := b.Match.Peer; p != nil {
			switch p.Kind {
			case "dm", "group", "channel", "topic":
			default:
				return fmt.Errorf("bindings[%d]: unknown peer kind %q", i, p.Kind)
			}
		}
	}

	return nil
}

// Save writes the config to a JSON file. Secret fields tagged json:"-"
// (gateway token/password, DSN, tsnet auth key) never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by config.get to avoid exposing secrets to WebSocket clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
		if spec.Heartbeat != nil {
			d.Heartbeat = spec.Heartbeat
		}
	}
	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "main" when none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "OpenClaw"
}

// IsOwner reports whether a sender id is in the configured owner set.
func (c *Config) IsOwner(senderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.Gateway.OwnerIDs {
		if strings.TrimSpace(id) == senderID {
			return true
		}
	}
	return false
}

// --- state directory layout ---

// Home returns the OpenClaw state directory (~/.openclaw), honouring
// OPENCLAW_HOME.
func Home() string {
	if v := os.Getenv("OPENCLAW_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".openclaw")
}

// ConfigPath returns the config file location, honouring OPENCLAW_CONFIG.
func ConfigPath() string {
	if v := os.Getenv("OPENCLAW_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(Home(), "config.json")
}

// CronJobsPath returns the cron job store location.
func CronJobsPath() string {
	return filepath.Join(Home(), "cron", "jobs.json")
}

// ApprovalsPath returns the persisted exec-approval allowlist location.
func ApprovalsPath() string {
	return filepath.Join(Home(), "exec-approvals.json")
}

// PairingDBPath returns the sqlite pairing store location.
func PairingDBPath() string {
	return filepath.Join(Home(), "pairing.db")
}

// SessionsDir returns the root directory for session registries and
// transcripts.
func (c *Config) SessionsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Sessions.Storage != "" {
		return ExpandHome(c.Sessions.Storage)
	}
	return filepath.Join(Home(), "sessions")
}

// WorkspacePath returns the expanded default workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
