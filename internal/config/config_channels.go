package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WebChat  WebChatConfig  `json:"webchat"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	GroupAllowFrom FlexibleStringSlice `json:"group_allow_from,omitempty"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	HistoryLimit   int                 `json:"history_limit,omitempty"`   // max pending group messages for context (default 50, 0=disabled)
	ReactionLevel  string              `json:"reaction_level,omitempty"`  // "off" (default), "minimal", "full" — status emoji reactions
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"` // max media download size in bytes (default 20MB)
	LinkPreview    *bool               `json:"link_preview,omitempty"`    // enable URL previews in messages (default true)
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	GroupAllowFrom FlexibleStringSlice `json:"group_allow_from,omitempty"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "pairing", "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in guild channels (default true)
	HistoryLimit   int                 `json:"history_limit,omitempty"`   // max pending group messages for context (default 50, 0=disabled)
}

// WebChatConfig controls the internal webchat surface served over the
// gateway's own WebSocket. There is no separate transport: webchat turns
// arrive as chat.send / chat.ingress calls from authenticated clients.
type WebChatConfig struct {
	Enabled      bool `json:"enabled"`                 // default true
	HistoryLimit int  `json:"history_limit,omitempty"` // default 200 records served to new subscribers
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" || p.OpenAI.APIKey != ""
}

// GatewayConfig controls the gateway server.
type GatewayConfig struct {
	Bind               string   `json:"bind,omitempty"` // "loopback" (default), "lan", "tailnet", "custom"
	Host               string   `json:"host,omitempty"` // used when bind="custom"
	Port               int      `json:"port"`
	Token              string   `json:"-"`                              // from env OPENCLAW_GATEWAY_TOKEN only
	Password           string   `json:"-"`                              // from env OPENCLAW_GATEWAY_PASSWORD only
	OwnerIDs           []string `json:"owner_ids,omitempty"`            // sender IDs considered "owner" (command authorization)
	AllowedOrigins     []string `json:"allowed_origins,omitempty"`      // WebSocket origin whitelist (empty = allow all)
	MaxMessageChars    int      `json:"max_message_chars,omitempty"`    // max user message characters (default 32000)
	MaxAttachmentBytes int64    `json:"max_attachment_bytes,omitempty"` // max base64-decoded attachment size (default 5 MiB)
	RateLimitRPM       int      `json:"rate_limit_rpm,omitempty"`       // rate limit: requests per minute per client (default 120, 0 = disabled)
	RateLimitBurst     int      `json:"rate_limit_burst,omitempty"`     // token bucket burst (default 30)
	InboundDebounceMs  int      `json:"inbound_debounce_ms,omitempty"`  // merge rapid messages from same sender (default 1000ms, -1 = disabled)
	ClientBuffer       int      `json:"client_buffer,omitempty"`        // per-subscriber outbound frame buffer (default 256)
}

// ToolsConfig controls tool availability and execution policy.
type ToolsConfig struct {
	Allow        []string                    `json:"allow,omitempty"` // tool name allow list (empty = all registered)
	Deny         []string                    `json:"deny,omitempty"`  // tool name deny list
	ExecApproval ExecApprovalCfg             `json:"execApproval,omitempty"`
	Exec         ExecToolCfg                 `json:"exec,omitempty"`
	McpServers   map[string]*MCPServerConfig `json:"mcp_servers,omitempty"` // external MCP server connections
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prefix for tool names (avoids collisions)
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
	Allow      []string          `json:"allow,omitempty"`       // original tool names to keep (empty = all)
	Deny       []string          `json:"deny,omitempty"`        // original tool names to drop (wins over allow)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ExecApprovalCfg configures command execution approval.
type ExecApprovalCfg struct {
	Security  string   `json:"security,omitempty"`  // "deny", "allowlist", "full" (default "allowlist")
	Ask       string   `json:"ask,omitempty"`       // "off", "on-miss", "always" (default "on-miss")
	Allowlist []string `json:"allowlist,omitempty"` // glob patterns matched against the resolved command path
	SafeBins  []string `json:"safeBins,omitempty"`  // stdin-only tools that bypass the allowlist
	TimeoutMs int      `json:"timeout_ms,omitempty"` // pending-approval expiry (default 120000)
}

// ExecToolCfg configures where gated commands execute.
type ExecToolCfg struct {
	Host      string `json:"host,omitempty"`       // "sandbox" (default), "gateway", "node"
	Node      string `json:"node,omitempty"`       // node ref when host="node"
	TimeoutMs int    `json:"timeout_ms,omitempty"` // per-command timeout (default 60000)
}

// SessionsConfig controls session persistence and key scoping.
type SessionsConfig struct {
	Storage string `json:"storage"`            // directory for session files (default <home>/sessions)
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	DmScope string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default), "per-account-channel-peer"
	MainKey string `json:"main_key,omitempty"` // main session key suffix (default "main", used when dm_scope="main")
}
