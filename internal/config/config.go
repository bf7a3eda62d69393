package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the OpenClaw gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "openclaw-gateway")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory (default: <home>/tsnet)
	AuthKey   string `json:"-"`                    // from env OPENCLAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret) — only from env OPENCLAW_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env OPENCLAW_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if the gateway is running against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what inbound messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "telegram", "discord", "webchat"
	AccountID string       `json:"accountId,omitempty"` // bot account ID
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group; "*" id = wildcard
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "dm", "group", "channel", "topic"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace           string           `json:"workspace"`
	RestrictToWorkspace bool             `json:"restrict_to_workspace"`
	Provider            string           `json:"provider"`
	Model               string           `json:"model"`
	MaxTokens           int              `json:"max_tokens"`
	Temperature         float64          `json:"temperature"`
	MaxToolIterations   int              `json:"max_tool_iterations"`
	ContextWindow       int              `json:"context_window"`
	ThinkingDefault     string           `json:"thinking_default,omitempty"` // off|minimal|low|medium|high|xhigh (default "off")
	VerboseDefault      string           `json:"verbose_default,omitempty"`  // off|on|full (default "off")
	RunTimeoutMs        int              `json:"run_timeout_ms,omitempty"`   // per-run deadline (default 600000)
	ResponsePrefix      string           `json:"response_prefix,omitempty"`  // prepended to the first delivery chunk
	Subagents           *SubagentsConfig `json:"subagents,omitempty"`
	Heartbeat           *HeartbeatConfig `json:"heartbeat,omitempty"`
}

// SubagentsConfig configures the subagent lane.
// All fields optional — zero values mean "use default".
type SubagentsConfig struct {
	MaxConcurrent       int    `json:"maxConcurrent,omitempty"`       // default 8
	MaxSpawnDepth       int    `json:"maxSpawnDepth,omitempty"`       // default 1, range 1-5
	ArchiveAfterMinutes int    `json:"archiveAfterMinutes,omitempty"` // default 60
	Model               string `json:"model,omitempty"`               // model override for subagents
}

// HeartbeatConfig configures periodic agent heartbeats.
type HeartbeatConfig struct {
	Every       string             `json:"every,omitempty"`       // duration string: "30m", "1h", "0m"=disabled (default "30m")
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"` // restrict to time window
	Model       string             `json:"model,omitempty"`       // optional model override
	Target      string             `json:"target,omitempty"`      // "last" (default), "none", or channel name
	To          string             `json:"to,omitempty"`          // optional recipient override (chat ID)
	Prompt      string             `json:"prompt,omitempty"`      // custom heartbeat prompt
	AckMaxChars int                `json:"ackMaxChars,omitempty"` // max chars after HEARTBEAT_OK before delivering anyway (default 300)
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA timezone (default: local)
}

// CronConfig configures the scheduled-job engine.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`      // max retry attempts on failure (default 3, 0 = no retry)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff delay (default "2s", Go duration)
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // maximum backoff delay (default "30s", Go duration)
}

// TelemetryConfig configures OpenTelemetry span export.
// When enabled, run/tool spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "openclaw-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens for cloud backends)
}

// AgentSpec is the per-agent configuration override.
// All fields optional — zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName       string           `json:"displayName,omitempty"`
	Provider          string           `json:"provider,omitempty"`
	Model             string           `json:"model,omitempty"`
	MaxTokens         int              `json:"max_tokens,omitempty"`
	Temperature       float64          `json:"temperature,omitempty"`
	MaxToolIterations int              `json:"max_tool_iterations,omitempty"`
	ContextWindow     int              `json:"context_window,omitempty"`
	Workspace         string           `json:"workspace,omitempty"`
	Default           bool             `json:"default,omitempty"`
	Heartbeat         *HeartbeatConfig `json:"heartbeat,omitempty"`
	ExecApproval      *ExecApprovalCfg `json:"execApproval,omitempty"` // per-agent approval override (stricter wins)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Cron = src.Cron
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
	c.Bindings = src.Bindings
}
