// Package mcp connects to external MCP servers and bridges their tools
// into the agent tool registry, with health checks and reconnection.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports the connection status of an MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name       string
	transport  string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string // registered tool names in the registry
	timeoutSec int
	cancel     context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager connects the MCP servers declared under tools.mcp_servers and
// registers their tools.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
	configs  map[string]*config.MCPServerConfig
}

// NewManager creates a Manager for the given tool registry and server configs.
func NewManager(registry *tools.Registry, cfgs map[string]*config.MCPServerConfig) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		configs:  cfgs,
	}
}

// Start connects to all enabled MCP servers. Non-fatal: servers that fail
// to connect are logged and skipped, and the returned error summarizes them.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.configs) == 0 {
		return nil
	}

	var errs []string
	for name, cfg := range m.configs {
		if !cfg.IsEnabled() {
			slog.Info("mcp.server.disabled", "server", name)
			continue
		}

		if err := m.connectServer(ctx, name, cfg); err != nil {
			slog.Warn("mcp.server.connect_failed", "server", name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		if len(cfg.Allow) > 0 || len(cfg.Deny) > 0 {
			m.filterTools(name, cfg.Allow, cfg.Deny)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("some MCP servers failed to connect: %s", joinErrors(errs))
	}
	return nil
}

// Stop shuts down all MCP server connections and unregisters their tools.
func (m *Manager) Stop() {
	m.unregisterAllTools()
}

// ServerStatus returns the status of all connected MCP servers.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return statuses
}
