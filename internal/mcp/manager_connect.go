package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/tools"
)

// connectServer dials one configured server, runs the MCP handshake,
// discovers its tools, and registers them as bridged tools.
func (m *Manager) connectServer(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	client, err := createClient(cfg.Transport, cfg.Command, cfg.Args, cfg.Env, cfg.URL, cfg.Headers)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// stdio starts on construction; the HTTP transports need an explicit Start.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "openclaw",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	ss := &serverState{
		name:       name,
		transport:  cfg.Transport,
		client:     client,
		timeoutSec: timeoutSec,
	}
	ss.connected.Store(true)
	ss.toolNames = m.registerBridgedTools(ss, listed.Tools, cfg.ToolPrefix)

	if len(ss.toolNames) > 0 {
		tools.RegisterToolGroup("mcp:"+name, ss.toolNames)
		m.updateMCPGroup()
	}

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	slog.Info("mcp.server.connected",
		"server", name,
		"transport", cfg.Transport,
		"tools", len(ss.toolNames),
	)
	return nil
}

// registerBridgedTools wraps each discovered tool and adds it to the
// registry, skipping names already taken.
func (m *Manager) registerBridgedTools(ss *serverState, discovered []mcpgo.Tool, prefix string) []string {
	var names []string
	for _, mcpTool := range discovered {
		bt := NewBridgeTool(ss.name, mcpTool, ss.client, prefix, ss.timeoutSec, &ss.connected)
		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp.tool.name_collision",
				"server", ss.name,
				"tool", bt.Name(),
				"action", "skipped",
			)
			continue
		}
		m.registry.Register(bt)
		names = append(names, bt.Name())
	}
	return names
}

func createClient(transportType, command string, args []string, env map[string]string, url string, headers map[string]string) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		return mcpclient.NewStdioMCPClient(command, mapToEnvSlice(env), args...)

	case "sse":
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(headers))
		}
		return mcpclient.NewSSEMCPClient(url, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		return mcpclient.NewStreamableHttpClient(url, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", transportType)
	}
}

func (ss *serverState) markHealthy() {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

func (ss *serverState) markUnhealthy(err error) {
	ss.connected.Store(false)
	ss.mu.Lock()
	ss.lastErr = err.Error()
	ss.mu.Unlock()
}

// healthLoop pings on an interval and kicks off reconnection when the
// server stops answering.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil {
				ss.markHealthy()
				continue
			}
			// A server without a "ping" handler is still alive.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				ss.markHealthy()
				continue
			}
			ss.markUnhealthy(err)
			slog.Warn("mcp.server.health_failed", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

// tryReconnect waits out an exponential backoff, then probes the server
// again. The transports reconnect on their own; this only re-verifies.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp.server.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	slog.Info("mcp.server.reconnecting",
		"server", ss.name,
		"attempt", attempt,
		"backoff", backoff,
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.markHealthy()
		slog.Info("mcp.server.reconnected", "server", ss.name)
	}
}
