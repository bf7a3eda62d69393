package mcp

import (
	"log/slog"

	"github.com/openclaw/openclaw/internal/tools"
)

// ToolNames returns the registered names of every bridged tool.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	return names
}

// updateMCPGroup rebuilds the "mcp" tool group from the current server set.
// Caller must not hold m.mu.
func (m *Manager) updateMCPGroup() {
	names := m.ToolNames()
	if len(names) == 0 {
		tools.UnregisterToolGroup("mcp")
		return
	}
	tools.RegisterToolGroup("mcp", names)
}

// unregisterAllTools tears down every server connection and removes its
// bridged tools from the registry.
func (m *Manager) unregisterAllTools() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			_ = ss.client.Close()
		}
		for _, tn := range ss.toolNames {
			m.registry.Unregister(tn)
		}
		tools.UnregisterToolGroup("mcp:" + name)
		slog.Debug("mcp.server.unregistered", "server", name, "tools", len(ss.toolNames))
	}
	m.servers = make(map[string]*serverState)
	tools.UnregisterToolGroup("mcp")
}

// filterTools drops bridged tools excluded by the server's allow/deny lists.
// Lists match original (unprefixed) tool names; deny wins.
func (m *Manager) filterTools(serverName string, allow, deny []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss, ok := m.servers[serverName]
	if !ok {
		return
	}

	allowSet, denySet := toSet(allow), toSet(deny)

	kept := ss.toolNames[:0]
	for _, tn := range ss.toolNames {
		reg, ok := m.registry.Get(tn)
		if !ok {
			continue
		}
		bridge, ok := reg.(*BridgeTool)
		if !ok {
			kept = append(kept, tn)
			continue
		}
		if !filterAllows(bridge.OriginalName(), allowSet, denySet) {
			m.registry.Unregister(tn)
			continue
		}
		kept = append(kept, tn)
	}
	ss.toolNames = kept
}

func filterAllows(name string, allow, deny map[string]struct{}) bool {
	if _, denied := deny[name]; denied {
		return false
	}
	if len(allow) == 0 {
		return true
	}
	_, ok := allow[name]
	return ok
}
