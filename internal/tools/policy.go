package tools

import (
	"log/slog"
	"strings"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/providers"
)

// Tool groups map group names to tool names. Allow/deny lists may reference
// a whole group as "group:<name>".
var toolGroups = map[string][]string{
	"web":      {"web_search", "web_fetch"},
	"fs":       {"read_file", "write_file", "list_files", "edit_file"},
	"runtime":  {"exec"},
	"sessions": {"sessions_list", "sessions_history", "sessions_send", "sessions_spawn", "session_status"},
}

// RegisterToolGroup adds or replaces a dynamic tool group.
// Used by the MCP manager to register "mcp" and "mcp:{serverName}" groups.
func RegisterToolGroup(name string, members []string) {
	toolGroups[name] = members
}

// UnregisterToolGroup removes a dynamic tool group.
func UnregisterToolGroup(name string) {
	delete(toolGroups, name)
}

// Tool aliases map alternative names to canonical names.
var toolAliases = map[string]string{
	"bash":  "exec",
	"shell": "exec",
}

// Subagent deny list — tools subagents cannot use regardless of config.
var subagentDenyList = []string{
	"sessions_send",
	"session_status",
}

// Leaf subagent deny — additional restrictions at max spawn depth.
var leafSubagentDenyList = []string{
	"sessions_list", "sessions_history", "sessions_spawn",
}

// PolicyEngine evaluates tool access from the tools config allow/deny lists.
type PolicyEngine struct {
	globalPolicy *config.ToolsConfig
}

func NewPolicyEngine(cfg *config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{globalPolicy: cfg}
}

// FilterTools returns provider definitions for the tools the current run may
// use. Allow restricts (empty = everything), deny subtracts, and subagent
// runs lose the session-control tools on top of that.
func (pe *PolicyEngine) FilterTools(
	registry *Registry,
	agentID string,
	isSubagent bool,
	isLeafAgent bool,
) []providers.ToolDefinition {
	allTools := registry.List()
	allowed := copySlice(allTools)

	g := pe.globalPolicy
	if g != nil {
		if len(g.Allow) > 0 {
			allowed = intersectWithPatterns(allowed, g.Allow)
		}
		if len(g.Deny) > 0 {
			allowed = subtractPatterns(allowed, g.Deny)
		}
	}

	if isSubagent {
		allowed = subtractSet(allowed, subagentDenyList)
	}
	if isLeafAgent {
		allowed = subtractSet(allowed, leafSubagentDenyList)
	}

	var defs []providers.ToolDefinition
	for _, name := range allowed {
		canonical := resolveAlias(name)
		if tool, ok := registry.Get(canonical); ok {
			defs = append(defs, ToProviderDef(tool))
		}
	}

	slog.Debug("tool policy applied",
		"agent", agentID,
		"total_tools", len(allTools),
		"allowed", len(defs),
		"is_subagent", isSubagent,
	)

	return defs
}

// --- Set operations with group expansion ---

// expandToSet expands a pattern list (which may contain "group:xxx") into a set
// of concrete tool names.
func expandToSet(patterns []string) map[string]bool {
	expanded := make(map[string]bool)
	for _, s := range patterns {
		if strings.HasPrefix(s, "group:") {
			groupName := strings.TrimPrefix(s, "group:")
			if members, ok := toolGroups[groupName]; ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[s] = true
		}
	}
	return expanded
}

// intersectWithPatterns keeps only tools in `current` matching the pattern list (with group expansion).
func intersectWithPatterns(current []string, patterns []string) []string {
	expanded := expandToSet(patterns)
	var result []string
	for _, t := range current {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

// subtractPatterns removes tools matching the pattern list (with group expansion) from current.
func subtractPatterns(current []string, patterns []string) []string {
	denied := expandToSet(patterns)
	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

// subtractSet removes exact tool names from current.
func subtractSet(current []string, deny []string) []string {
	denied := make(map[string]bool, len(deny))
	for _, d := range deny {
		denied[d] = true
	}
	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

func resolveAlias(name string) string {
	if canonical, ok := toolAliases[name]; ok {
		return canonical
	}
	return name
}

func copySlice(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	return c
}
