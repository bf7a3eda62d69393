// Package tools holds the agent tool registry and the built-in tools:
// exec (approval-gated), workspace file access, session introspection,
// subagent spawn, and web search/fetch. MCP servers contribute additional
// tools through the registry at runtime.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/openclaw/openclaw/internal/providers"
)

// Tool is one callable agent tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers the final result of a tool that returned
// AsyncResult, keyed by the tool call id.
type AsyncCallback func(toolCallID string, result *Result)

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow copy of the registry. Used to build per-agent
// registries with extra or removed tools.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewRegistry()
	for n, t := range r.tools {
		c.tools[n] = t
	}
	return c
}

// ProviderDefs returns provider tool definitions for every registered tool.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, n := range names {
		defs = append(defs, ToProviderDef(r.tools[n]))
	}
	return defs
}

// ToProviderDef converts a tool to its provider-facing definition.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ExecuteWithContext runs a named tool with per-call context (channel,
// chat id, peer kind, session key) injected for tools that need it. A
// panicking tool is converted to an error result.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, asyncCB AsyncCallback) (res *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSessionKey(ctx, sessionKey)
	if asyncCB != nil {
		ctx = WithToolAsyncCB(ctx, asyncCB)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool.panic", "tool", name, "panic", rec, "stack", string(debug.Stack()))
			res = ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	return t.Execute(ctx, args)
}
