package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/openclaw/openclaw/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the agent tool registry.
// The registered name carries the server's tool prefix (default
// "mcp_<server>_") so tools from different servers never collide.
type BridgeTool struct {
	serverName string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	prefix     string
	timeoutSec int
	connected  *atomic.Bool
}

// NewBridgeTool wraps a discovered MCP tool.
func NewBridgeTool(serverName string, tool mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if prefix == "" {
		prefix = "mcp_" + serverName + "_"
	}
	return &BridgeTool{
		serverName: serverName,
		tool:       tool,
		client:     client,
		prefix:     prefix,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (b *BridgeTool) Name() string { return b.prefix + b.tool.Name }

// OriginalName returns the tool name as the server advertises it,
// without the registry prefix. Allow/deny filters match on this.
func (b *BridgeTool) OriginalName() string { return b.tool.Name }

func (b *BridgeTool) Description() string {
	if b.tool.Description != "" {
		return b.tool.Description
	}
	return fmt.Sprintf("Tool %q from MCP server %q", b.tool.Name, b.serverName)
}

func (b *BridgeTool) Parameters() map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
	if b.tool.InputSchema.Type != "" {
		schema["type"] = b.tool.InputSchema.Type
	}
	if len(b.tool.InputSchema.Properties) > 0 {
		schema["properties"] = b.tool.InputSchema.Properties
	}
	if len(b.tool.InputSchema.Required) > 0 {
		schema["required"] = b.tool.InputSchema.Required
	}
	return schema
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is not connected", b.serverName))
	}

	timeout := time.Duration(b.timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %q failed: %v", b.tool.Name, err)).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %q returned an error", b.tool.Name)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

// flattenContent joins result content blocks into one string. Non-text
// blocks are rendered as JSON so nothing the server sent is silently lost.
func flattenContent(content []mcpgo.Content) string {
	out := ""
	for _, c := range content {
		if out != "" {
			out += "\n"
		}
		if tc, ok := c.(mcpgo.TextContent); ok {
			out += tc.Text
			continue
		}
		if raw, err := json.Marshal(c); err == nil {
			out += string(raw)
		}
	}
	return out
}
