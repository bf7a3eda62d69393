// Package bootstrap seeds the workspace with its starter markdown files and
// loads them back as system-prompt context.
package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
)

// Workspace file names. AGENTS.md doubles as the "workspace already
// initialized" marker.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// maxContextFileBytes bounds a single context file injected into the system
// prompt.
const maxContextFileBytes = 64 * 1024

// ContextFile is one workspace markdown file injected into the system prompt.
type ContextFile struct {
	Path    string
	Content string
}

// contextFileOrder is the injection order. HEARTBEAT.md is excluded: it is
// read by the agent during heartbeat runs, not injected into every prompt.
var contextFileOrder = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	BootstrapFile,
}

// LoadContextFiles reads the workspace context files that exist. Empty and
// oversized files are skipped.
func LoadContextFiles(workspaceDir string) []ContextFile {
	var files []ContextFile
	for _, name := range contextFileOrder {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil || len(data) == 0 || len(data) > maxContextFileBytes {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		files = append(files, ContextFile{Path: name, Content: content})
	}
	return files
}

// HeartbeatContent returns the trimmed HEARTBEAT.md content, or "" when the
// file is absent or empty. Heartbeat runs are skipped in that case.
func HeartbeatContent(workspaceDir string) string {
	data, err := os.ReadFile(filepath.Join(workspaceDir, HeartbeatFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
