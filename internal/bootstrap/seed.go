package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openclaw/openclaw/internal/config"
)

//go:embed templates/*.md
var templateFS embed.FS

// workspaceTemplates lists the files seeded into every workspace.
// BOOTSTRAP.md is deliberately absent: it is a one-shot onboarding note,
// seeded only when the workspace has never been initialized.
var workspaceTemplates = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	HeartbeatFile,
}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureWorkspaceFiles seeds missing template files into workspaceDir and
// returns the names it created. Existing files are never touched, so the
// agent's own edits to SOUL.md, USER.md etc. survive restarts.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, err
	}

	// AGENTS.md doubles as the initialization marker: if it is missing the
	// workspace is brand new and gets the one-shot BOOTSTRAP.md as well.
	_, err := os.Stat(filepath.Join(workspaceDir, AgentsFile))
	brandNew := os.IsNotExist(err)

	toSeed := workspaceTemplates
	if brandNew {
		toSeed = append(append([]string(nil), workspaceTemplates...), BootstrapFile)
	}

	var created []string
	for _, name := range toSeed {
		ok, err := seedFile(workspaceDir, name)
		if err != nil {
			slog.Warn("bootstrap.seed_failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// EnsureStateDir creates the ~/.openclaw tree (sessions, cron) and, on
// first run, writes a commented config.json skeleton. The config loader
// accepts JSON5, so the comments survive round trips through an editor.
// Returns true when the skeleton was written.
func EnsureStateDir() (bool, error) {
	home := config.Home()
	for _, dir := range []string{
		home,
		filepath.Join(home, "sessions"),
		filepath.Join(home, "cron"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return false, err
		}
	}

	path := config.ConfigPath()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.WriteString(configSkeleton); err != nil {
		os.Remove(path)
		return false, err
	}
	slog.Info("bootstrap.config_seeded", "path", path)
	return true, nil
}

// seedFile writes one embedded template into the workspace. O_EXCL makes
// creation race-safe when several gateway instances share a workspace.
func seedFile(workspaceDir, name string) (bool, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(filepath.Join(workspaceDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}

const configSkeleton = `{
  // OpenClaw gateway configuration. JSON5: comments and trailing commas OK.
  // Secrets (provider keys, bot tokens, gateway auth) come from the
  // environment, never from this file.

  "gateway": {
    "port": 18789,
    // "loopback" (default), "lan", "tailnet", or "custom" (+ "host").
    "bind": "loopback",
  },

  "agents": {
    "defaults": {
      "workspace": "~/openclaw",
      // "provider": "anthropic",
      // "model": "claude-opus-4-1",
    },
  },

  "channels": {
    // "telegram": { "enabled": true, "dm_policy": "pairing" },
    // "discord":  { "enabled": true },
  },
}
`
