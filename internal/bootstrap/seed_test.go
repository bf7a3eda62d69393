package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openclaw/openclaw/internal/config"
)

func TestEnsureWorkspaceFiles(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}
	// Brand-new workspace gets the standard set plus BOOTSTRAP.md.
	if len(created) != len(workspaceTemplates)+1 {
		t.Fatalf("created = %v", created)
	}
	for _, name := range append(workspaceTemplates, BootstrapFile) {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	// Second run is a no-op.
	created, err = EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles second run: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("second run created %v", created)
	}
}

func TestEnsureWorkspaceFilesKeepsEdits(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}

	soul := filepath.Join(dir, SoulFile)
	if err := os.WriteFile(soul, []byte("# mine now\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}
	data, err := os.ReadFile(soul)
	if err != nil || string(data) != "# mine now\n" {
		t.Fatalf("SOUL.md overwritten: %q, %v", data, err)
	}
}

func TestEnsureWorkspaceFilesSkipsBootstrapWhenInitialized(t *testing.T) {
	dir := t.TempDir()
	// A pre-existing AGENTS.md marks the workspace as initialized.
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), []byte("# hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}
	for _, name := range created {
		if name == BootstrapFile {
			t.Fatal("BOOTSTRAP.md seeded into an initialized workspace")
		}
	}
	if _, err := os.Stat(filepath.Join(dir, BootstrapFile)); !os.IsNotExist(err) {
		t.Fatalf("BOOTSTRAP.md exists: %v", err)
	}
}

func TestEnsureStateDir(t *testing.T) {
	home := filepath.Join(t.TempDir(), "state")
	t.Setenv("OPENCLAW_HOME", home)
	t.Setenv("OPENCLAW_CONFIG", "")

	wrote, err := EnsureStateDir()
	if err != nil {
		t.Fatalf("EnsureStateDir: %v", err)
	}
	if !wrote {
		t.Fatal("config skeleton not written on first run")
	}
	for _, dir := range []string{home, filepath.Join(home, "sessions"), filepath.Join(home, "cron")} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("state dir %s: %v", dir, err)
		}
	}

	// The skeleton must load cleanly, comments and all.
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		t.Fatalf("skeleton does not parse: %v", err)
	}
	if cfg.Gateway.Port != 18789 {
		t.Fatalf("skeleton port = %d", cfg.Gateway.Port)
	}

	// Second run must not clobber the existing config.
	wrote, err = EnsureStateDir()
	if err != nil {
		t.Fatalf("EnsureStateDir second run: %v", err)
	}
	if wrote {
		t.Fatal("config skeleton rewritten over an existing file")
	}
}
