package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspace       string
	restrict        bool
	allowedPrefixes []string // extra allowed path prefixes (e.g. skills dirs)
	deniedPrefixes  []string // path prefixes to deny access to (e.g. .openclaw)
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

// AllowPaths adds extra path prefixes that read_file is allowed to access
// even when restrict_to_workspace is true (e.g. skills directories).
func (t *ReadFileTool) AllowPaths(prefixes ...string) {
	t.allowedPrefixes = append(t.allowedPrefixes, prefixes...)
}

// DenyPaths adds path prefixes that read_file must reject (e.g. hidden dirs).
func (t *ReadFileTool) DenyPaths(prefixes ...string) {
	t.deniedPrefixes = append(t.deniedPrefixes, prefixes...)
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}

	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}
	resolved, err := resolvePathWithAllowed(path, workspace, t.restrict, t.allowedPrefixes)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := checkDeniedPath(resolved, t.workspace, t.deniedPrefixes); err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}

	return SilentResult(string(data))
}

// WriteFileTool writes file contents inside the workspace, creating parent
// directories as needed.
type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}

	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}
	resolved, err := resolveForWrite(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}

	return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// EditFileTool replaces an exact text span in a file. The old text must
// appear exactly once.
type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact text snippet in a file with new text"
}
func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old_text": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace (must occur exactly once)",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if path == "" || oldText == "" {
		return ErrorResult("path and old_text are required")
	}

	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}
	resolved, err := resolvePath(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	content := string(data)

	switch n := strings.Count(content, oldText); n {
	case 0:
		return ErrorResult("old_text not found in file")
	case 1:
	default:
		return ErrorResult(fmt.Sprintf("old_text occurs %d times, must be unique", n))
	}

	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}

	return SilentResult(fmt.Sprintf("edited %s", path))
}

// ListFilesTool lists directory entries in the workspace.
type ListFilesTool struct {
	workspace string
	restrict  bool
}

func NewListFilesTool(workspace string, restrict bool) *ListFilesTool {
	return &ListFilesTool{workspace: workspace, restrict: restrict}
}

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List files and directories at a path" }
func (t *ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (defaults to the workspace root)",
			},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}

	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}
	resolved, err := resolvePath(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "%s/\n", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", entry.Name())
			continue
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", entry.Name(), info.Size())
	}
	if b.Len() == 0 {
		return SilentResult("(empty directory)")
	}

	return SilentResult(b.String())
}

// resolveForWrite validates a possibly non-existent target path, creating
// parent directories only after the canonical target is known to stay inside
// the workspace.
func resolveForWrite(path, workspace string, restrict bool) (string, error) {
	var joined string
	if filepath.IsAbs(path) {
		joined = filepath.Clean(path)
	} else {
		joined = filepath.Clean(filepath.Join(workspace, path))
	}

	if !restrict {
		if err := os.MkdirAll(filepath.Dir(joined), 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory: %v", err)
		}
		return joined, nil
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace
	}

	abs, _ := filepath.Abs(joined)
	real, err := resolveThroughExistingAncestors(abs)
	if err != nil {
		return "", fmt.Errorf("access denied: cannot resolve path")
	}
	if !isPathInside(real, wsReal) {
		slog.Warn("security.path_escape", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}

	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %v", err)
	}
	return resolvePath(real, wsReal, true)
}

// resolvePathWithAllowed is like resolvePath but also allows paths under extra prefixes.
func resolvePathWithAllowed(path, workspace string, restrict bool, allowedPrefixes []string) (string, error) {
	resolved, err := resolvePath(path, workspace, restrict)
	if err == nil {
		return resolved, nil
	}
	// If restricted and denied, check if path falls under an allowed prefix.
	// Resolve symlinks in the candidate path for safe comparison.
	cleaned := filepath.Clean(path)
	absPath, _ := filepath.Abs(cleaned)
	real, evalErr := filepath.EvalSymlinks(absPath)
	if evalErr != nil {
		// Try resolving parent for non-existent files
		parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absPath))
		if parentErr != nil {
			return "", err
		}
		real = filepath.Join(parentReal, filepath.Base(absPath))
	}
	for _, prefix := range allowedPrefixes {
		absPrefix, _ := filepath.Abs(prefix)
		prefixReal, prefixErr := filepath.EvalSymlinks(absPrefix)
		if prefixErr != nil {
			prefixReal = absPrefix
		}
		if isPathInside(real, prefixReal) {
			slog.Debug("read_file: allowed by prefix", "path", real, "prefix", prefixReal)
			return real, nil
		}
	}
	slog.Warn("read_file: access denied", "path", cleaned, "workspace", workspace, "allowedPrefixes", allowedPrefixes)
	return "", err
}

// checkDeniedPath returns an error if the resolved path falls under any denied prefix.
// Denied prefixes are relative to the workspace (e.g. ".openclaw" denies workspace/.openclaw/).
// The resolved path should already be canonical (from resolvePath with restrict=true).
func checkDeniedPath(resolved, workspace string, deniedPrefixes []string) error {
	if len(deniedPrefixes) == 0 {
		return nil
	}
	absResolved, _ := filepath.Abs(resolved)
	absWorkspace, _ := filepath.Abs(workspace)
	// Resolve workspace to canonical form for consistent comparison.
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace
	}
	for _, prefix := range deniedPrefixes {
		denied := filepath.Join(wsReal, prefix)
		if isPathInside(absResolved, denied) {
			return fmt.Errorf("access denied: path %s is restricted", prefix)
		}
	}
	return nil
}

// resolvePath resolves a path relative to the workspace and validates it.
// When restrict=true, resolves symlinks to canonical paths and rejects
// paths that escape the workspace boundary (symlink/hardlink attacks).
func resolvePath(path, workspace string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}

	if !restrict {
		return resolved, nil
	}

	// Resolve workspace to canonical path (follow symlinks in workspace path itself).
	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace // workspace doesn't exist yet — use as-is
	}

	// Resolve the target path to canonical form (follows all symlinks).
	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if os.IsNotExist(err) {
			// Check if the path itself is a symlink (broken/dangling).
			// Lstat doesn't follow symlinks, so it succeeds even for broken ones.
			if linfo, lerr := os.Lstat(absResolved); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
				// It's a broken symlink — read target and validate.
				target, readErr := os.Readlink(absResolved)
				if readErr != nil {
					return "", fmt.Errorf("access denied: cannot resolve symlink")
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(absResolved), target)
				}
				target = filepath.Clean(target)

				// Resolve through existing ancestors to catch chained symlinks
				// (e.g. link1 → link2 → /outside) where intermediate targets escape.
				resolved, resolveErr := resolveThroughExistingAncestors(target)
				if resolveErr != nil {
					slog.Warn("security.broken_symlink_resolve_failed", "path", path, "target", target)
					return "", fmt.Errorf("access denied: cannot resolve broken symlink target")
				}
				if !isPathInside(resolved, wsReal) {
					slog.Warn("security.broken_symlink_escape", "path", path, "target", resolved, "workspace", wsReal)
					return "", fmt.Errorf("access denied: broken symlink target outside workspace")
				}
				real = resolved
			} else {
				// Truly non-existent file (not a symlink): resolve parent and re-validate.
				parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
				if parentErr != nil {
					return "", fmt.Errorf("access denied: cannot resolve path")
				}
				real = filepath.Join(parentReal, filepath.Base(absResolved))
			}
		} else {
			// Permission error or other — reject.
			slog.Warn("security.path_resolve_failed", "path", path, "error", err)
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
	}

	// Validate canonical path stays within canonical workspace.
	if !isPathInside(real, wsReal) {
		slog.Warn("security.path_escape", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}

	// Reject paths with mutable symlink components (TOCTOU symlink rebind risk).
	// A symlink in the path whose parent directory is writable could be replaced
	// between resolution time and actual file operation.
	if hasMutableSymlinkParent(real) {
		slog.Warn("security.mutable_symlink_parent", "path", path, "resolved", real)
		return "", fmt.Errorf("access denied: path contains mutable symlink component")
	}

	// Reject hardlinked files (nlink > 1) to prevent hardlink-based escapes.
	if err := checkHardlink(real); err != nil {
		return "", err
	}

	return real, nil
}

// isPathInside checks whether child is inside or equal to parent directory.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughExistingAncestors resolves a path by finding the deepest
// existing ancestor, canonicalizing it with EvalSymlinks, then appending
// the remaining non-existent components. This handles broken symlinks
// whose targets contain intermediate symlinks that escape the workspace.
func resolveThroughExistingAncestors(target string) (string, error) {
	// Try full resolution first (target exists and all symlinks resolve)
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	// Walk up to find the deepest existing ancestor
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			// Reached filesystem root without finding existing dir
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			// Found existing ancestor — canonicalize and rebuild
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

// hasMutableSymlinkParent checks if any component of the resolved path is a symlink
// whose parent directory is writable by the current process. A writable parent means
// the symlink could be replaced between path resolution and actual file operation
// (TOCTOU symlink rebind attack).
func hasMutableSymlinkParent(path string) bool {
	clean := filepath.Clean(path)
	components := strings.Split(clean, string(filepath.Separator))
	current := string(filepath.Separator)
	for _, comp := range components {
		if comp == "" {
			continue
		}
		current = filepath.Join(current, comp)
		info, err := os.Lstat(current)
		if err != nil {
			break // non-existent — stop checking
		}
		if info.Mode()&os.ModeSymlink != 0 {
			// Symlink found — check if its parent dir is writable
			parentDir := filepath.Dir(current)
			if syscall.Access(parentDir, 0x2 /* W_OK */) == nil {
				return true
			}
		}
	}
	return false
}

// checkHardlink rejects regular files with nlink > 1 (hardlink attack prevention).
// Directories naturally have nlink > 1 and are exempt.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // non-existent files are OK — will fail at read/write
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Nlink > 1 {
			slog.Warn("security.hardlink_rejected", "path", path, "nlink", stat.Nlink)
			return fmt.Errorf("access denied: hardlinked file not allowed")
		}
	}
	return nil
}
