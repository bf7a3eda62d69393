package approval

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// Security modes, loosest to strictest: full, allowlist, deny.
const (
	SecurityDeny      = "deny"
	SecurityAllowlist = "allowlist"
	SecurityFull      = "full"
)

// Ask modes, loosest to strictest: off, on-miss, always.
const (
	AskOff    = "off"
	AskOnMiss = "on-miss"
	AskAlways = "always"
)

// Verdicts from CheckCommand.
const (
	VerdictAllow = "allow"
	VerdictDeny  = "deny"
	VerdictAsk   = "ask"
)

// Policy is one effective approval policy.
type Policy struct {
	Security string
	Ask      string
}

var securityRank = map[string]int{SecurityFull: 0, SecurityAllowlist: 1, SecurityDeny: 2}
var askRank = map[string]int{AskOff: 0, AskOnMiss: 1, AskAlways: 2}

// Merge combines two policies; the stricter setting wins per axis. Empty
// fields inherit from the other side.
func Merge(global, session Policy) Policy {
	out := global
	if out.Security == "" {
		out.Security = SecurityAllowlist
	}
	if out.Ask == "" {
		out.Ask = AskOnMiss
	}
	if session.Security != "" && securityRank[session.Security] > securityRank[out.Security] {
		out.Security = session.Security
	}
	if session.Ask != "" && askRank[session.Ask] > askRank[out.Ask] {
		out.Ask = session.Ask
	}
	return out
}

// resolveCommandPath resolves the command's first token to an absolute path.
// Unresolvable commands fall back to the bare token so allowlist patterns
// like "git" still match.
func resolveCommandPath(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	bin := fields[0]
	if abs, err := exec.LookPath(bin); err == nil {
		if resolved, err := filepath.Abs(abs); err == nil {
			return resolved
		}
		return abs
	}
	return bin
}

// matchAllowlist reports whether the resolved path matches any pattern,
// case-insensitively. Patterns match either the full path or the base name.
func matchAllowlist(patterns []string, resolvedPath string) bool {
	lowerPath := strings.ToLower(resolvedPath)
	base := filepath.Base(lowerPath)
	for _, p := range patterns {
		lp := strings.ToLower(p)
		if ok, _ := filepath.Match(lp, lowerPath); ok {
			return true
		}
		if ok, _ := filepath.Match(lp, base); ok {
			return true
		}
	}
	return false
}

// isSafeBin reports whether the command's binary is in the safe-bins set
// (stdin-only tools that bypass the allowlist).
func isSafeBin(safeBins []string, resolvedPath string) bool {
	base := strings.ToLower(filepath.Base(resolvedPath))
	for _, b := range safeBins {
		if strings.ToLower(b) == base {
			return true
		}
	}
	return false
}
