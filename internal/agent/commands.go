package agent

import (
	"fmt"
	"strings"

	"github.com/openclaw/openclaw/internal/approval"
	"github.com/openclaw/openclaw/internal/ingress"
	"github.com/openclaw/openclaw/internal/scheduler"
	"github.com/openclaw/openclaw/internal/sessions"
)

const helpText = `Commands:
/think <off|minimal|low|medium|high|xhigh> - set thinking level
/verbose <off|on|full> - set verbose output
/reasoning <level> - alias for /think
/model <provider/model|default> - override the session model
/new - fresh session (archive transcript, clear overrides)
/reset - fresh context (archive transcript, keep settings)
/stop - abort the active run
/approve <id> <allow|allow-always|deny> - decide a pending exec approval
/help - this text`

// handleCommand applies a leading "/" directive before any LLM work. Returns
// the reply to deliver and whether a command was consumed. Directive replies
// never touch the transcript.
func (c *Controller) handleCommand(in *ingress.InboundContext, key string) (string, bool) {
	body := strings.TrimSpace(in.BodyForCommands)
	if !strings.HasPrefix(body, "/") {
		return "", false
	}
	line := body
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}

	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/think", "/reasoning":
		return c.cmdThink(key, args), true
	case "/verbose":
		return c.cmdVerbose(key, args), true
	case "/model":
		return c.cmdModel(key, args), true
	case "/new":
		return c.cmdReset(key, true), true
	case "/reset":
		return c.cmdReset(key, false), true
	case "/stop":
		return c.cmdStop(key), true
	case "/help":
		return helpText, true
	case "/approve":
		return c.cmdApprove(in, args), true
	}
	return "", false
}

func (c *Controller) cmdThink(key string, args []string) string {
	if len(args) == 0 {
		e, err := c.registry.Get(key)
		if err != nil {
			return "no session"
		}
		level := e.ThinkingLevel
		if level == "" {
			level = c.cfg.ResolveAgent(e.AgentID).ThinkingDefault
		}
		if level == "" {
			level = "off"
		}
		return "Thinking: " + level
	}
	level := strings.ToLower(args[0])
	if !sessions.ValidThinkingLevel(level) {
		return fmt.Sprintf("unknown thinking level %q (valid: %s)", args[0], strings.Join(sessions.ThinkingLevels, ", "))
	}
	if err := c.registry.Patch(key, func(e *sessions.Entry) { e.ThinkingLevel = level }); err != nil {
		return "no session"
	}
	return "Thinking set to " + level
}

func (c *Controller) cmdVerbose(key string, args []string) string {
	if len(args) == 0 {
		e, err := c.registry.Get(key)
		if err != nil {
			return "no session"
		}
		level := e.VerboseLevel
		if level == "" {
			level = "off"
		}
		return "Verbose: " + level
	}
	level := strings.ToLower(args[0])
	if !sessions.ValidVerboseLevel(level) {
		return fmt.Sprintf("unknown verbose level %q (valid: %s)", args[0], strings.Join(sessions.VerboseLevels, ", "))
	}
	if err := c.registry.Patch(key, func(e *sessions.Entry) { e.VerboseLevel = level }); err != nil {
		return "no session"
	}
	return "Verbose set to " + level
}

func (c *Controller) cmdModel(key string, args []string) string {
	if len(args) == 0 {
		e, err := c.registry.Get(key)
		if err != nil {
			return "no session"
		}
		if e.ModelOverride != "" {
			return "Model: " + e.ModelOverride + " (session override)"
		}
		d := c.cfg.ResolveAgent(e.AgentID)
		return "Model: " + d.Provider + "/" + d.Model + " (default)"
	}

	ref := args[0]
	if ref == "default" || ref == "clear" {
		if err := c.registry.Patch(key, func(e *sessions.Entry) { e.ModelOverride = "" }); err != nil {
			return "no session"
		}
		return "Model override cleared"
	}

	providerName, _, ok := splitModelRef(ref)
	if !ok {
		return fmt.Sprintf("model ref %q must be provider/model", ref)
	}
	if _, err := c.providers.Get(providerName); err != nil {
		return fmt.Sprintf("provider %q not configured", providerName)
	}
	if err := c.registry.Patch(key, func(e *sessions.Entry) { e.ModelOverride = ref }); err != nil {
		return "no session"
	}
	return "Model set to " + ref
}

// cmdReset rotates the session id and archives the transcript. /new also
// clears the session overrides; /reset keeps them.
func (c *Controller) cmdReset(key string, clearSettings bool) string {
	e, err := c.registry.Get(key)
	if err != nil {
		return "no session"
	}
	path := c.registry.TranscriptPath(key, e)
	if err := c.transcripts.Delete(path); err != nil {
		return fmt.Sprintf("archive transcript: %v", err)
	}
	_ = c.registry.Patch(key, func(e *sessions.Entry) {
		e.SessionID = newSessionID()
		e.SessionFile = ""
		e.InputTokens = 0
		e.OutputTokens = 0
		if clearSettings {
			e.ThinkingLevel = ""
			e.VerboseLevel = ""
			e.ModelOverride = ""
		}
	})
	if clearSettings {
		return "Started a new session"
	}
	return "Context reset"
}

func (c *Controller) cmdStop(key string) string {
	if n := c.AbortSession(key, scheduler.AbortReasonRequested); n > 0 {
		return "Stopping"
	}
	return "Nothing to stop"
}

// cmdApprove resolves a pending exec approval from chat. Same authorization
// as the RPC decide path: owners only.
func (c *Controller) cmdApprove(in *ingress.InboundContext, args []string) string {
	if !in.CommandAuthorized {
		return "not authorized"
	}
	if len(args) < 2 {
		return "usage: /approve <id> <allow|allow-always|deny>"
	}
	id := args[0]
	var decision string
	switch strings.ToLower(args[1]) {
	case "allow", "allow-once", "yes":
		decision = approval.DecideAllowOnce
	case "allow-always", "always":
		decision = approval.DecideAllowAlways
	case "deny", "no":
		decision = approval.DecideDeny
	default:
		return fmt.Sprintf("unknown verdict %q", args[1])
	}

	if c.approvals == nil {
		return "approvals unavailable"
	}
	switch err := c.approvals.Decide(id, decision, in.SenderID); err {
	case nil:
		return "Approval " + args[1] + " recorded"
	case approval.ErrNotFound:
		return "no pending approval " + id
	case approval.ErrAlreadyDecided:
		return "approval " + id + " already decided"
	default:
		return fmt.Sprintf("approve: %v", err)
	}
}

// splitModelRef splits "provider/model" into its parts.
func splitModelRef(ref string) (provider, model string, ok bool) {
	idx := strings.IndexByte(ref, '/')
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}
